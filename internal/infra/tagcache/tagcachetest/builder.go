// Package tagcachetest writes small tag databases for tests.
package tagcachetest

import (
	"bytes"
	"encoding/binary"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/scrobblebox/internal/infra/tagcache"
)

// Track is one master record.
type Track struct {
	Path        string
	Artist      string
	Album       string
	Title       string
	AlbumArtist string
	TrackNumber int
	Length      time.Duration
	Deleted     bool
}

// Builder writes a database holding Tracks in order; Tracks[i] gets ref i.
// Zero Order means little endian, zero Magic means tagcache.Magic.
type Builder struct {
	Order  binary.ByteOrder
	Magic  uint32
	Tracks []Track
}

// Write creates database_idx.tcd and the string files in dir.
func (b Builder) Write(dir string) error {
	order := b.Order
	if order == nil {
		order = binary.LittleEndian
	}
	magic := b.Magic
	if magic == 0 {
		magic = tagcache.Magic
	}

	records := make([][tagcache.TagCount + 1]int32, len(b.Tracks))
	for _, s := range []struct {
		tag   int
		value func(Track) string
	}{
		{tagcache.TagArtist, func(t Track) string { return t.Artist }},
		{tagcache.TagAlbum, func(t Track) string { return t.Album }},
		{tagcache.TagTitle, func(t Track) string { return t.Title }},
		{tagcache.TagFilename, func(t Track) string { return t.Path }},
		{tagcache.TagAlbumArtist, func(t Track) string { return t.AlbumArtist }},
	} {
		var body bytes.Buffer
		for i, t := range b.Tracks {
			v := s.value(t)
			if v == "" {
				continue
			}
			records[i][s.tag] = int32(tagcache.TagFileHeaderSize + body.Len())
			data := pad([]byte(v))
			write(&body, order, int32(len(data)), int32(i))
			body.Write(data)
		}

		var out bytes.Buffer
		write(&out, order, magic, int32(body.Len()), int32(len(b.Tracks)))
		out.Write(body.Bytes())
		if err := os.WriteFile(tagcache.TagPath(dir, s.tag), out.Bytes(), 0o644); err != nil {
			return errors.Wrapf(err, "write tag file %d", s.tag)
		}
	}

	var out bytes.Buffer
	write(&out, order, magic, int32(len(b.Tracks)*tagcache.RecordSize), int32(len(b.Tracks)), int32(0), int32(1), int32(0))
	for i, t := range b.Tracks {
		records[i][tagcache.TagTrackNumber] = int32(t.TrackNumber)
		records[i][tagcache.TagLength] = int32(t.Length / time.Millisecond)
		if t.Deleted {
			records[i][tagcache.TagCount] = tagcache.FlagDeleted
		}
		write(&out, order, records[i])
	}
	return errors.Wrap(os.WriteFile(tagcache.MasterPath(dir), out.Bytes(), 0o644), "write master file")
}

// SetField overwrites one field of the master record ref in a database
// written with the given byte order (nil for little endian).
func SetField(dir string, order binary.ByteOrder, ref, field int, value int32) error {
	if order == nil {
		order = binary.LittleEndian
	}
	f, err := os.OpenFile(tagcache.MasterPath(dir), os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrap(err, "open master file")
	}
	defer f.Close()

	raw := make([]byte, 4)
	order.PutUint32(raw, uint32(value))
	off := int64(tagcache.MasterHeaderSize + ref*tagcache.RecordSize + field*4)
	_, err = f.WriteAt(raw, off)
	return errors.Wrap(err, "write field")
}

// pad NUL-terminates data and pads it to a multiple of four bytes.
func pad(data []byte) []byte {
	n := len(data) + 1
	if r := n % 4; r != 0 {
		n += 4 - r
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

func write(buf *bytes.Buffer, order binary.ByteOrder, values ...any) {
	for _, v := range values {
		// bytes.Buffer writes never fail.
		_ = binary.Write(buf, order, v)
	}
}
