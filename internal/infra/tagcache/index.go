// Package tagcache reads the Rockbox tag database (database_idx.tcd and the
// database_N.tcd string files) to resolve tag index entries to track metadata.
package tagcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

// Magic is the header magic of the supported format ("TCH" + version 0x10).
const Magic uint32 = 0x54434810

const (
	signatureMask uint32 = 0xFFFFFF00

	// MasterHeaderSize is {magic, datasize, entry_count, serial, commitid, dirty}.
	MasterHeaderSize = 24
	// TagFileHeaderSize is {magic, datasize, entry_count}.
	TagFileHeaderSize = 12
	// TagEntryHeaderSize is {length, idx_id}.
	TagEntryHeaderSize = 8

	// TagCount is the number of tag fields in a master record.
	TagCount = 23
	// RecordSize is the size of one master record: tag fields plus the flag word.
	RecordSize = (TagCount + 1) * 4

	maxStringLength = 1 << 16
	untagged        = "<Untagged>"
)

// Tag numbers used by this reader.
const (
	TagArtist      = 0
	TagAlbum       = 1
	TagTitle       = 3
	TagFilename    = 4
	TagAlbumArtist = 7
	TagTrackNumber = 11
	TagLength      = 14

	lastStringTag = 8
)

// FlagDeleted marks a master record removed from the database.
const FlagDeleted = 0x0001

var (
	// ErrUnsupportedIndexVersion is returned for a tag database of another format version.
	ErrUnsupportedIndexVersion = errors.New("unsupported tag index version")
	// ErrIndexCorrupt is returned for malformed headers or records.
	ErrIndexCorrupt = errors.New("tag index corrupt")
	// ErrIndexRefNotFound is returned for refs outside the index or unpopulated entries.
	ErrIndexRefNotFound = errors.New("tag index entry not found")
	// ErrRecordCorrupt marks ErrIndexCorrupt errors confined to one record.
	// The rest of the index is still readable.
	ErrRecordCorrupt = errors.New("tag index record corrupt")
)

// Index is an open, read-only tag database.
type Index struct {
	dir    string
	order  binary.ByteOrder
	master *os.File
	count  int

	mu       sync.Mutex
	tagFiles map[int]*tagFile
	paths    map[string]track.Ref
}

type tagFile struct {
	f    *os.File
	size int64
}

// MasterPath returns the master index path inside a .rockbox directory.
func MasterPath(dir string) string {
	return filepath.Join(dir, "database_idx.tcd")
}

// TagPath returns the path of the string file of a tag.
func TagPath(dir string, tag int) string {
	return filepath.Join(dir, fmt.Sprintf("database_%d.tcd", tag))
}

// Open opens the tag database in dir and checks its format version.
// Only the master header is read.
func Open(dir string) (*Index, error) {
	path := MasterPath(dir)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tag index %s", path)
	}

	idx, err := openMaster(dir, f)
	if err != nil {
		f.Close()
		return nil, err
	}

	zlog.Debug().Msgf("opened tag index: path=%s entries=%d", path, idx.count)
	return idx, nil
}

func openMaster(dir string, f *os.File) (*Index, error) {
	header := make([]byte, MasterHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "short master header"), ErrIndexCorrupt)
	}

	order, err := detectOrder(header[0:4])
	if err != nil {
		return nil, err
	}

	count := int32(order.Uint32(header[8:12]))
	if count < 0 {
		return nil, errors.Wrapf(ErrIndexCorrupt, "negative entry count %d", count)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat tag index")
	}
	need := int64(MasterHeaderSize) + int64(count)*RecordSize
	if info.Size() < need {
		return nil, errors.Wrapf(ErrIndexCorrupt, "master file holds %d bytes, %d entries need %d", info.Size(), count, need)
	}

	return &Index{
		dir:      dir,
		order:    order,
		master:   f,
		count:    int(count),
		tagFiles: make(map[int]*tagFile),
	}, nil
}

// detectOrder finds the byte order in which the magic matches.
func detectOrder(raw []byte) (binary.ByteOrder, error) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		if order.Uint32(raw) == Magic {
			return order, nil
		}
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		v := order.Uint32(raw)
		if v&signatureMask == Magic&signatureMask {
			return nil, errors.Wrapf(ErrUnsupportedIndexVersion, "version 0x%02x, want 0x%02x", v&^signatureMask, Magic&^signatureMask)
		}
	}
	return nil, errors.Wrapf(ErrIndexCorrupt, "unknown magic 0x%08x", binary.LittleEndian.Uint32(raw))
}

// Count returns the number of master records.
func (x *Index) Count() int {
	return x.count
}

// ByteOrder returns the byte order the database was written in.
func (x *Index) ByteOrder() binary.ByteOrder {
	return x.order
}

// Lookup resolves a ref to its metadata.
func (x *Index) Lookup(ref track.Ref) (track.Metadata, error) {
	if !ref.Valid() || int(ref) >= x.count {
		return track.Metadata{}, errors.Wrapf(ErrIndexRefNotFound, "ref %d outside [0,%d)", ref, x.count)
	}

	fields, err := x.readRecord(ref)
	if err != nil {
		return track.Metadata{}, err
	}
	if fields[TagCount]&FlagDeleted != 0 {
		return track.Metadata{}, errors.Wrapf(ErrIndexRefNotFound, "ref %d is deleted", ref)
	}

	var md track.Metadata
	for _, s := range []struct {
		tag int
		dst *string
	}{
		{TagArtist, &md.Artist},
		{TagTitle, &md.Title},
		{TagAlbum, &md.Album},
		{TagAlbumArtist, &md.AlbumArtist},
	} {
		v, err := x.readString(s.tag, fields[s.tag])
		if err != nil {
			return track.Metadata{}, errors.Wrapf(err, "ref %d tag %d", ref, s.tag)
		}
		*s.dst = v
	}
	if md.Artist == "" || md.Title == "" {
		return track.Metadata{}, errors.Wrapf(ErrIndexRefNotFound, "ref %d has no artist or title", ref)
	}

	if n := fields[TagTrackNumber]; n > 0 {
		md.TrackNumber = int(n)
	}
	if ms := fields[TagLength]; ms > 0 {
		md.Duration = time.Duration(ms) * time.Millisecond
	}
	return md, nil
}

func (x *Index) readRecord(ref track.Ref) ([]int32, error) {
	raw := make([]byte, RecordSize)
	off := int64(MasterHeaderSize) + int64(ref)*RecordSize
	if _, err := x.master.ReadAt(raw, off); err != nil {
		return nil, recordCorrupt(errors.Mark(errors.Wrapf(err, "read record %d", ref), ErrIndexCorrupt))
	}
	fields := make([]int32, TagCount+1)
	for i := range fields {
		fields[i] = int32(x.order.Uint32(raw[i*4:]))
	}
	return fields, nil
}

// readString reads the entry of a string tag at the given offset.
// A zero offset means the tag is not set.
func (x *Index) readString(tag int, seek int32) (string, error) {
	if seek == 0 {
		return "", nil
	}
	if seek < TagFileHeaderSize {
		return "", recordCorrupt(errors.Wrapf(ErrIndexCorrupt, "offset %d inside tag file header", seek))
	}

	tf, err := x.tagFile(tag)
	if err != nil {
		return "", err
	}

	head := make([]byte, TagEntryHeaderSize)
	if _, err := tf.f.ReadAt(head, int64(seek)); err != nil {
		return "", recordCorrupt(errors.Mark(errors.Wrapf(err, "read entry header at %d", seek), ErrIndexCorrupt))
	}
	length := int32(x.order.Uint32(head[0:4]))
	if length < 0 || length > maxStringLength || int64(seek)+TagEntryHeaderSize+int64(length) > tf.size {
		return "", recordCorrupt(errors.Wrapf(ErrIndexCorrupt, "bad string length %d at %d", length, seek))
	}
	if length == 0 {
		return "", nil
	}

	data := make([]byte, length)
	if _, err := tf.f.ReadAt(data, int64(seek)+TagEntryHeaderSize); err != nil {
		return "", recordCorrupt(errors.Mark(errors.Wrapf(err, "read string at %d", seek), ErrIndexCorrupt))
	}
	s := cString(data)
	if s == untagged {
		return "", nil
	}
	return s, nil
}

func (x *Index) tagFile(tag int) (*tagFile, error) {
	if tag < 0 || tag > lastStringTag {
		return nil, errors.Newf("tag %d is not a string tag", tag)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if tf, ok := x.tagFiles[tag]; ok {
		return tf, nil
	}

	path := TagPath(x.dir, tag)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to open tag file %s", path), ErrIndexCorrupt)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to stat tag file %s", path)
	}
	head := make([]byte, TagFileHeaderSize)
	if _, err := io.ReadFull(f, head); err != nil {
		f.Close()
		return nil, errors.Mark(errors.Wrapf(err, "short header in %s", path), ErrIndexCorrupt)
	}
	if got := x.order.Uint32(head[0:4]); got != Magic {
		f.Close()
		return nil, errors.Wrapf(ErrIndexCorrupt, "bad magic 0x%08x in %s", got, path)
	}

	tf := &tagFile{f: f, size: info.Size()}
	x.tagFiles[tag] = tf
	return tf, nil
}

// Close releases all open files.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var errs error
	for tag, tf := range x.tagFiles {
		if err := tf.f.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
		delete(x.tagFiles, tag)
	}
	if err := x.master.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

func recordCorrupt(err error) error {
	return errors.Mark(err, ErrRecordCorrupt)
}

// cString returns b up to the first NUL. Invalid UTF-8 is replaced so that
// the value is sent exactly as it is signed.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
