package playbacklog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

// Writer appends records in the binary format.
type Writer struct {
	w     *bufio.Writer
	f     *os.File
	order binary.ByteOrder
	buf   [RecordSize]byte
}

// NewWriter writes a header to w and returns a Writer for the records.
func NewWriter(w io.Writer, order binary.ByteOrder) (*Writer, error) {
	bw := bufio.NewWriter(w)
	var head [HeaderSize]byte
	order.PutUint32(head[0:4], Magic)
	order.PutUint32(head[4:8], RecordSize)
	if _, err := bw.Write(head[:]); err != nil {
		return nil, errors.Wrap(err, "write header")
	}
	return &Writer{w: bw, order: order}, nil
}

// Create creates (or replaces) a binary log at path. A nil order writes
// little endian, the byte order of most targets.
func Create(path string, order binary.ByteOrder) (*Writer, error) {
	if order == nil {
		order = binary.LittleEndian
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create playback log %s", path)
	}
	w, err := NewWriter(f, order)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.f = f
	return w, nil
}

// Write appends one event. Only Ref, StartedAt, Played and StopReason are stored.
func (w *Writer) Write(ev track.PlayEvent) error {
	if !ev.Ref.Valid() {
		return errors.Newf("event %s has no tag index ref", ev.Source())
	}
	w.order.PutUint64(w.buf[0:8], uint64(ev.StartedAt.Unix()))
	w.order.PutUint32(w.buf[8:12], uint32(ev.Ref))
	w.order.PutUint32(w.buf[12:16], uint32(ev.Played.Milliseconds()))
	w.order.PutUint32(w.buf[16:20], uint32(ev.StopReason))
	w.order.PutUint32(w.buf[checkedSize:], crc32.ChecksumIEEE(w.buf[:checkedSize]))
	_, err := w.w.Write(w.buf[:])
	return errors.Wrap(err, "write record")
}

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "flush playback log")
}

// Close flushes and, for files opened by Create, syncs and closes the file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		if w.f != nil {
			w.f.Close()
		}
		return err
	}
	if w.f == nil {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return errors.Wrap(err, "sync playback log")
	}
	return errors.Wrap(w.f.Close(), "close playback log")
}
