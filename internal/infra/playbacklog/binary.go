package playbacklog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

type binaryDecoder struct {
	r      *bufio.Reader
	order  binary.ByteOrder
	offset int64
	buf    [RecordSize]byte
}

func newBinaryDecoder(r *bufio.Reader, order binary.ByteOrder) (*binaryDecoder, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "short header"), ErrLogCorrupt)
	}
	if size := order.Uint32(head[4:8]); size != RecordSize {
		return nil, errors.Wrapf(ErrLogCorrupt, "record size %d, want %d", size, RecordSize)
	}
	return &binaryDecoder{r: r, order: order, offset: HeaderSize}, nil
}

func (d *binaryDecoder) next() (track.PlayEvent, error) {
	offset := d.offset
	n, err := io.ReadFull(d.r, d.buf[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return track.PlayEvent{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return track.PlayEvent{}, errors.Wrapf(errTail, "%d bytes at offset %d", n, offset)
		}
		return track.PlayEvent{}, errors.Wrapf(err, "read record at offset %d", offset)
	}
	d.offset += RecordSize

	want := d.order.Uint32(d.buf[checkedSize:])
	if got := crc32.ChecksumIEEE(d.buf[:checkedSize]); got != want {
		if _, err := d.r.Peek(1); errors.Is(err, io.EOF) {
			return track.PlayEvent{}, errors.Wrapf(errTail, "checksum mismatch at offset %d", offset)
		}
		return track.PlayEvent{}, errors.Wrapf(ErrLogCorrupt, "checksum mismatch at offset %d: got 0x%08x, want 0x%08x", offset, got, want)
	}

	started := int64(d.order.Uint64(d.buf[0:8]))
	ref := int32(d.order.Uint32(d.buf[8:12]))
	if ref < 0 {
		return track.PlayEvent{}, errors.Wrapf(ErrLogCorrupt, "negative ref %d at offset %d", ref, offset)
	}
	return track.PlayEvent{
		Ref:        track.Ref(ref),
		StartedAt:  time.Unix(started, 0).UTC(),
		Played:     time.Duration(d.order.Uint32(d.buf[12:16])) * time.Millisecond,
		StopReason: track.StopReason(d.order.Uint32(d.buf[16:20])),
		Offset:     offset,
	}, nil
}
