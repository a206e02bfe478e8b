// Package playbacklog reads and maintains the player's playback history.
//
// Two formats are supported: the binary log ("PBL" + version 0x10, fixed size
// records referencing tag index entries) and the text playback.log written by
// Rockbox ("timestamp:elapsed_ms:total_ms:path" lines).
package playbacklog

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
)

// Magic is the header magic of the supported binary format.
const Magic uint32 = 0x50424C10

const (
	signatureMask uint32 = 0xFFFFFF00

	// HeaderSize is {magic, record_size}.
	HeaderSize = 8
	// RecordSize is {started_at int64, ref int32, played_ms uint32, stop_reason uint32, crc32 uint32}.
	RecordSize = 24

	checkedSize = RecordSize - 4
)

var (
	// ErrUnsupportedLogVersion is returned for a binary log of another format version.
	ErrUnsupportedLogVersion = errors.New("unsupported playback log version")
	// ErrLogCorrupt is returned for a malformed record that is not the final one.
	ErrLogCorrupt = errors.New("playback log corrupt")
	// ErrTruncatedTail describes a dropped partial final record. It is logged, not returned.
	ErrTruncatedTail = errors.New("playback log ends with a partial record")
)

// Format is the on-disk format of a log.
type Format int

const (
	FormatText Format = iota
	FormatBinary
)

func (f Format) String() string {
	if f == FormatBinary {
		return "binary"
	}
	return "text"
}

// Options controls how a log is read.
type Options struct {
	// Location is the zone the player clock runs in, applied to text logs.
	// Nil means the timestamps are already UTC.
	Location *time.Location
}

// sniff inspects the first bytes of a log.
func sniff(head []byte) (Format, binary.ByteOrder, error) {
	if len(head) < 4 {
		return FormatText, nil, nil
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		if order.Uint32(head) == Magic {
			return FormatBinary, order, nil
		}
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		v := order.Uint32(head)
		if v&signatureMask == Magic&signatureMask {
			return FormatBinary, nil, errors.Wrapf(ErrUnsupportedLogVersion, "version 0x%02x, want 0x%02x", v&^signatureMask, Magic&^signatureMask)
		}
	}
	return FormatText, nil, nil
}
