package playbacklog

import (
	"bufio"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

// decoder yields events until io.EOF.
// errTail signals a partial final record.
type decoder interface {
	next() (track.PlayEvent, error)
}

var errTail = errors.New("tail")

// Reader iterates over the events of a log in file order. Each run opens the
// log fresh; a Reader cannot be rewound.
type Reader struct {
	path   string
	f      *os.File
	format Format
	dec    decoder

	event track.PlayEvent
	err   error
	tail  bool
	done  bool
	count int
}

// Open opens the log at path and detects its format.
func Open(path string, opts Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open playback log %s", path)
	}

	r, err := newReader(path, f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	zlog.Debug().Msgf("opened playback log: path=%s format=%s", path, r.format)
	return r, nil
}

func newReader(path string, f *os.File, opts Options) (*Reader, error) {
	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "failed to read playback log %s", path)
	}

	format, order, err := sniff(head)
	if err != nil {
		return nil, err
	}

	r := &Reader{path: path, f: f, format: format}
	switch format {
	case FormatBinary:
		dec, err := newBinaryDecoder(br, order)
		if err != nil {
			return nil, err
		}
		r.dec = dec
	default:
		r.dec = newTextDecoder(br, opts.Location)
	}
	return r, nil
}

// Format returns the detected format.
func (r *Reader) Format() Format {
	return r.format
}

// Next advances to the next event. It returns false at the end of the log or
// on the first error.
func (r *Reader) Next() bool {
	if r.done {
		return false
	}

	ev, err := r.dec.next()
	switch {
	case err == nil:
		r.event = ev
		r.count++
		return true
	case errors.Is(err, io.EOF):
	case errors.Is(err, errTail):
		r.tail = true
		zlog.Warn().Msgf("%v: path=%s events=%d", ErrTruncatedTail, r.path, r.count)
	default:
		r.err = err
	}
	r.done = true
	return false
}

// Event returns the event read by the last call to Next.
func (r *Reader) Event() track.PlayEvent {
	return r.event
}

// Err returns the error that stopped the iteration, if any.
func (r *Reader) Err() error {
	return r.err
}

// TruncatedTail reports whether a partial final record was dropped.
func (r *Reader) TruncatedTail() bool {
	return r.tail
}

// Count returns the number of events read so far.
func (r *Reader) Count() int {
	return r.count
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadAll reads every event of the log at path.
func ReadAll(path string, opts Options) ([]track.PlayEvent, bool, error) {
	r, err := Open(path, opts)
	if err != nil {
		return nil, false, err
	}
	defer r.Close()

	var events []track.PlayEvent
	for r.Next() {
		events = append(events, r.Event())
	}
	if err := r.Err(); err != nil {
		return nil, false, err
	}
	return events, r.TruncatedTail(), nil
}
