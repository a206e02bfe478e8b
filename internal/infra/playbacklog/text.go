package playbacklog

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

const textFields = 4

type textDecoder struct {
	r    *bufio.Reader
	loc  *time.Location
	line int64
}

func newTextDecoder(r *bufio.Reader, loc *time.Location) *textDecoder {
	return &textDecoder{r: r, loc: loc}
}

func (d *textDecoder) next() (track.PlayEvent, error) {
	for {
		raw, err := d.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return track.PlayEvent{}, errors.Wrapf(err, "read line %d", d.line+1)
		}
		if raw == "" && err != nil {
			return track.PlayEvent{}, io.EOF
		}
		d.line++
		last := err != nil

		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ev, perr := d.parse(line)
		if perr != nil {
			if last {
				return track.PlayEvent{}, errors.Wrapf(errTail, "line %d: %v", d.line, perr)
			}
			return track.PlayEvent{}, errors.Wrapf(ErrLogCorrupt, "line %d: %v", d.line, perr)
		}
		return ev, nil
	}
}

func (d *textDecoder) parse(line string) (track.PlayEvent, error) {
	parts := strings.SplitN(line, ":", textFields)
	if len(parts) != textFields {
		return track.PlayEvent{}, errors.Newf("want %d fields, got %d", textFields, len(parts))
	}

	var nums [3]int64
	for i, name := range []string{"timestamp", "elapsed", "total"} {
		v, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			return track.PlayEvent{}, errors.Wrapf(err, "bad %s", name)
		}
		if v < 0 {
			return track.PlayEvent{}, errors.Newf("negative %s %d", name, v)
		}
		nums[i] = v
	}
	if parts[3] == "" {
		return track.PlayEvent{}, errors.New("empty path")
	}

	return track.PlayEvent{
		Ref:       track.NoRef,
		Path:      parts[3],
		StartedAt: playerTime(nums[0], d.loc),
		Played:    time.Duration(nums[1]) * time.Millisecond,
		Length:    time.Duration(nums[2]) * time.Millisecond,
		Offset:    d.line,
	}, nil
}

// playerTime converts a player timestamp to UTC. The player stores its wall
// clock as if it were UTC, so the fields are reread in loc.
func playerTime(ts int64, loc *time.Location) time.Time {
	t := time.Unix(ts, 0).UTC()
	if loc == nil {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc).UTC()
}
