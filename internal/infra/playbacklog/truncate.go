package playbacklog

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// TruncateMode selects what happens to a log once every play in it is settled.
type TruncateMode string

const (
	// TruncateEmpty keeps the file and drops its records.
	TruncateEmpty TruncateMode = "truncate"
	// TruncateRemove deletes the file.
	TruncateRemove TruncateMode = "remove"
)

// Truncate empties the log at path. Binary logs keep their header so the
// player keeps appending in the same format.
func Truncate(path string, mode TruncateMode) error {
	switch mode {
	case TruncateRemove:
		if err := os.Remove(path); err != nil {
			return errors.Wrapf(err, "failed to remove playback log %s", path)
		}
		zlog.Info().Msgf("removed playback log: path=%s", path)
		return nil
	case TruncateEmpty, "":
	default:
		return errors.Newf("unknown truncate mode %q", mode)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open playback log %s", path)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Wrapf(err, "failed to read playback log %s", path)
	}
	format, _, err := sniff(head[:n])
	if err != nil {
		return err
	}

	var size int64
	if format == FormatBinary {
		size = HeaderSize
	}
	if err := f.Truncate(size); err != nil {
		return errors.Wrapf(err, "failed to truncate playback log %s", path)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync playback log %s", path)
	}

	zlog.Info().Msgf("truncated playback log: path=%s format=%s", path, format)
	return nil
}
