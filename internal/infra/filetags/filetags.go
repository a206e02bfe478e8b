// Package filetags reads track metadata from the audio files on the device,
// for plays whose tag index entry cannot be found.
package filetags

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bogem/id3v2/v2"
	"github.com/cockroachdb/errors"
	"github.com/dhowden/tag"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

// ErrNoTags is returned when a file carries no artist or title.
var ErrNoTags = errors.New("file has no usable tags")

// Reader maps player paths below Root and reads their tags.
type Reader struct {
	Root string // mount point of the player
}

// NewReader returns a Reader for a player mounted at root.
func NewReader(root string) *Reader {
	return &Reader{Root: root}
}

// HostPath converts a path as written by the player to a path on this host.
func (r *Reader) HostPath(devicePath string) string {
	return filepath.Join(r.Root, filepath.FromSlash(strings.TrimPrefix(devicePath, "/")))
}

// Read returns the metadata stored in the file at the player path.
// Duration is only known for MP3 files carrying a TLEN frame.
func (r *Reader) Read(devicePath string) (track.Metadata, error) {
	path := r.HostPath(devicePath)
	isMP3 := strings.EqualFold(filepath.Ext(path), ".mp3")

	md, err := readTags(path)
	if err != nil {
		if !isMP3 || errors.Is(err, os.ErrNotExist) {
			return track.Metadata{}, err
		}
		// dhowden/tag rejects some ID3 encodings that id3v2 handles.
		md, err = readID3v2(path)
		if err != nil {
			return track.Metadata{}, err
		}
	} else if isMP3 {
		md.Duration = readID3v2Length(path)
	}

	if md.Artist == "" || md.Title == "" {
		return track.Metadata{}, errors.Wrapf(ErrNoTags, "%s", path)
	}
	return md, nil
}

func readTags(path string) (track.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return track.Metadata{}, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return track.Metadata{}, errors.Wrapf(err, "failed to read tags of %s", path)
	}

	n, _ := m.Track()
	return track.Metadata{
		Title:       strings.TrimSpace(m.Title()),
		Artist:      strings.TrimSpace(m.Artist()),
		Album:       strings.TrimSpace(m.Album()),
		AlbumArtist: strings.TrimSpace(m.AlbumArtist()),
		TrackNumber: n,
	}, nil
}

func readID3v2(path string) (track.Metadata, error) {
	t, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return track.Metadata{}, errors.Wrapf(err, "failed to read ID3v2 tag of %s", path)
	}
	defer t.Close()

	return track.Metadata{
		Title:       strings.TrimSpace(t.Title()),
		Artist:      strings.TrimSpace(t.Artist()),
		Album:       strings.TrimSpace(t.Album()),
		AlbumArtist: strings.TrimSpace(textFrame(t, "TPE2")),
		TrackNumber: leadingInt(textFrame(t, "TRCK")),
		Duration:    frameLength(t),
	}, nil
}

func readID3v2Length(path string) time.Duration {
	t, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return 0
	}
	defer t.Close()
	return frameLength(t)
}

// frameLength returns the TLEN frame (milliseconds) as a duration.
func frameLength(t *id3v2.Tag) time.Duration {
	ms := leadingInt(textFrame(t, "TLEN"))
	return time.Duration(ms) * time.Millisecond
}

func textFrame(t *id3v2.Tag, id string) string {
	frames := t.GetFrames(id)
	if len(frames) == 0 {
		return ""
	}
	if tf, ok := frames[0].(id3v2.TextFrame); ok {
		return tf.Text
	}
	return ""
}

// leadingInt parses "N" or "N/Total".
func leadingInt(s string) int {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
