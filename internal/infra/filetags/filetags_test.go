package filetags

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bogem/id3v2/v2"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

// writeMP3 writes a single silent MPEG1 Layer3 frame tagged with frames.
func writeMP3(t *testing.T, path string, frames map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	frame := make([]byte, 417)
	frame[0], frame[1], frame[2] = 0xff, 0xfb, 0x90
	require.NoError(t, os.WriteFile(path, frame, 0o644))

	if len(frames) == 0 {
		return
	}
	tg, err := id3v2.Open(path, id3v2.Options{Parse: true})
	require.NoError(t, err)
	defer tg.Close()
	for id, text := range frames {
		tg.AddTextFrame(id, id3v2.EncodingUTF8, text)
	}
	require.NoError(t, tg.Save())
}

func TestRead(t *testing.T) {
	root := t.TempDir()
	writeMP3(t, filepath.Join(root, "Music", "Portishead", "Roads.mp3"), map[string]string{
		"TIT2": "Roads",
		"TPE1": "Portishead",
		"TALB": "Dummy",
		"TPE2": "Portishead",
		"TRCK": "3/11",
		"TLEN": "305000",
	})

	md, err := NewReader(root).Read("/Music/Portishead/Roads.mp3")
	require.NoError(t, err)
	assert.Equal(t, track.Metadata{
		Title:       "Roads",
		Artist:      "Portishead",
		Album:       "Dummy",
		AlbumArtist: "Portishead",
		TrackNumber: 3,
		Duration:    305 * time.Second,
	}, md)
}

func TestRead_NoTags(t *testing.T) {
	root := t.TempDir()
	writeMP3(t, filepath.Join(root, "Music", "bare.mp3"), nil)
	writeMP3(t, filepath.Join(root, "Music", "title-only.mp3"), map[string]string{"TIT2": "Intro"})

	tests := []struct {
		name string
		path string
	}{
		{name: "untagged", path: "/Music/bare.mp3"},
		{name: "no artist", path: "/Music/title-only.mp3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(root).Read(tt.path)
			assert.True(t, errors.Is(err, ErrNoTags), "got %v", err)
		})
	}
}

func TestRead_Missing(t *testing.T) {
	_, err := NewReader(t.TempDir()).Read("/Music/missing.flac")
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}

func TestHostPath(t *testing.T) {
	r := NewReader(filepath.FromSlash("/media/ipod"))
	assert.Equal(t, filepath.FromSlash("/media/ipod/Music/a b/c.flac"), r.HostPath("/Music/a b/c.flac"))
}

func TestLeadingInt(t *testing.T) {
	tests := []struct {
		in       string
		expected int
	}{
		{"3", 3},
		{"3/11", 3},
		{" 07 ", 7},
		{"", 0},
		{"x", 0},
		{"-1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, leadingInt(tt.in))
		})
	}
}
