package resolve

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/scrobblebox/internal/domain/track"
	"github.com/osa030/scrobblebox/internal/infra/tagcache"
	"github.com/osa030/scrobblebox/internal/infra/tagcache/tagcachetest"
)

type fakeFiles struct {
	md    map[string]track.Metadata
	calls int
}

func (f *fakeFiles) Read(path string) (track.Metadata, error) {
	f.calls++
	md, ok := f.md[path]
	if !ok {
		return track.Metadata{}, errors.New("no tags")
	}
	return md, nil
}

type countingIndex struct {
	Index
	lookups int
}

func (c *countingIndex) Lookup(ref track.Ref) (track.Metadata, error) {
	c.lookups++
	return c.Index.Lookup(ref)
}

type brokenIndex struct{}

func (brokenIndex) Lookup(track.Ref) (track.Metadata, error) {
	err := errors.Wrap(tagcache.ErrIndexCorrupt, "bad string length")
	return track.Metadata{}, errors.Mark(err, tagcache.ErrRecordCorrupt)
}

func (brokenIndex) FindPath(string) (track.Ref, error) {
	return track.NoRef, errors.Wrap(tagcache.ErrIndexCorrupt, "truncated filename entry")
}

func openIndex(t *testing.T) *countingIndex {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, tagcachetest.Builder{Tracks: []tagcachetest.Track{
		{Path: "/Music/a.mp3", Artist: "Portishead", Title: "Roads", Album: "Dummy", Length: 305 * time.Second},
		{Path: "/Music/b.mp3", Artist: "Kraftwerk", Title: "Autobahn"},
		{Path: "/Music/c.mp3", Title: "No Artist", Length: time.Minute},
	}}.Write(dir))
	idx, err := tagcache.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return &countingIndex{Index: idx}
}

func TestResolve_ByRef(t *testing.T) {
	idx := openIndex(t)
	r, err := New(idx, nil, 16)
	require.NoError(t, err)

	for range 3 {
		md, err := r.Resolve(track.PlayEvent{Ref: 0})
		require.NoError(t, err)
		assert.Equal(t, "Roads", md.Title)
		assert.Equal(t, 305*time.Second, md.Duration)
	}

	assert.Equal(t, 1, idx.lookups)
	hits, misses := r.CacheStats()
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, misses)
}

func TestResolve_Unresolved(t *testing.T) {
	r, err := New(openIndex(t), nil, 16)
	require.NoError(t, err)

	tests := []struct {
		name  string
		event track.PlayEvent
	}{
		{name: "ref past end", event: track.PlayEvent{Ref: 99}},
		{name: "ref without artist", event: track.PlayEvent{Ref: 2}},
		{name: "unknown path", event: track.PlayEvent{Ref: track.NoRef, Path: "/Music/z.mp3"}},
		{name: "no ref no path", event: track.PlayEvent{Ref: track.NoRef}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.event)
			assert.True(t, errors.Is(err, ErrUnresolvedTrack), "got %v", err)
		})
	}
}

func TestResolve_ByPath(t *testing.T) {
	r, err := New(openIndex(t), nil, 16)
	require.NoError(t, err)

	md, err := r.Resolve(track.PlayEvent{Ref: track.NoRef, Path: "/Music/a.mp3", Length: 300 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "Portishead", md.Artist)
	assert.Equal(t, 305*time.Second, md.Duration, "index duration wins")

	md, err = r.Resolve(track.PlayEvent{Ref: track.NoRef, Path: "/Music/b.mp3", Length: 200 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 200*time.Second, md.Duration, "event length fills unknown duration")
}

func TestResolve_FileFallback(t *testing.T) {
	files := &fakeFiles{md: map[string]track.Metadata{
		"/Music/new.flac": {Artist: "Boards of Canada", Title: "Roygbiv"},
		"/Music/c.mp3":    {Artist: "Somebody", Title: "No Artist"},
	}}
	r, err := New(openIndex(t), files, 16)
	require.NoError(t, err)

	md, err := r.Resolve(track.PlayEvent{Ref: track.NoRef, Path: "/Music/new.flac", Length: 151 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "Roygbiv", md.Title)
	assert.Equal(t, 151*time.Second, md.Duration)

	md, err = r.Resolve(track.PlayEvent{Ref: track.NoRef, Path: "/Music/c.mp3"})
	require.NoError(t, err)
	assert.Equal(t, "Somebody", md.Artist)

	_, err = r.Resolve(track.PlayEvent{Ref: track.NoRef, Path: "/Music/untagged.ogg"})
	assert.True(t, errors.Is(err, ErrUnresolvedTrack))
	_, err = r.Resolve(track.PlayEvent{Ref: track.NoRef, Path: "/Music/untagged.ogg"})
	assert.True(t, errors.Is(err, ErrUnresolvedTrack))
	assert.Equal(t, 3, files.calls, "negative results are cached")
}

func TestResolve_CorruptRecordIsUnresolved(t *testing.T) {
	r, err := New(brokenIndex{}, nil, 16)
	require.NoError(t, err)

	_, err = r.Resolve(track.PlayEvent{Ref: 1})
	assert.True(t, errors.Is(err, ErrUnresolvedTrack))
	assert.True(t, errors.Is(err, tagcache.ErrRecordCorrupt))
}

func TestResolve_CorruptIndexIsNotUnresolved(t *testing.T) {
	r, err := New(brokenIndex{}, &fakeFiles{}, 16)
	require.NoError(t, err)

	_, err = r.Resolve(track.PlayEvent{Ref: track.NoRef, Path: "/Music/a.mp3"})
	assert.True(t, errors.Is(err, tagcache.ErrIndexCorrupt))
	assert.False(t, errors.Is(err, ErrUnresolvedTrack))
}

func TestResolve_CorruptRecordOnDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, tagcachetest.Builder{Tracks: []tagcachetest.Track{
		{Path: "/Music/a.mp3", Artist: "Portishead", Title: "Roads", Length: 305 * time.Second},
		{Path: "/Music/b.mp3", Artist: "Kraftwerk", Title: "Autobahn", Length: 3 * time.Minute},
	}}.Write(dir))
	require.NoError(t, tagcachetest.SetField(dir, nil, 0, tagcache.TagTitle, 0x00100000))
	idx, err := tagcache.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	r, err := New(idx, nil, 16)
	require.NoError(t, err)

	_, err = r.Resolve(track.PlayEvent{Ref: 0})
	assert.True(t, errors.Is(err, ErrUnresolvedTrack), "got %v", err)

	md, err := r.Resolve(track.PlayEvent{Ref: 1})
	require.NoError(t, err)
	assert.Equal(t, "Autobahn", md.Title)
}
