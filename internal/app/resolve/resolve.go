// Package resolve turns play events into track metadata using the tag index,
// with the audio file tags as an optional fallback.
package resolve

import (
	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/domain/track"
	"github.com/osa030/scrobblebox/internal/infra/tagcache"
)

// DefaultCacheSize is used when no cache size is configured.
const DefaultCacheSize = 1024

// ErrUnresolvedTrack marks events whose track cannot be identified.
// It is a per-event diagnostic, never a run failure.
var ErrUnresolvedTrack = errors.New("unresolved track")

// Index is the tag index as used by the resolver.
type Index interface {
	Lookup(ref track.Ref) (track.Metadata, error)
	FindPath(path string) (track.Ref, error)
}

// TagReader reads metadata from the audio file of a player path.
type TagReader interface {
	Read(path string) (track.Metadata, error)
}

type entry struct {
	md  track.Metadata
	err error
}

// Resolver resolves events for the duration of one run.
type Resolver struct {
	index Index
	files TagReader

	refs  *lru.Cache[track.Ref, entry]
	paths *lru.Cache[string, entry]

	hits   int
	misses int
}

// New returns a Resolver. files may be nil to disable the tag fallback.
func New(index Index, files TagReader, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	refs, err := lru.New[track.Ref, entry](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ref cache")
	}
	paths, err := lru.New[string, entry](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create path cache")
	}
	return &Resolver{index: index, files: files, refs: refs, paths: paths}, nil
}

// Resolve returns the metadata of the track an event refers to. When the
// metadata carries no duration the length recorded in the event is used.
// A missing entry or a corrupt record is ErrUnresolvedTrack; other errors
// come from an unreadable index.
func (r *Resolver) Resolve(ev track.PlayEvent) (track.Metadata, error) {
	var (
		md  track.Metadata
		err error
	)
	if ev.Ref.Valid() {
		md, err = r.byRef(ev.Ref)
	} else {
		md, err = r.byPath(ev.Path)
	}
	if err != nil {
		return track.Metadata{}, err
	}

	if md.Duration <= 0 && ev.Length > 0 {
		md.Duration = ev.Length
	}
	return md, nil
}

func (r *Resolver) byRef(ref track.Ref) (track.Metadata, error) {
	if e, ok := r.refs.Get(ref); ok {
		r.hits++
		return e.md, e.err
	}
	r.misses++

	md, err := r.index.Lookup(ref)
	switch {
	case err == nil:
	case errors.Is(err, tagcache.ErrIndexRefNotFound):
		err = errors.Mark(err, ErrUnresolvedTrack)
	case errors.Is(err, tagcache.ErrRecordCorrupt):
		zlog.Warn().Msgf("corrupt tag index record: ref=%d err=%v", ref, err)
		err = errors.Mark(err, ErrUnresolvedTrack)
	default:
		return track.Metadata{}, err
	}
	r.refs.Add(ref, entry{md: md, err: err})
	return md, err
}

func (r *Resolver) byPath(path string) (track.Metadata, error) {
	if path == "" {
		return track.Metadata{}, errors.Wrap(ErrUnresolvedTrack, "event has neither ref nor path")
	}
	if e, ok := r.paths.Get(path); ok {
		r.hits++
		return e.md, e.err
	}
	r.misses++

	md, err := r.lookupPath(path)
	if err != nil && !errors.Is(err, ErrUnresolvedTrack) {
		return track.Metadata{}, err
	}
	r.paths.Add(path, entry{md: md, err: err})
	return md, err
}

func (r *Resolver) lookupPath(path string) (track.Metadata, error) {
	ref, err := r.index.FindPath(path)
	if err == nil {
		md, err := r.byRef(ref)
		if err == nil || !errors.Is(err, ErrUnresolvedTrack) {
			return md, err
		}
	} else if !errors.Is(err, tagcache.ErrIndexRefNotFound) {
		return track.Metadata{}, err
	}

	if r.files == nil {
		return track.Metadata{}, errors.Wrapf(ErrUnresolvedTrack, "%s is not in the tag index", path)
	}
	md, ferr := r.files.Read(path)
	if ferr != nil {
		zlog.Debug().Msgf("file tag fallback failed: path=%s err=%v", path, ferr)
		return track.Metadata{}, errors.Mark(errors.Wrapf(ferr, "%s is not in the tag index", path), ErrUnresolvedTrack)
	}
	return md, nil
}

// CacheStats returns cache hits and misses so far.
func (r *Resolver) CacheStats() (hits, misses int) {
	return r.hits, r.misses
}
