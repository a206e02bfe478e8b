// Package scrobble drives a run: it reads the playback log, resolves and
// validates every play, and delivers the candidates to each configured account.
package scrobble

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/app/eligibility"
	"github.com/osa030/scrobblebox/internal/app/resolve"
	"github.com/osa030/scrobblebox/internal/domain/track"
	"github.com/osa030/scrobblebox/internal/infra/filetags"
	"github.com/osa030/scrobblebox/internal/infra/playbacklog"
	"github.com/osa030/scrobblebox/internal/infra/tagcache"
)

// DefaultLogName is the name of the playback log inside the Rockbox directory.
const DefaultLogName = "playback.log"

// ErrNoPlaybackLog is returned when the player has not written a log yet.
var ErrNoPlaybackLog = errors.New("no playback log")

// Source describes where the plays of a run come from.
type Source struct {
	RockboxDir  string         // directory holding database_idx.tcd
	PlaybackLog string         // defaults to <RockboxDir>/playback.log
	Location    *time.Location // zone of text log timestamps, nil for UTC
	TagFallback bool           // read file tags for paths missing from the index
	MusicRoot   string         // host directory the device paths are relative to
	CacheSize   int
	Filters     map[string]map[string]any
}

// LogPath returns the playback log path.
func (s Source) LogPath() string {
	if s.PlaybackLog != "" {
		return s.PlaybackLog
	}
	return filepath.Join(s.RockboxDir, DefaultLogName)
}

func (s Source) musicRoot() string {
	if s.MusicRoot != "" {
		return s.MusicRoot
	}
	return filepath.Dir(filepath.Clean(s.RockboxDir))
}

// Verdict is the outcome of one play event.
type Verdict struct {
	Event     track.PlayEvent
	Metadata  track.Metadata
	Candidate track.Candidate
	Eligible  bool
	Code      string // rejection code, empty when eligible or unresolved
	Err       error  // set for unresolved events
}

// Collection is what a log yields after resolution and validation.
type Collection struct {
	Candidates    []track.Candidate
	Events        int
	Unresolved    int
	Rejected      map[string]int // count per rejection code
	TruncatedTail bool
	Format        playbacklog.Format
	CacheHits     int
	CacheMisses   int
}

// Collect reads the whole log of src. visit, when not nil, is called for every
// event in log order. An unreadable or unsupported index and a corrupt log
// fail the collection; per-event problems, including a corrupt index record,
// are only counted.
func Collect(src Source, visit func(Verdict)) (*Collection, error) {
	chain, err := eligibility.Build(src.Filters)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build eligibility chain")
	}

	index, err := tagcache.Open(src.RockboxDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open tag index")
	}
	defer index.Close()

	var files resolve.TagReader
	if src.TagFallback {
		files = filetags.NewReader(src.musicRoot())
	}
	resolver, err := resolve.New(index, files, src.CacheSize)
	if err != nil {
		return nil, err
	}

	reader, err := playbacklog.Open(src.LogPath(), playbacklog.Options{Location: src.Location})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Mark(err, ErrNoPlaybackLog)
		}
		return nil, err
	}
	defer reader.Close()

	col := &Collection{Rejected: make(map[string]int), Format: reader.Format()}
	for reader.Next() {
		ev := reader.Event()

		v := Verdict{Event: ev}
		md, err := resolver.Resolve(ev)
		switch {
		case errors.Is(err, resolve.ErrUnresolvedTrack):
			col.Unresolved++
			v.Err = err
			zlog.Warn().Msgf("unresolved track: source=%s offset=%d err=%v", ev.Source(), ev.Offset, err)
		case err != nil:
			return nil, errors.Wrapf(err, "failed to resolve %s", ev.Source())
		default:
			v.Metadata = md
			cand, result := chain.Execute(ev, md)
			v.Eligible, v.Code = result.Accepted, result.Code
			if result.Accepted {
				v.Candidate = cand
				col.Candidates = append(col.Candidates, cand)
			} else {
				col.Rejected[result.Code]++
				zlog.Debug().Msgf("play rejected: source=%s code=%s played=%v length=%v",
					ev.Source(), result.Code, ev.Played, md.Duration)
			}
		}
		if visit != nil {
			visit(v)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	col.Events = reader.Count()
	col.TruncatedTail = reader.TruncatedTail()
	col.CacheHits, col.CacheMisses = resolver.CacheStats()

	zlog.Info().Msgf("playback log read: path=%s format=%s events=%d candidates=%d unresolved=%d truncated_tail=%t",
		src.LogPath(), col.Format, col.Events, len(col.Candidates), col.Unresolved, col.TruncatedTail)
	return col, nil
}
