// Package track provides the play history domain entities.
package track

import (
	"fmt"
	"time"
)

// Ref is an entry number in the player's tag index.
// It is only meaningful for the lifetime of the index it was read from.
type Ref int32

// NoRef marks an event that references its track by path.
const NoRef Ref = -1

// Valid reports whether the ref points into an index.
func (r Ref) Valid() bool {
	return r >= 0
}

// Metadata is the resolved description of a track.
type Metadata struct {
	Title       string
	Artist      string
	Album       string
	AlbumArtist string
	TrackNumber int
	Duration    time.Duration // zero when unknown
}

// StopReason records why the player stopped playing a track.
type StopReason uint32

const (
	StopUnknown StopReason = iota
	StopFinished
	StopSkipped
	StopStopped
)

func (r StopReason) String() string {
	switch r {
	case StopFinished:
		return "finished"
	case StopSkipped:
		return "skipped"
	case StopStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PlayEvent is one raw entry of the playback log.
type PlayEvent struct {
	Ref        Ref           // tag index entry, NoRef for path based logs
	Path       string        // file path on the device (text logs only)
	StartedAt  time.Time     // UTC
	Played     time.Duration // how long the track was actually played
	Length     time.Duration // track length as written by the player (text logs only)
	StopReason StopReason
	Offset     int64 // byte offset or line number of the record
}

// Source describes where the event points to, for diagnostics.
func (e PlayEvent) Source() string {
	if e.Path != "" {
		return e.Path
	}
	return fmt.Sprintf("ref:%d", e.Ref)
}

// Candidate is a play that qualifies as a scrobble.
type Candidate struct {
	Metadata  Metadata
	StartedAt time.Time
	Played    time.Duration
}

// String returns "artist - title".
func (c Candidate) String() string {
	return c.Metadata.Artist + " - " + c.Metadata.Title
}
