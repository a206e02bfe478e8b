package eligibility

import (
	"time"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

const (
	// MinTrackLength is the shortest track that can be scrobbled.
	MinTrackLength = 30 * time.Second
	// MaxPlayedThreshold caps the required play time for long tracks.
	MaxPlayedThreshold = 4 * time.Minute
)

// Rejection codes of the scrobble rule.
const (
	CodeDurationUnknown = "duration_unknown"
	CodeTrackTooShort   = "track_too_short"
	CodePlayedTooShort  = "played_too_short"
)

// Threshold returns how long a track of the given length must be played.
func Threshold(length time.Duration) time.Duration {
	return min(length/2, MaxPlayedThreshold)
}

// Validate applies the scrobble rule: the track lasts at least 30 seconds and
// was played for half its length or four minutes, whichever comes first.
func Validate(ev track.PlayEvent, md track.Metadata) (track.Candidate, bool) {
	if !scrobbleRule(ev, md).Accepted {
		return track.Candidate{}, false
	}
	return newCandidate(ev, md), true
}

func newCandidate(ev track.PlayEvent, md track.Metadata) track.Candidate {
	return track.Candidate{Metadata: md, StartedAt: ev.StartedAt, Played: ev.Played}
}

func scrobbleRule(ev track.PlayEvent, md track.Metadata) Result {
	switch {
	case md.Duration <= 0:
		return Reject(CodeDurationUnknown)
	case md.Duration < MinTrackLength:
		return Reject(CodeTrackTooShort)
	case ev.Played < Threshold(md.Duration):
		return Reject(CodePlayedTooShort)
	}
	return Accept()
}

// ScrobbleRule is the built-in rule as a Filter. It is always the first filter of a Chain.
type ScrobbleRule struct{}

func (ScrobbleRule) Name() string {
	return "scrobble_rule"
}

func (ScrobbleRule) Description() string {
	return "Track lasts 30s and was played for half its length or 4 minutes"
}

func (ScrobbleRule) ReturnCodes() []string {
	return []string{CodeDurationUnknown, CodeTrackTooShort, CodePlayedTooShort}
}

func (ScrobbleRule) ValidateConfig(map[string]any) error {
	return nil
}

func (ScrobbleRule) Check(ev track.PlayEvent, md track.Metadata) Result {
	return scrobbleRule(ev, md)
}
