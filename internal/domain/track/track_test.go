package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRef_Valid(t *testing.T) {
	tests := []struct {
		name     string
		ref      Ref
		expected bool
	}{
		{name: "first entry", ref: 0, expected: true},
		{name: "regular entry", ref: 42, expected: true},
		{name: "no ref", ref: NoRef, expected: false},
		{name: "negative", ref: -7, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.ref.Valid())
		})
	}
}

func TestStopReason_String(t *testing.T) {
	assert.Equal(t, "finished", StopFinished.String())
	assert.Equal(t, "skipped", StopSkipped.String())
	assert.Equal(t, "stopped", StopStopped.String())
	assert.Equal(t, "unknown", StopUnknown.String())
	assert.Equal(t, "unknown", StopReason(99).String())
}

func TestPlayEvent_Source(t *testing.T) {
	byPath := PlayEvent{Ref: NoRef, Path: "/Music/a.mp3"}
	assert.Equal(t, "/Music/a.mp3", byPath.Source())

	byRef := PlayEvent{Ref: 12}
	assert.Equal(t, "ref:12", byRef.Source())
}

func TestCandidate_String(t *testing.T) {
	c := Candidate{
		Metadata:  Metadata{Artist: "Portishead", Title: "Roads", Duration: 5 * time.Minute},
		StartedAt: time.Unix(1143374412, 0).UTC(),
	}
	assert.Equal(t, "Portishead - Roads", c.String())
}
