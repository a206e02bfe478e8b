package eligibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

var (
	now   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	roads = track.Metadata{Artist: "Portishead", Title: "Roads", Duration: 5 * time.Minute}
)

func play(started time.Time, played time.Duration) track.PlayEvent {
	return track.PlayEvent{Ref: 0, StartedAt: started, Played: played}
}

func TestChain_Execute(t *testing.T) {
	c := NewChain()
	c.Add(NewIgnoreArtistsFilter("  portishead "))
	c.Add(NewMaxAgeFilter(14*24*time.Hour, func() time.Time { return now }))

	tests := []struct {
		name     string
		event    track.PlayEvent
		md       track.Metadata
		expected Result
	}{
		{
			name:     "eligible",
			event:    play(now.Add(-time.Hour), 5*time.Minute),
			md:       track.Metadata{Artist: "Kraftwerk", Title: "Autobahn", Duration: 22 * time.Minute},
			expected: Accept(),
		},
		{
			name:     "scrobble rule runs first",
			event:    play(now.AddDate(0, -1, 0), time.Second),
			md:       roads,
			expected: Reject(CodePlayedTooShort),
		},
		{
			name:     "ignored artist",
			event:    play(now.Add(-time.Hour), 5*time.Minute),
			md:       roads,
			expected: Reject("artist_ignored"),
		},
		{
			name:     "ignored album artist",
			event:    play(now.Add(-time.Hour), 5*time.Minute),
			md:       track.Metadata{Artist: "Beth Gibbons", AlbumArtist: "PORTISHEAD", Title: "Wandering Star", Duration: 5 * time.Minute},
			expected: Reject("artist_ignored"),
		},
		{
			name:     "too old",
			event:    play(now.AddDate(0, 0, -15), 5*time.Minute),
			md:       track.Metadata{Artist: "Kraftwerk", Title: "Autobahn", Duration: 22 * time.Minute},
			expected: Reject("too_old"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate, result := c.Execute(tt.event, tt.md)
			assert.Equal(t, tt.expected, result)
			if result.Accepted {
				assert.Equal(t, tt.md, candidate.Metadata)
				assert.Equal(t, tt.event.StartedAt, candidate.StartedAt)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	c, err := Build(map[string]map[string]any{
		"max_age":        nil,
		"ignore_artists": {"artists": []any{"Nickelback"}},
	})
	require.NoError(t, err)

	filters := c.Filters()
	require.Len(t, filters, 3)
	assert.Equal(t, "scrobble_rule", filters[0].Name())
	assert.Equal(t, "ignore_artists", filters[1].Name())
	assert.Equal(t, "max_age", filters[2].Name())

	maxAge, ok := filters[2].(*MaxAgeFilter)
	require.True(t, ok)
	assert.Equal(t, 14*24*time.Hour, maxAge.maxAge)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]map[string]any
	}{
		{name: "unknown filter", settings: map[string]map[string]any{"loudness": nil}},
		{name: "ignore_artists without artists", settings: map[string]map[string]any{"ignore_artists": nil}},
		{name: "ignore_artists with empty name", settings: map[string]map[string]any{"ignore_artists": {"artists": []any{""}}}},
		{name: "max_age negative days", settings: map[string]map[string]any{"max_age": {"days": -1}}},
		{name: "max_age wrong type", settings: map[string]map[string]any{"max_age": {"days": "fortnight"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.settings)
			assert.Error(t, err)
		})
	}
}

func TestGetRegistered(t *testing.T) {
	registered := GetRegistered()
	for name, factory := range registered {
		f := factory()
		assert.Equal(t, name, f.Name())
		assert.NotEmpty(t, f.Description())
		assert.NotEmpty(t, f.ReturnCodes())
	}
	assert.Contains(t, registered, "ignore_artists")
	assert.Contains(t, registered, "max_age")
}

func TestChain_AgreesWithValidate(t *testing.T) {
	c := NewChain()
	for _, played := range []time.Duration{10 * time.Second, 150 * time.Second, 5 * time.Minute} {
		ev := play(now, played)

		got, result := c.Execute(ev, roads)
		want, ok := Validate(ev, roads)
		assert.Equal(t, ok, result.Accepted, "played %v", played)
		assert.Equal(t, want, got, "played %v", played)
	}
}
