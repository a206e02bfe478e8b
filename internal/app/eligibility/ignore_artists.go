package eligibility

import (
	"strings"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

// IgnoreArtistsConfig represents the configuration for IgnoreArtistsFilter.
type IgnoreArtistsConfig struct {
	Artists []string `yaml:"artists" mapstructure:"artists" validate:"min=1,dive,required"`
}

// IgnoreArtistsFilter drops plays of the listed artists.
type IgnoreArtistsFilter struct {
	artists map[string]struct{}
}

// NewIgnoreArtistsFilter creates a filter for the given artists.
func NewIgnoreArtistsFilter(artists ...string) *IgnoreArtistsFilter {
	f := &IgnoreArtistsFilter{}
	f.set(artists)
	return f
}

func (f *IgnoreArtistsFilter) set(artists []string) {
	f.artists = make(map[string]struct{}, len(artists))
	for _, a := range artists {
		f.artists[normalizeArtist(a)] = struct{}{}
	}
}

func (f *IgnoreArtistsFilter) Name() string {
	return "ignore_artists"
}

func (f *IgnoreArtistsFilter) Description() string {
	return "Drops plays of the listed artists (case-insensitive)"
}

func (f *IgnoreArtistsFilter) ReturnCodes() []string {
	return []string{"artist_ignored"}
}

func (f *IgnoreArtistsFilter) ValidateConfig(settings map[string]any) error {
	var config IgnoreArtistsConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	f.set(config.Artists)
	zlog.Info().Msgf("ignore artists filter config: %+v", config)
	return nil
}

func (f *IgnoreArtistsFilter) Check(_ track.PlayEvent, md track.Metadata) Result {
	if _, ok := f.artists[normalizeArtist(md.Artist)]; ok {
		return Reject("artist_ignored")
	}
	if md.AlbumArtist != "" {
		if _, ok := f.artists[normalizeArtist(md.AlbumArtist)]; ok {
			return Reject("artist_ignored")
		}
	}
	return Accept()
}

func normalizeArtist(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func init() {
	Register("ignore_artists", func() Filter {
		return &IgnoreArtistsFilter{}
	})
}
