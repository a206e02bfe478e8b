package eligibility

import (
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

// MaxAgeConfig represents the configuration for MaxAgeFilter.
// The services reject scrobbles older than two weeks.
type MaxAgeConfig struct {
	Days int `yaml:"days" mapstructure:"days" default:"14" validate:"gte=1"`
}

// MaxAgeFilter drops plays that started too long ago.
type MaxAgeFilter struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewMaxAgeFilter creates a filter dropping plays older than maxAge.
func NewMaxAgeFilter(maxAge time.Duration, now func() time.Time) *MaxAgeFilter {
	if now == nil {
		now = time.Now
	}
	return &MaxAgeFilter{maxAge: maxAge, now: now}
}

func (f *MaxAgeFilter) Name() string {
	return "max_age"
}

func (f *MaxAgeFilter) Description() string {
	return "Drops plays older than the configured number of days"
}

func (f *MaxAgeFilter) ReturnCodes() []string {
	return []string{"too_old"}
}

func (f *MaxAgeFilter) ValidateConfig(settings map[string]any) error {
	var config MaxAgeConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	f.maxAge = time.Duration(config.Days) * 24 * time.Hour
	if f.now == nil {
		f.now = time.Now
	}
	zlog.Info().Msgf("max age filter config: %+v", config)
	return nil
}

func (f *MaxAgeFilter) Check(ev track.PlayEvent, _ track.Metadata) Result {
	// Not configured: accept everything.
	if f.maxAge <= 0 {
		return Accept()
	}
	if f.now().Sub(ev.StartedAt) > f.maxAge {
		return Reject("too_old")
	}
	return Accept()
}

func init() {
	Register("max_age", func() Filter {
		return &MaxAgeFilter{}
	})
}
