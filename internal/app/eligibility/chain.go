package eligibility

import (
	"sort"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

// Chain executes filters in sequence, starting with the scrobble rule.
type Chain struct {
	filters []Filter
}

// NewChain creates a chain holding only the scrobble rule.
func NewChain() *Chain {
	return &Chain{
		filters: []Filter{ScrobbleRule{}},
	}
}

// Build creates a chain with the named filters added after the scrobble rule,
// in name order. settings maps filter names to their (possibly nil) settings.
func Build(settings map[string]map[string]any) (*Chain, error) {
	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	sort.Strings(names)

	c := NewChain()
	for _, name := range names {
		factory, ok := registry[name]
		if !ok {
			return nil, errors.Newf("unknown filter %q", name)
		}
		f := factory()
		if err := f.ValidateConfig(settings[name]); err != nil {
			return nil, errors.Wrapf(err, "filter %s", name)
		}
		c.Add(f)
		zlog.Debug().Msgf("filter enabled: name=%s", name)
	}
	return c, nil
}

// Add adds a filter to the chain.
func (c *Chain) Add(f Filter) {
	c.filters = append(c.filters, f)
}

// Execute runs all filters in sequence and returns the candidate when every
// filter accepts. Returns immediately if any filter rejects the play.
func (c *Chain) Execute(ev track.PlayEvent, md track.Metadata) (track.Candidate, Result) {
	for _, f := range c.filters {
		if result := f.Check(ev, md); !result.Accepted {
			return track.Candidate{}, result
		}
	}
	return newCandidate(ev, md), Accept()
}

// Filters returns all filters in the chain.
func (c *Chain) Filters() []Filter {
	return c.filters
}
