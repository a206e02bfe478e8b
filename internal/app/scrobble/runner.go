package scrobble

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/osa030/scrobblebox/internal/domain/account"
	"github.com/osa030/scrobblebox/internal/domain/submission"
	"github.com/osa030/scrobblebox/internal/domain/track"
	"github.com/osa030/scrobblebox/internal/infra/audioscrobbler"
	"github.com/osa030/scrobblebox/internal/infra/playbacklog"
	"github.com/osa030/scrobblebox/internal/infra/store"
)

// DefaultWorkers bounds the accounts served at the same time.
const DefaultWorkers = 4

// Config holds runner configuration.
type Config struct {
	Source       Source
	Truncate     bool
	TruncateMode playbacklog.TruncateMode
	DryRun       bool
	Workers      int
}

// Target is one account to deliver to.
type Target struct {
	Binding account.Binding
	Service audioscrobbler.Config
}

// Runner executes scrobble runs.
type Runner struct {
	config  Config
	targets []Target
	store   store.Store
	now     func() time.Time
}

// NewRunner creates a new runner.
func NewRunner(cfg Config, targets []Target, st store.Store) (*Runner, error) {
	if st == nil {
		return nil, errors.New("submission store is required")
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.Binding.Service != t.Service.Name {
			return nil, errors.Newf("account %s is bound to service %s", t.Binding.ID(), t.Service.Name)
		}
		if seen[t.Binding.ID()] {
			return nil, errors.Newf("account %s is configured twice", t.Binding.ID())
		}
		seen[t.Binding.ID()] = true
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Runner{
		config:  cfg,
		targets: targets,
		store:   store.WithAccountLocks(st),
		now:     time.Now,
	}, nil
}

// Run reads the log, delivers pending candidates to every target and truncates
// the log once every target is settled. The returned error covers failures of
// the whole run (index, log); account failures are in the report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	runID := uuid.New().String()
	log := zlog.With().Str("run", runID).Logger()

	report := &Report{
		RunID:     runID,
		DryRun:    r.config.DryRun,
		StartedAt: r.now(),
		Rejected:  make(map[string]int),
	}
	log.Info().Msgf("run started: log=%s accounts=%d dry_run=%t",
		r.config.Source.LogPath(), len(r.targets), r.config.DryRun)

	col, err := Collect(r.config.Source, nil)
	if err != nil {
		if errors.Is(err, ErrNoPlaybackLog) {
			log.Info().Msgf("no playback log: path=%s", r.config.Source.LogPath())
			report.FinishedAt = r.now()
			return report, nil
		}
		return nil, err
	}
	report.Events = col.Events
	report.Candidates = len(col.Candidates)
	report.Unresolved = col.Unresolved
	report.Rejected = col.Rejected
	report.TruncatedTail = col.TruncatedTail

	report.Accounts = make([]AccountReport, len(r.targets))
	var g errgroup.Group
	g.SetLimit(r.config.Workers)
	for i, t := range r.targets {
		g.Go(func() error {
			report.Accounts[i] = r.deliver(ctx, log, runID, t, col.Candidates)
			return nil
		})
	}
	_ = g.Wait()

	if r.shouldTruncate(ctx, report) {
		if err := playbacklog.Truncate(r.config.Source.LogPath(), r.config.TruncateMode); err != nil {
			report.FinishedAt = r.now()
			return report, errors.Wrap(err, "failed to truncate playback log")
		}
		report.Truncated = true
	}

	report.FinishedAt = r.now()
	log.Info().Msgf("run finished: candidates=%d complete=%t truncated=%t elapsed=%v",
		report.Candidates, report.Complete(), report.Truncated, report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

func (r *Runner) shouldTruncate(ctx context.Context, report *Report) bool {
	switch {
	case r.config.DryRun:
		return false
	case !r.config.Truncate:
		return false
	case ctx.Err() != nil:
		return false
	case len(r.targets) == 0:
		zlog.Warn().Msg("no accounts configured, keeping playback log")
		return false
	}
	return report.Complete()
}

// deliver submits the pending candidates of one target, batch by batch.
func (r *Runner) deliver(ctx context.Context, log zerolog.Logger, runID string, t Target, candidates []track.Candidate) AccountReport {
	id := t.Binding.ID()
	rep := AccountReport{Account: id}

	pending, err := r.pending(ctx, t, candidates, &rep)
	if err != nil {
		rep.Err = err
		rep.Failed = len(candidates) - rep.Skipped
		log.Error().Msgf("store lookup failed: account=%s err=%v", id, err)
		return rep
	}
	rep.Pending = len(pending)
	if len(pending) == 0 || r.config.DryRun {
		log.Info().Msgf("account checked: account=%s pending=%d skipped=%d", id, rep.Pending, rep.Skipped)
		return rep
	}

	client, err := audioscrobbler.New(t.Service, t.Binding)
	if err != nil {
		rep.Err = err
		rep.Failed = len(pending)
		return rep
	}
	if err := client.Authenticate(ctx); err != nil {
		rep.Err = err
		rep.Failed = len(pending)
		log.Error().Msgf("authentication failed: account=%s err=%v", id, err)
		return rep
	}

	size := client.BatchSize()
	for start := 0; start < len(pending); start += size {
		if err := ctx.Err(); err != nil {
			rep.Err = errors.Wrap(err, "run canceled")
			rep.Failed += len(pending) - start
			break
		}

		batch := pending[start:min(start+size, len(pending))]
		rep.Batches++
		results, err := client.Submit(ctx, batch)
		if err != nil {
			log.Warn().Msgf("batch failed: account=%s batch=%d size=%d err=%v", id, rep.Batches, len(batch), err)
		}

		if serr := r.recordResults(ctx, log, runID, t, results, &rep); serr != nil {
			rep.Err = serr
			rep.Failed += len(pending) - start - len(batch)
			break
		}
		if errors.Is(err, audioscrobbler.ErrAuthenticationFailed) {
			rep.Err = err
			rep.Failed += len(pending) - start - len(batch)
			break
		}
	}

	log.Info().Msgf("account done: account=%s accepted=%d rejected=%d failed=%d batches=%d",
		id, rep.Accepted, rep.Rejected, rep.Failed, rep.Batches)
	return rep
}

// pending drops candidates already recorded and duplicates within the log.
func (r *Runner) pending(ctx context.Context, t Target, candidates []track.Candidate, rep *AccountReport) ([]track.Candidate, error) {
	seen := make(map[submission.Key]bool, len(candidates))
	var pending []track.Candidate
	for _, c := range candidates {
		key := submission.NewKey(t.Binding.Service, t.Binding.Username, c)
		if seen[key] {
			rep.Skipped++
			continue
		}
		seen[key] = true

		done, err := r.store.Has(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "account %s", t.Binding.ID())
		}
		if done {
			rep.Skipped++
			continue
		}
		pending = append(pending, c)
	}
	return pending, nil
}

// recordResults persists accepted items before the next batch goes out.
// Records are written even once the run is canceled.
func (r *Runner) recordResults(ctx context.Context, log zerolog.Logger, runID string, t Target, results []audioscrobbler.Result, rep *AccountReport) error {
	writeCtx := context.WithoutCancel(ctx)
	for i, res := range results {
		switch res.Status {
		case audioscrobbler.StatusAccepted:
			rec := submission.NewRecord(t.Binding.Service, t.Binding.Username, runID, res.Candidate, r.now())
			if err := r.store.Record(writeCtx, rec); err != nil {
				rep.Failed += len(results) - i
				return errors.Wrapf(err, "failed to record %s", res.Candidate)
			}
			rep.Accepted++
		case audioscrobbler.StatusRejected:
			rep.Rejected++
			log.Warn().Msgf("scrobble ignored: account=%s track=%q code=%s message=%q",
				t.Binding.ID(), res.Candidate.String(), res.Code, res.Message)
		default:
			rep.Failed++
		}
	}
	return nil
}
