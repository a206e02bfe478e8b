package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/app/scrobble"
	"github.com/osa030/scrobblebox/internal/infra/config"
	"github.com/osa030/scrobblebox/internal/infra/playbacklog"
	"github.com/osa030/scrobblebox/internal/infra/store"
)

// source builds the plays source from the config and the command-line flags.
func source(cfg *config.Config) (scrobble.Source, error) {
	dir := cfg.Device.RockboxDir
	if *rockboxDir != "" {
		dir = *rockboxDir
	}
	if dir == "" {
		return scrobble.Source{}, fmt.Errorf("rockbox directory is not configured (use --rockbox-dir or device.rockbox_dir)")
	}

	loc, err := cfg.Location()
	if err != nil {
		return scrobble.Source{}, err
	}

	logPath := cfg.Device.PlaybackLog
	if *playbackLog != "" {
		logPath = *playbackLog
	}

	return scrobble.Source{
		RockboxDir:  dir,
		PlaybackLog: logPath,
		Location:    loc,
		TagFallback: cfg.Device.TagFallback,
		MusicRoot:   cfg.Device.MusicRoot,
		CacheSize:   cfg.Scrobble.CacheSize,
		Filters:     cfg.EnabledFilters(),
	}, nil
}

// buildTargets resolves the selected accounts into runner targets.
func buildTargets(cfg *config.Config, service, username string, debug bool) ([]scrobble.Target, error) {
	accounts := cfg.ListAccounts(service, username)
	targets := make([]scrobble.Target, 0, len(accounts))
	for _, a := range accounts {
		svc, err := cfg.Service(a.Service)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.Binding().ID(), err)
		}
		svc.DebugResponses = debug
		targets = append(targets, scrobble.Target{Binding: a.Binding(), Service: svc})
	}
	return targets, nil
}

func runScrobble(ctx context.Context, cfg *config.Config) (int, error) {
	src, err := source(cfg)
	if err != nil {
		return exitError, err
	}

	targets, err := buildTargets(cfg, *scrobbleService, *scrobbleUsername, *debugResponse)
	if err != nil {
		return exitError, err
	}
	if len(targets) == 0 {
		return exitError, fmt.Errorf("no matching accounts (add one with: scrobblebox account add <service> <username>)")
	}

	truncate := cfg.Scrobble.TruncateEnabled() && !*noTruncate
	if truncate && len(targets) < len(cfg.ListAccounts("", "")) {
		zlog.Info().Msg("account filter is active, keeping playback log")
		truncate = false
	}

	executeHooks(ctx, cfg.Hooks.BeforeRun, "before_run", nil)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return exitError, err
	}
	defer st.Close()

	runner, err := scrobble.NewRunner(scrobble.Config{
		Source:       src,
		Truncate:     truncate,
		TruncateMode: playbacklog.TruncateMode(cfg.Scrobble.TruncateMode),
		DryRun:       *dryRun,
		Workers:      cfg.Scrobble.Workers,
	}, targets, st)
	if err != nil {
		return exitError, err
	}

	logSize := fileSize(src.LogPath())
	report, err := runner.Run(ctx)
	if err != nil {
		executeHooks(ctx, cfg.Hooks.AfterRun, "after_run", []string{"SCROBBLEBOX_RESULT=error"})
		return exitError, err
	}

	printReport(os.Stdout, report, src.LogPath(), logSize)
	executeHooks(ctx, cfg.Hooks.AfterRun, "after_run", reportEnv(report))

	if !report.Complete() {
		return exitIncomplete, nil
	}
	return exitOK, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// printReport prints a human readable summary of a run.
func printReport(w io.Writer, r *scrobble.Report, logPath string, logSize int64) {
	if r.DryRun {
		fmt.Fprintln(w, "Dry run, nothing was submitted.")
	}
	fmt.Fprintf(w, "Read %s plays from %s (%s): %s eligible, %s unresolved\n",
		humanize.Comma(int64(r.Events)), logPath, humanize.Bytes(uint64(logSize)),
		humanize.Comma(int64(r.Candidates)), humanize.Comma(int64(r.Unresolved)))
	if r.TruncatedTail {
		fmt.Fprintln(w, "The last record of the log was incomplete and has been skipped.")
	}
	if codes := r.RejectedCodes(); len(codes) > 0 {
		parts := make([]string, len(codes))
		for i, code := range codes {
			parts[i] = fmt.Sprintf("%s=%s", code, humanize.Comma(int64(r.Rejected[code])))
		}
		fmt.Fprintf(w, "Not eligible: %s\n", strings.Join(parts, ", "))
	}

	for _, a := range r.Accounts {
		switch {
		case r.DryRun:
			fmt.Fprintf(w, "  %-24s %s to submit, %s already submitted\n",
				a.Account, humanize.Comma(int64(a.Pending)), humanize.Comma(int64(a.Skipped)))
		default:
			fmt.Fprintf(w, "  %-24s accepted %s, ignored %s, failed %s, already submitted %s (%s)\n",
				a.Account, humanize.Comma(int64(a.Accepted)), humanize.Comma(int64(a.Rejected)),
				humanize.Comma(int64(a.Failed)), humanize.Comma(int64(a.Skipped)),
				pluralBatches(a.Batches))
		}
		if a.Err != nil {
			fmt.Fprintf(w, "  %-24s error: %v\n", "", a.Err)
		}
	}

	switch {
	case r.Truncated:
		fmt.Fprintln(w, "Playback log consumed.")
	case !r.DryRun && !r.Complete():
		fmt.Fprintln(w, "Some plays were not submitted; the playback log was kept and the next run will retry them.")
	}
	fmt.Fprintf(w, "Finished in %v.\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func pluralBatches(n int) string {
	if n == 1 {
		return "1 batch"
	}
	return strconv.Itoa(n) + " batches"
}

func reportEnv(r *scrobble.Report) []string {
	accepted := 0
	for _, a := range r.Accounts {
		accepted += a.Accepted
	}
	result := "complete"
	if !r.Complete() {
		result = "incomplete"
	}
	return []string{
		"SCROBBLEBOX_RESULT=" + result,
		"SCROBBLEBOX_RUN_ID=" + r.RunID,
		"SCROBBLEBOX_ACCEPTED=" + strconv.Itoa(accepted),
		"SCROBBLEBOX_TRUNCATED=" + strconv.FormatBool(r.Truncated),
	}
}

// executeHooks runs a list of shell commands.
func executeHooks(ctx context.Context, hooks []string, stage string, env []string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.CommandContext(ctx, "sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), env...)

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
