package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/app/eligibility"
	"github.com/osa030/scrobblebox/internal/app/scrobble"
	"github.com/osa030/scrobblebox/internal/infra/config"
	"github.com/osa030/scrobblebox/internal/infra/playbacklog"
	"github.com/osa030/scrobblebox/internal/infra/store"
	"github.com/osa030/scrobblebox/internal/infra/tagcache"
)

// inspect prints the verdict of every play in the log.
func inspect(cfg *config.Config) error {
	src, err := source(cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tPLAYED\tVERDICT\tTRACK")
	col, err := scrobble.Collect(src, func(v scrobble.Verdict) {
		started := v.Event.StartedAt.Local().Format(time.DateTime)
		played := v.Event.Played.Round(time.Second)
		switch {
		case v.Err != nil:
			if *inspectAll {
				fmt.Fprintf(w, "%s\t%v\tunresolved\t%s\n", started, played, v.Event.Source())
			}
		case !v.Eligible:
			if *inspectAll {
				fmt.Fprintf(w, "%s\t%v\t%s\t%s - %s\n", started, played, v.Code, v.Metadata.Artist, v.Metadata.Title)
			}
		default:
			fmt.Fprintf(w, "%s\t%v\tok\t%s\n", started, played, v.Candidate)
		}
	})
	w.Flush()
	if err != nil {
		return err
	}

	fmt.Printf("\n%s log, %s plays, %s eligible, %s unresolved (tag cache %d hits / %d misses)\n",
		col.Format, humanize.Comma(int64(col.Events)), humanize.Comma(int64(len(col.Candidates))),
		humanize.Comma(int64(col.Unresolved)), col.CacheHits, col.CacheMisses)
	return nil
}

// history prints what the store holds for every configured account.
func history(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	accounts := cfg.Accounts
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		return nil
	}

	for _, a := range accounts {
		stats, err := st.Stats(ctx, a.Service, a.Username)
		if err != nil {
			return err
		}
		last := "never"
		if !stats.Last.IsZero() {
			last = humanize.Time(stats.Last)
		}
		fmt.Printf("%s: %s scrobbles, last submitted %s\n",
			a.Binding().ID(), humanize.Comma(int64(stats.Count)), last)

		if *historyLimit <= 0 {
			continue
		}
		recent, err := st.Recent(ctx, a.Service, a.Username, *historyLimit)
		if err != nil {
			return err
		}
		for _, r := range recent {
			fmt.Printf("  %s  %s - %s\n", r.StartedAt.Local().Format(time.DateTime), r.Artist, r.Title)
		}
	}
	return nil
}

// convert rewrites a text log as a binary log that references the tag index.
// Plays whose path is not in the index are dropped.
func convert(cfg *config.Config) error {
	src, err := source(cfg)
	if err != nil {
		return err
	}

	events, tail, err := playbacklog.ReadAll(*convertIn, playbacklog.Options{Location: src.Location})
	if err != nil {
		return err
	}
	if tail {
		zlog.Warn().Msgf("incomplete last record skipped: path=%s", *convertIn)
	}

	index, err := tagcache.Open(src.RockboxDir)
	if err != nil {
		return err
	}
	defer index.Close()

	// The player writes its log in the byte order of its tag index.
	out, err := playbacklog.Create(*convertOut, index.ByteOrder())
	if err != nil {
		return err
	}

	written, dropped := 0, 0
	for _, ev := range events {
		if !ev.Ref.Valid() {
			ref, err := index.FindPath(ev.Path)
			if err != nil {
				zlog.Warn().Msgf("play dropped: path=%s err=%v", ev.Path, err)
				dropped++
				continue
			}
			ev.Ref = ref
		}
		if err := out.Write(ev); err != nil {
			out.Close()
			return err
		}
		written++
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("Wrote %s plays to %s (%s dropped)\n",
		humanize.Comma(int64(written)), *convertOut, humanize.Comma(int64(dropped)))
	return nil
}

// printFilters prints the registered eligibility filters.
func printFilters() {
	fmt.Println("Available Filters:")
	registry := eligibility.GetRegistered()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		f := registry[name]()
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", f.Name(), f.Description(), codes)
	}
}
