package scrobble

import (
	"sort"
	"time"
)

// AccountReport is the outcome of one account.
type AccountReport struct {
	Account  string // service/username
	Pending  int    // candidates not yet recorded when the run started
	Skipped  int    // candidates already recorded
	Accepted int
	Rejected int // conclusively ignored by the service
	Failed   int // outcome unknown, still pending
	Batches  int
	Err      error // authentication, store or cancellation failure
}

// Settled reports whether every pending candidate reached a final outcome.
func (a AccountReport) Settled() bool {
	return a.Err == nil && a.Failed == 0
}

// Report is the outcome of a run.
type Report struct {
	RunID         string
	DryRun        bool
	StartedAt     time.Time
	FinishedAt    time.Time
	Events        int
	Candidates    int
	Unresolved    int
	Rejected      map[string]int
	TruncatedTail bool
	Truncated     bool
	Accounts      []AccountReport
}

// Complete reports whether every eligible candidate of every account is
// recorded or conclusively rejected.
func (r *Report) Complete() bool {
	for _, a := range r.Accounts {
		if !a.Settled() {
			return false
		}
	}
	return true
}

// RejectedCodes returns the rejection codes in name order.
func (r *Report) RejectedCodes() []string {
	codes := make([]string, 0, len(r.Rejected))
	for code := range r.Rejected {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
