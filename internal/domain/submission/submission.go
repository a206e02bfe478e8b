// Package submission provides the dedup identity of a scrobble and the record
// that marks it as delivered.
package submission

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

// Key identifies one scrobble for one (service, account).
// The same play replayed from the same log always yields the same key.
type Key string

// NewKey derives the key of a candidate for the given service and account.
func NewKey(service, account string, c track.Candidate) Key {
	h := sha256.New()
	for _, part := range []string{
		service,
		account,
		c.Metadata.Artist,
		c.Metadata.Title,
		strconv.FormatInt(c.StartedAt.Unix(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Record states that a scrobble was accepted by the service.
// Records are only ever created, never updated.
type Record struct {
	Key         Key       `json:"key"`
	Service     string    `json:"service"`
	Account     string    `json:"account"`
	Artist      string    `json:"artist"`
	Title       string    `json:"title"`
	Album       string    `json:"album,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	SubmittedAt time.Time `json:"submitted_at"`
	RunID       string    `json:"run_id"`
}

// NewRecord builds the record of an accepted candidate.
func NewRecord(service, account, runID string, c track.Candidate, submittedAt time.Time) Record {
	return Record{
		Key:         NewKey(service, account, c),
		Service:     service,
		Account:     account,
		Artist:      c.Metadata.Artist,
		Title:       c.Metadata.Title,
		Album:       c.Metadata.Album,
		StartedAt:   c.StartedAt.UTC(),
		SubmittedAt: submittedAt.UTC(),
		RunID:       runID,
	}
}
