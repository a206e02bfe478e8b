package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/domain/submission"
)

// ErrJournalCorrupt is returned when a line other than the last one cannot be decoded.
var ErrJournalCorrupt = errors.New("submission journal corrupt")

type accountKey struct {
	service string
	account string
}

// journalFile is the part of *os.File the journal uses.
type journalFile interface {
	io.ReadWriteSeeker
	io.WriterAt
	io.Closer
	Truncate(size int64) error
	Sync() error
}

// JournalStore appends records as JSON lines to a file and keeps the keys in
// memory. Every append is synced before Record returns.
type JournalStore struct {
	mu      sync.Mutex
	f       journalFile
	keys    map[submission.Key]struct{}
	records map[accountKey][]submission.Record
}

// OpenJournal opens (and creates) the journal at path and loads its records.
func OpenJournal(path string) (*JournalStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}

	s := &JournalStore{
		f:       f,
		keys:    make(map[submission.Key]struct{}),
		records: make(map[accountKey][]submission.Record),
	}
	if err := s.load(); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "load journal %s", path)
	}

	zlog.Debug().Msgf("opened journal store: path=%s records=%d", path, len(s.keys))
	return s, nil
}

// load reads every line. A torn final line is cut off so the next append
// starts on a fresh line.
func (s *JournalStore) load() error {
	r := bufio.NewReader(s.f)
	var offset int64
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrap(err, "read journal")
		}
		if len(line) == 0 {
			break
		}

		last := err != nil
		var rec submission.Record
		if derr := json.Unmarshal(bytes.TrimSpace(line), &rec); derr != nil || rec.Key == "" {
			if !last {
				return errors.Wrapf(ErrJournalCorrupt, "line %d", lineNo)
			}
			zlog.Warn().Msgf("dropping torn journal line: line=%d bytes=%d", lineNo, len(line))
			if err := s.f.Truncate(offset); err != nil {
				return errors.Wrap(err, "truncate torn line")
			}
			break
		}
		s.add(rec)
		offset += int64(len(line))

		if last {
			// Complete record without a newline.
			if _, err := s.f.WriteAt([]byte{'\n'}, offset); err != nil {
				return errors.Wrap(err, "terminate last line")
			}
			offset++
			break
		}
	}

	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek journal")
	}
	return nil
}

func (s *JournalStore) add(rec submission.Record) {
	if _, ok := s.keys[rec.Key]; ok {
		return
	}
	s.keys[rec.Key] = struct{}{}
	k := accountKey{rec.Service, rec.Account}
	s.records[k] = append(s.records[k], rec)
}

func (s *JournalStore) Has(_ context.Context, key submission.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

// Record appends rec; recording an existing key is a no-op.
func (s *JournalStore) Record(ctx context.Context, rec submission.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[rec.Key]; ok {
		return nil
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode submission")
	}
	line = append(line, '\n')

	off, err := s.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "seek journal")
	}
	if _, err := s.f.Write(line); err != nil {
		return s.rollback(off, errors.Wrapf(err, "append submission %s", rec.Key))
	}
	if err := s.f.Sync(); err != nil {
		return s.rollback(off, errors.Wrapf(err, "sync submission %s", rec.Key))
	}

	s.add(rec)
	return nil
}

// rollback cuts the journal back to off so a failed append leaves no partial
// line for the next one to run into.
func (s *JournalStore) rollback(off int64, cause error) error {
	if err := s.f.Truncate(off); err != nil {
		return errors.WithSecondaryError(cause, errors.Wrap(err, "truncate failed append"))
	}
	if _, err := s.f.Seek(off, io.SeekStart); err != nil {
		return errors.WithSecondaryError(cause, errors.Wrap(err, "seek after failed append"))
	}
	return cause
}

func (s *JournalStore) Stats(_ context.Context, service, account string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[accountKey{service, account}]
	stats := Stats{Count: len(recs)}
	for _, rec := range recs {
		if rec.SubmittedAt.After(stats.Last) {
			stats.Last = rec.SubmittedAt.UTC()
		}
	}
	return stats, nil
}

func (s *JournalStore) Recent(_ context.Context, service, account string, limit int) ([]submission.Record, error) {
	s.mu.Lock()
	recs := append([]submission.Record(nil), s.records[accountKey{service, account}]...)
	s.mu.Unlock()

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
	if limit >= 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *JournalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
