package store

import (
	"context"
	"sync"

	"github.com/osa030/scrobblebox/internal/domain/submission"
)

// LockedStore serializes Record calls per (service, account).
type LockedStore struct {
	Store

	mu    sync.Mutex
	locks map[accountKey]*sync.Mutex
}

// WithAccountLocks wraps s so that records of one account are written one at a time.
func WithAccountLocks(s Store) *LockedStore {
	return &LockedStore{Store: s, locks: make(map[accountKey]*sync.Mutex)}
}

func (s *LockedStore) lock(service, account string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := accountKey{service, account}
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

func (s *LockedStore) Record(ctx context.Context, rec submission.Record) error {
	l := s.lock(rec.Service, rec.Account)
	l.Lock()
	defer l.Unlock()
	return s.Store.Record(ctx, rec)
}
