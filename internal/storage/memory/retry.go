package memory

import (
	"context"
	"sync"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
)

// RetryStore implements retry.Store.
type RetryStore struct {
	mu      sync.RWMutex
	records map[string]retry.Record
	skips   []retry.SkipEvent
}

// NewRetryStore constructs an empty RetryStore.
func NewRetryStore() *RetryStore {
	return &RetryStore{records: make(map[string]retry.Record)}
}

// GetRecord returns retry.ErrNotFound for unseen entities.
func (s *RetryStore) GetRecord(_ context.Context, key string) (retry.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return retry.Record{}, retry.ErrNotFound
	}
	return rec, nil
}

// PutRecord upserts a record. A found record is never overwritten by a
// non-found one.
func (s *RetryStore) PutRecord(_ context.Context, rec retry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[rec.EntityKey]; ok && prev.State == retry.StateFound && rec.State != retry.StateFound {
		return nil
	}
	s.records[rec.EntityKey] = rec
	return nil
}

// AppendSkip records a skip event.
func (s *RetryStore) AppendSkip(_ context.Context, ev retry.SkipEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skips = append(s.skips, ev)
	return nil
}

// DeleteRecord removes a record and reports whether it existed.
func (s *RetryStore) DeleteRecord(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	delete(s.records, key)
	return ok, nil
}

// Skips returns the skip events recorded for entityKey, oldest first.
func (s *RetryStore) Skips(entityKey string) []retry.SkipEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []retry.SkipEvent
	for _, ev := range s.skips {
		if ev.EntityKey == entityKey {
			out = append(out, ev)
		}
	}
	return out
}

var _ retry.Store = (*RetryStore)(nil)
