package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
)

type resultKey struct {
	entity string
	job    string
}

// ResultStore implements discovery.ResultStore.
type ResultStore struct {
	mu      sync.RWMutex
	byID    map[string]discovery.Result
	byRound map[resultKey]string
}

// NewResultStore constructs an empty ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{
		byID:    make(map[string]discovery.Result),
		byRound: make(map[resultKey]string),
	}
}

// SaveResult persists one result per entity per job.
func (s *ResultStore) SaveResult(_ context.Context, res discovery.Result) error {
	if res.ID == "" {
		return fmt.Errorf("save result: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resultKey{entity: res.EntityKey, job: res.JobID}
	if _, exists := s.byRound[key]; exists {
		return discovery.ErrDuplicateResult
	}
	if _, exists := s.byID[res.ID]; exists {
		return discovery.ErrDuplicateResult
	}
	s.byID[res.ID] = res
	s.byRound[key] = res.ID
	return nil
}

func (s *ResultStore) inWindow(w discovery.Window) []discovery.Result {
	var out []discovery.Result
	for _, res := range s.byID {
		if !res.CreatedAt.Before(w.From) && res.CreatedAt.Before(w.To) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountResults counts results created in [From, To).
func (s *ResultStore) CountResults(_ context.Context, w discovery.Window) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inWindow(w)), nil
}

// ListResults pages through the window by ascending ID.
func (s *ResultStore) ListResults(_ context.Context, w discovery.Window, afterID string, limit int) ([]discovery.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []discovery.Result{}
	for _, res := range s.inWindow(w) {
		if res.ID <= afterID {
			continue
		}
		out = append(out, res)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// UpdateResultScore overwrites a stored score.
func (s *ResultStore) UpdateResultScore(_ context.Context, id string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("result %s not found", id)
	}
	res.Score = score
	s.byID[id] = res
	return nil
}

// ResultsFor returns every result stored for entityKey.
func (s *ResultStore) ResultsFor(entityKey string) []discovery.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []discovery.Result
	for _, res := range s.byID {
		if res.EntityKey == entityKey {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ discovery.ResultStore = (*ResultStore)(nil)
