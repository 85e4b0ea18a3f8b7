package memory

import (
	"context"
	"sync"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

// LogStore keeps job logs in insertion order.
type LogStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries map[string][]jobs.LogEntry
}

// NewLogStore constructs an empty LogStore.
func NewLogStore() *LogStore {
	return &LogStore{entries: make(map[string][]jobs.LogEntry)}
}

// AppendLogs assigns monotonic IDs and stores the entries.
func (s *LogStore) AppendLogs(_ context.Context, entries []jobs.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.nextID++
		e.ID = s.nextID
		e.Timestamp = e.Timestamp.UTC()
		s.entries[e.JobID] = append(s.entries[e.JobID], e)
	}
	return nil
}

// ListLogs returns up to limit entries with ID greater than afterID.
func (s *LogStore) ListLogs(_ context.Context, jobID string, afterID int64, limit int) ([]jobs.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []jobs.LogEntry{}
	for _, e := range s.entries[jobID] {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ jobs.LogStore = (*LogStore)(nil)
