package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

// LeaseStore tracks worker leases.
type LeaseStore struct {
	mu     sync.RWMutex
	leases map[string]jobs.WorkerLease
}

// NewLeaseStore constructs an empty LeaseStore.
func NewLeaseStore() *LeaseStore {
	return &LeaseStore{leases: make(map[string]jobs.WorkerLease)}
}

// RegisterWorker creates or replaces a lease.
func (s *LeaseStore) RegisterWorker(_ context.Context, lease jobs.WorkerLease) error {
	if lease.WorkerID == "" {
		return fmt.Errorf("register worker: worker id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lease.StartedAt = lease.StartedAt.UTC()
	lease.LastHeartbeatAt = lease.LastHeartbeatAt.UTC()
	s.leases[lease.WorkerID] = lease
	return nil
}

// UpdateWorker sets the lease status and renews its heartbeat.
func (s *LeaseStore) UpdateWorker(_ context.Context, workerID string, status jobs.WorkerStatus, currentJobID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, jobs.ErrNotFound)
	}
	lease.Status = status
	lease.CurrentJobID = currentJobID
	lease.LastHeartbeatAt = now.UTC()
	s.leases[workerID] = lease
	return nil
}

// MarkStaleWorkersOffline flips silent leases to offline.
func (s *LeaseStore) MarkStaleWorkersOffline(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, lease := range s.leases {
		if lease.Status == jobs.WorkerOffline || !lease.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		lease.Status = jobs.WorkerOffline
		lease.CurrentJobID = ""
		s.leases[id] = lease
		n++
	}
	return n, nil
}

// ListWorkers returns every lease ordered by worker ID.
func (s *LeaseStore) ListWorkers(_ context.Context) ([]jobs.WorkerLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]jobs.WorkerLease, 0, len(s.leases))
	for _, lease := range s.leases {
		out = append(out, lease)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

var _ jobs.LeaseStore = (*LeaseStore)(nil)
