package joblog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]jobs.LogEntry
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []jobs.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]jobs.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]jobs.LogEntry(nil), s.batches...)
}

func (s *stubSink) total() int {
	n := 0
	for _, b := range s.Batches() {
		n += len(b)
	}
	return n
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatch: 2, MaxBatchWait: time.Minute}, nil, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Log("job-1", jobs.LevelInfo, "a", nil)
	hub.Log("job-1", jobs.LevelInfo, "b", nil)
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatch: 10, MaxBatchWait: 20 * time.Millisecond}, nil, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Log("job-1", jobs.LevelWarn, "slow", map[string]any{"entity_key": "WO-1"})
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
	entry := sink.Batches()[0][0]
	assert.False(t, entry.Timestamp.IsZero())
	assert.Equal(t, "WO-1", entry.Metadata["entity_key"])
}

func TestHubDropsInvalidEntries(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatch: 1}, nil, sink)
	hub.Emit(jobs.LogEntry{Level: jobs.LevelInfo, Message: "no job"})
	hub.Emit(jobs.LogEntry{JobID: "job-1", Level: "TRACE", Message: "bad level"})
	hub.Emit(jobs.LogEntry{JobID: "job-1", Level: jobs.LevelInfo})
	require.NoError(t, hub.Close(context.Background()))
	assert.Zero(t, sink.total())
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{BufferSize: 1, MaxBatch: 1000, MaxBatchWait: time.Hour}, nil)
	done := make(chan struct{})
	go func() {
		for range 10_000 {
			hub.Log("job-1", jobs.LevelDebug, "tick", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked")
	}
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubCloseFlushesAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 64, MaxBatch: 100, MaxBatchWait: time.Hour}, nil, sink)
	for range 5 {
		hub.Log("job-1", jobs.LevelInfo, "entity processed", nil)
	}
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	assert.Equal(t, 5, sink.total())
	sink.mu.Lock()
	assert.True(t, sink.closed)
	sink.mu.Unlock()

	hub.Log("job-1", jobs.LevelInfo, "after close", nil)
	assert.Equal(t, 5, sink.total())
}
