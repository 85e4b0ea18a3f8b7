package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

var ts = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeLogStore struct {
	batches [][]jobs.LogEntry
	err     error
}

func (f *fakeLogStore) AppendLogs(_ context.Context, entries []jobs.LogEntry) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, entries)
	return nil
}

func (f *fakeLogStore) ListLogs(context.Context, string, int64, int) ([]jobs.LogEntry, error) {
	return nil, nil
}

func batch() []jobs.LogEntry {
	return []jobs.LogEntry{
		{JobID: "job-1", Level: jobs.LevelInfo, Message: "loaded 3 loans", Timestamp: ts},
		{JobID: "job-1", Level: jobs.LevelWarn, Message: "entity skipped", Metadata: map[string]any{"entity_key": "WO-2"}, Timestamp: ts},
		{JobID: "job-1", Level: jobs.LevelWarn, Message: "entity skipped", Timestamp: ts},
	}
}

func TestStoreSinkAppendsBatch(t *testing.T) {
	t.Parallel()

	store := &fakeLogStore{}
	sink := NewStoreSink(store)
	require.NoError(t, sink.Consume(context.Background(), batch()))
	require.NoError(t, sink.Consume(context.Background(), nil))
	require.Len(t, store.batches, 1)
	assert.Len(t, store.batches[0], 3)

	store.err = errors.New("db down")
	require.Error(t, sink.Consume(context.Background(), batch()))
}

func TestLogSinkMirrorsLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), batch()))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "WO-2", entries[1].ContextMap()["entity_key"])
	assert.Equal(t, "job-1", entries[2].ContextMap()["job_id"])
}

func TestPrometheusSinkCountsByLevel(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), batch()))

	assert.InDelta(t, 1, testutil.ToFloat64(sink.entries.WithLabelValues("INFO")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(sink.entries.WithLabelValues("WARN")), 0)

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}
