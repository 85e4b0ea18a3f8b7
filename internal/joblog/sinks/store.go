package sinks

import (
	"context"
	"fmt"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

// StoreSink persists batches through a jobs.LogStore.
type StoreSink struct {
	store jobs.LogStore
}

// NewStoreSink wraps store.
func NewStoreSink(store jobs.LogStore) *StoreSink {
	return &StoreSink{store: store}
}

// Consume appends the batch in one call.
func (s *StoreSink) Consume(ctx context.Context, batch []jobs.LogEntry) error {
	if s == nil || s.store == nil || len(batch) == 0 {
		return nil
	}
	if err := s.store.AppendLogs(ctx, batch); err != nil {
		return fmt.Errorf("append job logs: %w", err)
	}
	return nil
}

// Close implements joblog.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
