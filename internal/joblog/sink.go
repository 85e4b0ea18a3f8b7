package joblog

import (
	"context"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

// Sink consumes batches of entries. Implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []jobs.LogEntry) error
	Close(ctx context.Context) error
}

// Emitter accepts individual entries. Hub satisfies it.
type Emitter interface {
	Emit(entry jobs.LogEntry)
}
