package jobs

import "context"

// Run is a handler's view of the job it executes. Implementations are safe
// for concurrent use by the handler's goroutines.
type Run interface {
	Job() Job
	// Token fires when the job is cancelled, the worker shuts down or the
	// lease is lost. Handlers stop dispatching new work once it fires.
	Token() *Token
	// SetTotal records progress_total. It is called once, before any entity
	// completes.
	SetTotal(ctx context.Context, total int) error
	// Complete accounts for one finished entity. Progress is persisted in
	// batches and every persisted write re-reads the job status. An error
	// means the store is unusable and the job should abort.
	Complete(ctx context.Context, delta Counters) error
	Counters() Counters
	Log(level Level, message string, metadata map[string]any)
}

// Handler executes one job type.
type Handler interface {
	Handle(ctx context.Context, run Run) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, run Run) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, run Run) error {
	return f(ctx, run)
}
