package discovery

import (
	"context"
	"io"
	"time"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
)

// SourceAdapter fetches a candidate and extracts its content.
type SourceAdapter interface {
	Fetch(ctx context.Context, url string, entity Entity) (Extract, error)
}

// Scorer rates how well text covers the entity, from 0 to 10.
type Scorer interface {
	Score(ctx context.Context, text string, entity Entity) (float64, error)
}

// Authorizer decides whether a candidate may be fetched at all. The reason is
// empty when allowed.
type Authorizer interface {
	Allowed(ctx context.Context, url string, entity Entity) (bool, string)
}

// ResultStore persists accepted results.
type ResultStore interface {
	SaveResult(ctx context.Context, result Result) error
	CountResults(ctx context.Context, window Window) (int, error)
	ListResults(ctx context.Context, window Window, afterID string, limit int) ([]Result, error)
	UpdateResultScore(ctx context.Context, id string, score float64) error
}

// AttemptRecorder is the part of the retry ledger the engine writes to.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, entityKey string, outcome retry.Outcome, details string) (retry.Record, error)
}

// Gate bounds concurrent candidate processing across a job.
type Gate interface {
	Acquire(ctx context.Context) (func(), error)
}

// Archive stores the raw payload of accepted results and returns its URI.
type Archive interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher announces accepted results.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces result IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Stopper reports whether dispatching new work should stop.
type Stopper interface {
	Err() error
}
