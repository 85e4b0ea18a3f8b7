package handlers

import (
	"context"
	"fmt"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

// Registry routes jobs to the handler registered for their type.
type Registry struct {
	handlers map[jobs.Type]jobs.Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[jobs.Type]jobs.Handler{}}
}

// Register binds h to t, replacing any previous handler.
func (r *Registry) Register(t jobs.Type, h jobs.Handler) {
	r.handlers[t] = h
}

// Lookup returns the handler for t. Known types without a handler fail with
// jobs.ErrUnsupportedType so the job is finalized failed rather than retried.
func (r *Registry) Lookup(t jobs.Type) (jobs.Handler, error) {
	if h, ok := r.handlers[t]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", jobs.ErrUnsupportedType, t)
}

// Handle implements jobs.Handler by dispatching on the job type.
func (r *Registry) Handle(ctx context.Context, run jobs.Run) error {
	h, err := r.Lookup(run.Job().Type)
	if err != nil {
		return err
	}
	return h.Handle(ctx, run)
}
