// Package dispatcher runs a process's worker loops alongside the reaper.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loop is anything with a blocking Run; *worker.Worker and *worker.Reaper
// both qualify.
type Loop interface {
	Run(ctx context.Context) error
}

// Dispatcher fans out worker loops. A loop that gives up stops the others.
type Dispatcher struct {
	workers []Loop
	reaper  Loop
	logger  *zap.Logger
}

// New creates a Dispatcher. reaper may be nil.
func New(workers []Loop, reaper Loop, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, reaper: reaper, logger: logger}
}

// Run blocks until ctx ends or a loop fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher: no workers configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range d.workers {
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				d.logger.Error("worker loop exited", zap.Int("loop", i), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if d.reaper != nil {
		g.Go(func() error { return d.reaper.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}
