// Package limiter provides the job-wide concurrency gate that bounds outbound
// discovery operations.
package limiter

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a fixed-size counting gate shared by every candidate fetch of a job.
type Gate struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// New returns a gate admitting at most size concurrent holders.
func New(size int) (*Gate, error) {
	if size <= 0 {
		return nil, fmt.Errorf("gate size must be > 0")
	}
	return &Gate{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}, nil
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// func must be called exactly once; extra calls are ignored.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	n := g.inFlight.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.inFlight.Add(-1)
			g.sem.Release(1)
		}
	}, nil
}

// Do runs fn while holding a slot. The slot is released however fn returns.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Size is the gate width.
func (g *Gate) Size() int { return int(g.size) }

// InFlight is the number of slots currently held.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Peak is the highest number of slots ever held at once.
func (g *Gate) Peak() int { return int(g.peak.Load()) }
