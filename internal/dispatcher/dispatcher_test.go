package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingLoop struct {
	started atomic.Int32
	err     error
}

func (l *blockingLoop) Run(ctx context.Context) error {
	l.started.Add(1)
	if l.err != nil {
		return l.err
	}
	<-ctx.Done()
	return nil
}

func TestDispatcherRunsAllLoopsUntilCancel(t *testing.T) {
	t.Parallel()

	w1, w2, reaper := &blockingLoop{}, &blockingLoop{}, &blockingLoop{}
	d := New([]Loop{w1, w2}, reaper, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return w1.started.Load() == 1 && w2.started.Load() == 1 && reaper.started.Load() == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherStopsWhenALoopFails(t *testing.T) {
	t.Parallel()

	boom := errors.New("5 consecutive errors")
	healthy := &blockingLoop{}
	d := New([]Loop{healthy, &blockingLoop{err: boom}}, nil, nil)

	err := d.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), healthy.started.Load())
}

func TestDispatcherRequiresWorkers(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil, nil, nil).Run(context.Background()))
}
