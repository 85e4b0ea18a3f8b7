package memory

import (
	"context"
	"fmt"
	"sync"
)

// Notifier broadcasts enqueue wakeups to every waiting worker in the process.
// A notification with nobody waiting is dropped; workers also poll.
type Notifier struct {
	mu     sync.Mutex
	signal chan struct{}
}

// NewNotifier constructs a Notifier.
func NewNotifier() *Notifier {
	return &Notifier{signal: make(chan struct{})}
}

// Notify wakes all current waiters.
func (n *Notifier) Notify(_ context.Context, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.signal)
	n.signal = make(chan struct{})
	return nil
}

// Wait blocks until the next Notify or until ctx ends.
func (n *Notifier) Wait(ctx context.Context) error {
	n.mu.Lock()
	ch := n.signal
	n.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait canceled: %w", ctx.Err())
	}
}
