package jobs

import (
	"sync"
	"sync/atomic"
)

// StopReason explains why a running job was asked to stop.
type StopReason int32

// Stop reasons, in the order they can be recorded on a Token.
const (
	StopNone StopReason = iota
	StopCancelled
	StopShutdown
	StopLeaseLost
)

func (r StopReason) String() string {
	switch r {
	case StopCancelled:
		return "cancelled"
	case StopShutdown:
		return "shutdown"
	case StopLeaseLost:
		return "lease_lost"
	default:
		return "none"
	}
}

// Token is the single stop signal threaded through a job's handler and every
// per-entity and per-URL call. The first recorded reason wins; later Stop calls
// are ignored so the worker and the signal path never disagree on why a job
// stopped.
type Token struct {
	reason atomic.Int32
	done   chan struct{}
	once   sync.Once
}

// NewToken returns an unfired Token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Stop records reason if no reason was recorded yet. It reports whether this
// call fired the token.
func (t *Token) Stop(reason StopReason) bool {
	if reason == StopNone {
		return false
	}
	if !t.reason.CompareAndSwap(int32(StopNone), int32(reason)) {
		return false
	}
	t.once.Do(func() { close(t.done) })
	return true
}

// Reason returns the recorded stop reason.
func (t *Token) Reason() StopReason {
	return StopReason(t.reason.Load())
}

// Done is closed once the token fires.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err maps the recorded reason to its sentinel error, or nil while running.
func (t *Token) Err() error {
	switch t.Reason() {
	case StopCancelled:
		return ErrCancelled
	case StopShutdown:
		return ErrShutdown
	case StopLeaseLost:
		return ErrLeaseLost
	default:
		return nil
	}
}
