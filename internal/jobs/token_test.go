package jobs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenFirstReasonWins(t *testing.T) {
	t.Parallel()

	tok := NewToken()
	require.NoError(t, tok.Err())
	require.Equal(t, StopNone, tok.Reason())

	require.True(t, tok.Stop(StopCancelled))
	require.False(t, tok.Stop(StopShutdown))
	require.Equal(t, StopCancelled, tok.Reason())
	require.ErrorIs(t, tok.Err(), ErrCancelled)

	select {
	case <-tok.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
}

func TestTokenConcurrentStop(t *testing.T) {
	t.Parallel()

	tok := NewToken()
	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := 0
	for i := 0; i < 32; i++ {
		reason := StopShutdown
		if i%2 == 0 {
			reason = StopCancelled
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok.Stop(reason) {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, fired)
	require.NotEqual(t, StopNone, tok.Reason())
}

func TestTokenIgnoresNone(t *testing.T) {
	t.Parallel()

	tok := NewToken()
	require.False(t, tok.Stop(StopNone))
	require.True(t, tok.Stop(StopLeaseLost))
	require.ErrorIs(t, tok.Err(), ErrLeaseLost)
	require.Equal(t, "lease_lost", tok.Reason().String())
}
