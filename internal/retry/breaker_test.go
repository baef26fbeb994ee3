package retry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// S5 — circuit breaker, spec.md §8: four consecutive failures open the
// breaker; on recovery it closes on the first success.
func TestS5CircuitBreakerOpensAndCloses(t *testing.T) {
	var opened, closed atomic.Int32
	b := NewBreaker(func(from, to BreakerState) {
		if to == Open {
			opened.Add(1)
		}
		if to == Closed && from != Closed {
			closed.Add(1)
		}
	})
	b.halfOpenAfter = 10 * time.Millisecond

	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	require.Eventually(t, func() bool { return opened.Load() == 1 }, time.Second, time.Millisecond)
	require.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow()) // half-open trial

	b.RecordSuccess()
	require.Eventually(t, func() bool { return closed.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(nil)
	b.halfOpenAfter = 5 * time.Millisecond
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())
	time.Sleep(10 * time.Millisecond)
	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())
	b.RecordFailure()
	require.Equal(t, Open, b.State())
}
