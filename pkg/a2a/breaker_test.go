package a2a

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, cfg BreakerConfig) (*CircuitBreaker, *time.Time) {
	t.Helper()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker("agent-1", cfg, nil)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, b.State(), "threshold-1 failures must leave the breaker closed")

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreakerSuccessDecrementsFailures(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{FailureThreshold: 5})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 1, b.FailureCount())

	// Three more failures reach 4, still below the threshold.
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	b, clock := newTestBreaker(t, BreakerConfig{FailureThreshold: 2, Timeout: 60 * time.Second})

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	require.False(t, b.CanExecute())

	// Before the timeout the breaker stays shut.
	*clock = clock.Add(59 * time.Second)
	assert.False(t, b.CanExecute())

	// After the timeout exactly one probe is admitted.
	*clock = clock.Add(2 * time.Second)
	assert.True(t, b.CanExecute())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.CanExecute(), "only one probe within the half-open window")

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.FailureCount())
	assert.True(t, b.CanExecute())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Second})

	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	*clock = clock.Add(11 * time.Second)
	require.True(t, b.CanExecute())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreakerTransitionCallback(t *testing.T) {
	type transition struct {
		from, to BreakerState
	}
	var seen []transition
	b := NewCircuitBreaker("agent-1", BreakerConfig{FailureThreshold: 1}, func(target string, from, to BreakerState) {
		assert.Equal(t, "agent-1", target)
		seen = append(seen, transition{from, to})
	})

	b.RecordFailure()
	b.Reset()

	require.Len(t, seen, 2)
	assert.Equal(t, transition{BreakerClosed, BreakerOpen}, seen[0])
	assert.Equal(t, transition{BreakerOpen, BreakerClosed}, seen[1])
}

func TestBreakerSetReusesPerTarget(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerConfig(), nil)

	a := set.For("agent-a")
	assert.Same(t, a, set.For("agent-a"))
	assert.NotSame(t, a, set.For("agent-b"))
}
