package a2a

import (
	"sync"
	"time"
)

// ============================================================================
// CIRCUIT BREAKER
// Per-target failure accounting with a closed -> open -> half_open lifecycle
// ============================================================================

// BreakerState is the lifecycle state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (c *BreakerConfig) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
}

// TransitionFunc observes breaker state transitions. target is the agent id
// the breaker guards.
type TransitionFunc func(target string, from, to BreakerState)

// CircuitBreaker tracks failures to a single target agent.
//
// closed: calls pass; failures increment the counter, successes decrement it
// toward zero. At the failure threshold the breaker opens.
// open: calls are rejected until the timeout elapses, then one probe window
// (half_open) is allowed.
// half_open: up to HalfOpenMaxCalls probes pass; one success closes the
// breaker, any failure reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	target       string
	cfg          BreakerConfig
	onTransition TransitionFunc

	state           BreakerState
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time

	// now is injectable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the given target agent.
func NewCircuitBreaker(target string, cfg BreakerConfig, onTransition TransitionFunc) *CircuitBreaker {
	cfg.setDefaults()
	return &CircuitBreaker{
		target:       target,
		cfg:          cfg,
		onTransition: onTransition,
		state:        BreakerClosed,
		now:          time.Now,
	}
}

// CanExecute reports whether a call may be attempted. An open breaker whose
// timeout has elapsed moves to half_open and admits probe calls.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailureTime) >= b.cfg.Timeout {
			b.transition(BreakerHalfOpen)
			b.halfOpenCalls = 0
		} else {
			return false
		}
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
		return true
	}
	return false
}

// RecordSuccess records a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	switch b.state {
	case BreakerHalfOpen:
		b.transition(BreakerClosed)
		b.failureCount = 0
		b.halfOpenCalls = 0
	case BreakerClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// RecordFailure records a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	case BreakerClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	}
}

// Reset returns the breaker to its initial closed state.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
}

// State returns the current lifecycle state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current failure counter.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// transition must be called with the lock held.
func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.target, from, to)
	}
}

// BreakerSet holds one breaker per target agent id.
type BreakerSet struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	onTransition TransitionFunc
	breakers     map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet(cfg BreakerConfig, onTransition TransitionFunc) *BreakerSet {
	cfg.setDefaults()
	return &BreakerSet{
		cfg:          cfg,
		onTransition: onTransition,
		breakers:     make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker guarding the given target agent, creating it on
// first use.
func (s *BreakerSet) For(target string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[target]
	if !ok {
		b = NewCircuitBreaker(target, s.cfg, s.onTransition)
		s.breakers[target] = b
	}
	return b
}
