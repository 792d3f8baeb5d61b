package resilience

import (
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// BreakerConfig holds circuit breaker settings. Zero values use defaults.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	RecoveryTimeout  time.Duration // open duration before trial calls (default 60s)
	HalfOpenMaxCalls int           // consecutive half-open successes to close (default 3)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// Breaker is a consecutive-failure circuit breaker.
//
// The open -> half_open transition is lazy: it happens on the next state query
// after RecoveryTimeout has elapsed, not on a timer. The breaker may therefore
// report open slightly past the timeout until somebody asks; that tolerance is
// intentional.
//
// Callers must check IsOpen() before the protected call and skip the call
// entirely when it reports true.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         string
	failures      int
	halfOpenCalls int
	lastFailure   time.Time

	now func() time.Time // test hook
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// IsOpen reports whether calls should be rejected right now. Querying may
// itself move the breaker from open to half_open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state == StateOpen
}

// State returns the current state after applying the lazy transition.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenCalls++
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			b.state = StateClosed
			b.failures = 0
			b.halfOpenCalls = 0
		}
	default:
		b.failures = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		// A single failure during trial calls reopens immediately.
		b.state = StateOpen
		b.halfOpenCalls = 0
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.halfOpenCalls = 0
	b.lastFailure = time.Time{}
}
