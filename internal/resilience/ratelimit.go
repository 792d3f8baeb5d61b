package resilience

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token-bucket rate limiter for vendor API calls.
//
// Tokens accumulate at refill rate (requests_per_minute / 60 per second) up to
// the burst capacity. Refill is computed lazily at acquisition time from the
// elapsed interval; there is no background goroutine.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	now   func() time.Time                          // test hook
	sleep func(ctx context.Context, d time.Duration) error // test hook
}

// NewBucket creates a bucket with the given sustained rate. burstSize <= 0
// derives the capacity as requestsPerMinute/6 (minimum 1).
func NewBucket(requestsPerMinute, burstSize int) *Bucket {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 30
	}
	if burstSize <= 0 {
		burstSize = requestsPerMinute / 6
		if burstSize < 1 {
			burstSize = 1
		}
	}
	b := &Bucket{
		capacity:   float64(burstSize),
		tokens:     float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	b.lastRefill = b.now()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// refillLocked credits tokens for the elapsed interval. Callers hold mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
}

// Acquire takes n tokens, sleeping for the deficit when the bucket is short.
// It returns how long it waited so callers can surface throttling in logs.
func (b *Bucket) Acquire(ctx context.Context, n int) (time.Duration, error) {
	if n <= 0 {
		n = 1
	}
	need := float64(n)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()

	var waited time.Duration
	if b.tokens < need {
		deficit := need - b.tokens
		waited = time.Duration(deficit / b.refillRate * float64(time.Second))
		if err := b.sleep(ctx, waited); err != nil {
			return 0, err
		}
		// The wait covered exactly the deficit.
		b.tokens = need
		b.lastRefill = b.now()
	}
	b.tokens -= need
	return waited, nil
}

// TryAcquire takes n tokens without waiting. It reports whether it succeeded.
func (b *Bucket) TryAcquire(n int) bool {
	if n <= 0 {
		n = 1
	}
	need := float64(n)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()

	if b.tokens < need {
		return false
	}
	b.tokens -= need
	return true
}

// Tokens returns the current token count after a refill pass.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}
