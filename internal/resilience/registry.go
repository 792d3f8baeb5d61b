package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "burrow/pkg/logx"
)

// Limits bundles the per-service resilience settings.
type Limits struct {
	RequestsPerMinute int
	BurstSize         int
	Breaker           BreakerConfig
	Retry             RetryOptions
}

// DefaultLimits returns the built-in limits for well-known services.
// Unknown services fall back to 30 requests/minute.
func DefaultLimits(service string) Limits {
	switch service {
	case "govee":
		return Limits{RequestsPerMinute: 30, BurstSize: 5}
	case "august", "ring":
		return Limits{RequestsPerMinute: 20, BurstSize: 3}
	default:
		return Limits{RequestsPerMinute: 30}
	}
}

type serviceGuard struct {
	breaker *Breaker
	bucket  *Bucket
	retry   RetryOptions
}

// Registry owns one breaker and one token bucket per external service.
// Devices belonging to the same vendor share them, so one misbehaving device
// trips protection for its siblings too (they hit the same upstream API).
type Registry struct {
	mu     sync.Mutex
	guards map[string]*serviceGuard
	limits map[string]Limits
	log    logx.Logger
}

func NewRegistry(limits map[string]Limits, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		guards: make(map[string]*serviceGuard),
		limits: limits,
		log:    log,
	}
}

func (r *Registry) guard(service string) *serviceGuard {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.guards[service]
	if g != nil {
		return g
	}
	lim, ok := r.limits[service]
	if !ok {
		lim = DefaultLimits(service)
	}
	g = &serviceGuard{
		breaker: NewBreaker(lim.Breaker),
		bucket:  NewBucket(lim.RequestsPerMinute, lim.BurstSize),
		retry:   lim.Retry,
	}
	r.guards[service] = g
	return g
}

// Breaker exposes the service's breaker (mainly for health/status surfaces).
func (r *Registry) Breaker(service string) *Breaker { return r.guard(service).breaker }

// Bucket exposes the service's token bucket.
func (r *Registry) Bucket(service string) *Bucket { return r.guard(service).bucket }

// Execute runs op against an external service under the full protection
// stack, in order:
//
//  1. circuit breaker gate: if open, fail fast with ErrCircuitOpen without
//     invoking op and without counting a breaker failure;
//  2. token bucket: wait for a slot (rejected waits do not touch the breaker);
//  3. retry with exponential backoff; the outcome of the whole retry sequence
//     (not each attempt) is recorded on the breaker.
func (r *Registry) Execute(ctx context.Context, service string, op func(ctx context.Context) error) error {
	g := r.guard(service)

	if g.breaker.IsOpen() {
		return fmt.Errorf("%s: %w", service, ErrCircuitOpen)
	}

	waited, err := g.bucket.Acquire(ctx, 1)
	if err != nil {
		return err
	}
	if waited > 0 {
		r.log.Debug("rate limited",
			logx.String("service", service),
			logx.Duration("waited", waited),
		)
	}

	err = Retry(ctx, g.retry, op)
	if err != nil {
		if ctx.Err() == nil {
			g.breaker.RecordFailure()
		}
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}

// States returns the current breaker state per known service.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.guards))
	for name, g := range r.guards {
		out[name] = g.breaker.State()
	}
	return out
}

// LimitsFromDurations is a convenience for config wiring: it builds Limits
// from raw scalar settings, applying per-service defaults for gaps.
func LimitsFromDurations(service string, rpm, burst, failures int, recovery time.Duration, halfOpen int, retry RetryOptions) Limits {
	base := DefaultLimits(service)
	if rpm > 0 {
		base.RequestsPerMinute = rpm
	}
	if burst > 0 {
		base.BurstSize = burst
	}
	base.Breaker = BreakerConfig{
		FailureThreshold: failures,
		RecoveryTimeout:  recovery,
		HalfOpenMaxCalls: halfOpen,
	}
	base.Retry = retry
	return base
}
