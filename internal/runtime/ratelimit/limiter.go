package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

// Limiter paces upstream calls per source. Each source gets an independent
// minimum inter-call spacing derived from its calls-per-minute budget; there
// is no burst credit, so an idle source still waits a full interval between
// its first and second call. A zero or negative budget means unthrottled.
type Limiter struct {
	defaultPerMinute int

	mu      sync.Mutex
	sources map[string]*pacer
}

type pacer struct {
	perMinute int
	limit     ratelimit.Limiter
}

// New constructs a limiter whose unknown sources fall back to the supplied
// default budget.
func New(defaultPerMinute int) *Limiter {
	return &Limiter{
		defaultPerMinute: defaultPerMinute,
		sources:          make(map[string]*pacer),
	}
}

// SetBudget installs or retunes a source's calls-per-minute budget. Swapping
// the underlying pacer restarts its spacing from scratch, which is acceptable
// for a reload-time operation.
func (l *Limiter) SetBudget(source string, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[source] = newPacer(perMinute)
}

// Budget reports the effective calls-per-minute budget for a source.
func (l *Limiter) Budget(source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.sources[source]; ok {
		return p.perMinute
	}
	return l.defaultPerMinute
}

// Acquire blocks until the source's minimum inter-call spacing has elapsed
// since its previous call, returning the time spent waiting. Concurrent
// callers for the same source serialize inside the pacer, so effective
// spacing holds under contention. A cancelled context short-circuits before
// the wait and is re-checked after it; the slot is still consumed either way.
func (l *Limiter) Acquire(ctx context.Context, source string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := l.pacer(source)
	start := time.Now()
	p.limit.Take()
	waited := time.Since(start)
	if err := ctx.Err(); err != nil {
		return waited, err
	}
	return waited, nil
}

func (l *Limiter) pacer(source string) *pacer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.sources[source]; ok {
		return p
	}
	p := newPacer(l.defaultPerMinute)
	l.sources[source] = p
	return p
}

// newPacer builds a strict min-spacing pacer. WithoutSlack removes burst
// credit: this is a "never faster than" throttle, not a token bucket.
func newPacer(perMinute int) *pacer {
	if perMinute <= 0 {
		return &pacer{perMinute: perMinute, limit: ratelimit.NewUnlimited()}
	}
	return &pacer{
		perMinute: perMinute,
		limit:     ratelimit.New(perMinute, ratelimit.Per(time.Minute), ratelimit.WithoutSlack),
	}
}
