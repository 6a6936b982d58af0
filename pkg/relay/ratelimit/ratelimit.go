// Package ratelimit caps inbound envelopes per client address with a fixed
// window counter.
//
// Windows are fixed, not sliding: an entry resets only on the first request
// after its window expires. Denied requests still count toward the window.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed    bool
	Count      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds. Denials always
// report at least one second.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Backend stores window counters. Hit increments the counter for key,
// starting a new window when none is open, and reports the new count and
// when the window closes.
type Backend interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (count int, resetAt time.Time, err error)
}

type Limiter struct {
	cfg     Config
	backend Backend
	now     func() time.Time
}

// New builds a limiter. A nil backend selects an in-memory table.
func New(cfg Config, backend Backend) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if backend == nil {
		backend = NewMemoryBackend(0)
	}
	return &Limiter{cfg: cfg, backend: backend, now: time.Now}
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.cfg.MaxRequests > 0
}

// Check counts one request from address and decides whether it may proceed.
func (l *Limiter) Check(ctx context.Context, address string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	if address == "" {
		address = "anonymous"
	}

	now := l.now()
	count, resetAt, err := l.backend.Hit(ctx, address, l.cfg.Window, now)
	if err != nil {
		return Decision{}, errors.Wrap(err, "rate limit backend")
	}

	d := Decision{
		Allowed: count <= l.cfg.MaxRequests,
		Count:   count,
		ResetAt: resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}
