// Package lifecycle tracks process-level state shared by the HTTP handlers:
// when the relay started and whether it is draining.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	startedAt time.Time
	draining  atomic.Bool
}

func New(startedAt time.Time) *Lifecycle {
	return &Lifecycle{startedAt: startedAt}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is how long the process has been serving as of now.
func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil || l.startedAt.IsZero() || now.Before(l.startedAt) {
		return 0
	}
	return now.Sub(l.startedAt)
}
