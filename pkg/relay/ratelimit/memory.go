package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowEntry struct {
	count   int
	resetAt time.Time
}

// MemoryBackend is a single-process window table. Expired entries are
// dropped by a sweep that runs at most once per window, or immediately
// when the table reaches its size bound.
type MemoryBackend struct {
	maxEntries int

	mu     sync.Mutex
	m      map[string]*windowEntry
	lastGC time.Time
}

func NewMemoryBackend(maxEntries int) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &MemoryBackend{
		maxEntries: maxEntries,
		m:          make(map[string]*windowEntry),
	}
}

func (b *MemoryBackend) Hit(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.m) >= b.maxEntries || now.Sub(b.lastGC) >= window {
		b.gcLocked(now)
	}

	e := b.m[key]
	if e == nil || !now.Before(e.resetAt) {
		e = &windowEntry{count: 1, resetAt: now.Add(window)}
		b.m[key] = e
		return e.count, e.resetAt, nil
	}
	e.count++
	return e.count, e.resetAt, nil
}

// Len returns the number of tracked addresses.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}

func (b *MemoryBackend) gcLocked(now time.Time) {
	b.lastGC = now
	for k, e := range b.m {
		if !now.Before(e.resetAt) {
			delete(b.m, k)
		}
	}
	// Still full of live windows: drop one arbitrary entry. That address
	// simply starts a fresh window on its next request.
	if len(b.m) >= b.maxEntries {
		for k := range b.m {
			delete(b.m, k)
			break
		}
	}
}
