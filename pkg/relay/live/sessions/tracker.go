package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle is how the tracker reaches into a live connection during drain.
type Handle struct {
	Address   string
	StartedAt time.Time
	Cancel    func()
	Warn      func(code, message string) error
}

// Entry describes one tracked connection.
type Entry struct {
	SessionID string
	Address   string
	StartedAt time.Time
}

// Tracker counts live websocket connections and lets shutdown warn, cancel
// and wait for them.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]*tracked
	wg    sync.WaitGroup
}

type tracked struct {
	handle Handle
	done   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*tracked)}
}

// Register adds the connection and returns its release func. Registering an
// id twice releases the earlier entry.
func (t *Tracker) Register(sessionID string, h Handle) (release func()) {
	if t == nil {
		return func() {}
	}
	entry := &tracked{handle: h}

	t.mu.Lock()
	prev := t.conns[sessionID]
	t.conns[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if prev != nil {
		t.release(sessionID, prev)
	}
	return func() { t.release(sessionID, entry) }
}

func (t *Tracker) release(sessionID string, entry *tracked) {
	entry.done.Do(func() {
		t.mu.Lock()
		if t.conns[sessionID] == entry {
			delete(t.conns, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Entries lists tracked connections, oldest first.
func (t *Tracker) Entries() []Entry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Entry, 0, len(t.conns))
	for id, c := range t.conns {
		out = append(out, Entry{SessionID: id, Address: c.handle.Address, StartedAt: c.handle.StartedAt})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.handle)
	}
	return out
}

// WarnAll sends a non-fatal warning to every connection and reports how many
// were delivered without error.
func (t *Tracker) WarnAll(code, message string) (delivered int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		if err := h.Warn(code, message); err == nil {
			delivered++
		}
	}
	return delivered
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection is released or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
