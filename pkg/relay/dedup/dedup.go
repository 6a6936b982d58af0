// Package dedup suppresses immediate repeats of identical submissions within
// a session. It guards against accidental client double-submits; it is not a
// correctness mechanism for conversation semantics.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const DefaultWindow = 5 * time.Second

// Detector is shared by all sessions. Each session owns its own table so a
// check only contends with its own connection.
type Detector struct {
	window time.Duration
	now    func() time.Time

	sessions *xsync.Map[string, *table]
}

type table struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	lastGC time.Time
}

func New(window time.Duration) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Detector{
		window:   window,
		now:      time.Now,
		sessions: xsync.NewMap[string, *table](),
	}
}

// TextSignature keys a text submission by its literal content.
func TextSignature(text string) string {
	return "text:" + text
}

// AudioSignature keys a merged audio turn by a digest of its bytes.
func AudioSignature(audio []byte) string {
	sum := sha256.Sum256(audio)
	return "audio:" + hex.EncodeToString(sum[:])
}

// Check records an occurrence of signature for sessionID and reports whether
// the same signature was already seen within the window.
func (d *Detector) Check(sessionID, signature string) bool {
	t := d.tableFor(sessionID)
	now := d.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastGC) >= d.window {
		t.evictLocked(now, d.window)
	}

	last, ok := t.seen[signature]
	t.seen[signature] = now
	return ok && now.Sub(last) < d.window
}

// Release drops every entry recorded for sessionID.
func (d *Detector) Release(sessionID string) {
	d.sessions.Delete(sessionID)
}

// Len returns the number of signatures tracked for sessionID.
func (d *Detector) Len(sessionID string) int {
	t, ok := d.sessions.Load(sessionID)
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Sessions returns the number of sessions holding entries.
func (d *Detector) Sessions() int {
	return d.sessions.Size()
}

func (d *Detector) tableFor(sessionID string) *table {
	if t, ok := d.sessions.Load(sessionID); ok {
		return t
	}
	t, _ := d.sessions.LoadOrStore(sessionID, &table{seen: make(map[string]time.Time)})
	return t
}

func (t *table) evictLocked(now time.Time, window time.Duration) {
	t.lastGC = now
	for sig, at := range t.seen {
		if now.Sub(at) >= window {
			delete(t.seen, sig)
		}
	}
}
