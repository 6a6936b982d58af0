// Package sessions owns the process-wide per-session state: budgets, pending
// audio turns, duplicate history and the set of live connections.
package sessions

import (
	"github.com/vango-go/vai-relay/pkg/relay/budget"
	"github.com/vango-go/vai-relay/pkg/relay/dedup"
	"github.com/vango-go/vai-relay/pkg/relay/turnbuf"
)

// Registry is created once per process and shared by every session. Each
// session id maps to at most one entry in each store.
type Registry struct {
	Budgets *budget.Tracker
	Turns   *turnbuf.Store
	Dedup   *dedup.Detector
	Live    *Tracker
}

func NewRegistry(budgets *budget.Tracker, turns *turnbuf.Store, detector *dedup.Detector) *Registry {
	return &Registry{
		Budgets: budgets,
		Turns:   turns,
		Dedup:   detector,
		Live:    NewTracker(),
	}
}

// Open creates fresh state for sessionID in every store.
func (r *Registry) Open(sessionID string) budget.Budget {
	r.Turns.Open(sessionID)
	return r.Budgets.Open(sessionID)
}

// Release drops every store's entry for sessionID and returns the final
// budget snapshot. Safe to call more than once.
func (r *Registry) Release(sessionID string) (budget.Budget, bool) {
	r.Turns.Release(sessionID)
	r.Dedup.Release(sessionID)
	return r.Budgets.Release(sessionID)
}

// Holds reports whether any store still has state for sessionID.
func (r *Registry) Holds(sessionID string) bool {
	if _, ok := r.Budgets.Snapshot(sessionID); ok {
		return true
	}
	if r.Turns.Has(sessionID) {
		return true
	}
	return r.Dedup.Len(sessionID) > 0
}
