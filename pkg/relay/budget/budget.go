// Package budget gates billable work per session and accounts for it.
//
// Each session moves from unblocked to blocked at most once. A blocked
// session stays blocked for its lifetime; the client must reconnect to get a
// fresh budget.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/estimate"
)

type Limits struct {
	DailyTokenLimit       int              `yaml:"daily_token_limit"`
	PerRequestTokenLimit  int              `yaml:"per_request_token_limit"`
	MaxMessagesPerSession int              `yaml:"max_messages_per_session"`
	Pricing               estimate.Pricing `yaml:"pricing"`
}

// Budget is a point-in-time copy of a session's accounting record.
type Budget struct {
	MessageCount    int
	InputTokens     int
	OutputTokens    int
	TotalTokensUsed int
	TotalCost       float64
	StartTime       time.Time
	LastMessageTime time.Time

	DailyTokenLimit      int
	PerRequestTokenLimit int
	IsBlocked            bool
}

// Info is the client-facing view of a budget.
type Info struct {
	MessageCount         int     `json:"messageCount"`
	TotalTokensUsed      int     `json:"totalTokensUsed"`
	DailyTokenLimit      int     `json:"dailyTokenLimit"`
	PerRequestTokenLimit int     `json:"perRequestTokenLimit"`
	RemainingTokens      int     `json:"remainingTokens"`
	TotalCost            float64 `json:"totalCost"`
	IsBlocked            bool    `json:"isBlocked"`
}

func (b Budget) Info() Info {
	remaining := b.DailyTokenLimit - b.TotalTokensUsed
	if remaining < 0 {
		remaining = 0
	}
	return Info{
		MessageCount:         b.MessageCount,
		TotalTokensUsed:      b.TotalTokensUsed,
		DailyTokenLimit:      b.DailyTokenLimit,
		PerRequestTokenLimit: b.PerRequestTokenLimit,
		RemainingTokens:      remaining,
		TotalCost:            b.TotalCost,
		IsBlocked:            b.IsBlocked,
	}
}

// Duration is the time between session start and end.
func (b Budget) Duration(end time.Time) time.Duration {
	if b.StartTime.IsZero() || end.Before(b.StartTime) {
		return 0
	}
	return end.Sub(b.StartTime)
}

const (
	CodeBlocked         = "budget_blocked"
	CodeRequestTooLarge = "request_too_large"
	CodeDailyLimit      = "daily_limit_exceeded"
	CodeMessageLimit    = "message_limit_reached"
	CodeUnknownSession  = "session_unknown"
)

type Decision struct {
	Allowed bool
	Code    string
	Reason  string
	Info    Info
}

// Tracker is the registry of live budgets keyed by session ID.
type Tracker struct {
	limits Limits
	now    func() time.Time

	mu      sync.Mutex
	budgets map[string]*Budget
}

func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		limits:  limits,
		now:     time.Now,
		budgets: make(map[string]*Budget),
	}
}

func (t *Tracker) Limits() Limits { return t.limits }

// Open starts a fresh budget for sessionID, replacing any existing one.
func (t *Tracker) Open(sessionID string) Budget {
	now := t.now()
	b := &Budget{
		StartTime:            now,
		LastMessageTime:      now,
		DailyTokenLimit:      t.limits.DailyTokenLimit,
		PerRequestTokenLimit: t.limits.PerRequestTokenLimit,
	}

	t.mu.Lock()
	t.budgets[sessionID] = b
	t.mu.Unlock()
	return *b
}

// Release removes the budget and returns its final snapshot.
func (t *Tracker) Release(sessionID string) (Budget, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.budgets[sessionID]
	if !ok {
		return Budget{}, false
	}
	delete(t.budgets, sessionID)
	return *b, true
}

func (t *Tracker) Snapshot(sessionID string) (Budget, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.budgets[sessionID]
	if !ok {
		return Budget{}, false
	}
	return *b, true
}

// Len returns the number of open budgets.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.budgets)
}

// CheckBudget decides whether a unit of work estimated at estimatedTokens may
// proceed. It never mutates the budget.
func (t *Tracker) CheckBudget(sessionID string, estimatedTokens int) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[sessionID]
	if !ok {
		return Decision{Code: CodeUnknownSession, Reason: "Unknown session"}
	}
	info := b.Info()

	switch {
	case b.IsBlocked:
		return Decision{Code: CodeBlocked, Reason: "Session blocked due to budget limits", Info: info}
	case estimatedTokens > b.PerRequestTokenLimit:
		return Decision{
			Code:   CodeRequestTooLarge,
			Reason: fmt.Sprintf("Request exceeds token limit: %d > %d", estimatedTokens, b.PerRequestTokenLimit),
			Info:   info,
		}
	case b.TotalTokensUsed+estimatedTokens > b.DailyTokenLimit:
		return Decision{
			Code:   CodeDailyLimit,
			Reason: fmt.Sprintf("Daily token limit exceeded: %d + %d > %d", b.TotalTokensUsed, estimatedTokens, b.DailyTokenLimit),
			Info:   info,
		}
	case b.MessageCount >= t.limits.MaxMessagesPerSession:
		return Decision{
			Code:   CodeMessageLimit,
			Reason: fmt.Sprintf("Maximum messages per session reached: %d", t.limits.MaxMessagesPerSession),
			Info:   info,
		}
	}
	return Decision{Allowed: true, Info: info}
}

// RecordUsage accounts admitted work. Input is recorded once per exchange at
// send time and counts as one message; output is recorded per streamed
// fragment. Cost is additive and never recalculated.
func (t *Tracker) RecordUsage(sessionID string, inputTokens, outputTokens int) (Budget, bool) {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[sessionID]
	if !ok {
		return Budget{}, false
	}
	if inputTokens > 0 {
		b.MessageCount++
	}
	b.InputTokens += inputTokens
	b.OutputTokens += outputTokens
	b.TotalTokensUsed += inputTokens + outputTokens
	b.TotalCost += t.limits.Pricing.Cost(inputTokens, outputTokens)
	b.LastMessageTime = t.now()
	if b.TotalTokensUsed >= b.DailyTokenLimit {
		b.IsBlocked = true
	}
	return *b, true
}
