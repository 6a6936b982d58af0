// Package summary persists the final budget snapshot of each closed session
// for billing and analytics.
package summary

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vango-go/vai-relay/pkg/relay/budget"
)

// Record is the final accounting of one session.
type Record struct {
	SessionID     string
	Address       string
	Reason        string
	MessageCount  int
	InputTokens   int
	OutputTokens  int
	TotalTokens   int
	TotalCost     float64
	Blocked       bool
	StartedAt     time.Time
	EndedAt       time.Time
	DurationMilli int64
}

func NewRecord(sessionID, address, reason string, b budget.Budget, endedAt time.Time) Record {
	return Record{
		SessionID:     sessionID,
		Address:       address,
		Reason:        reason,
		MessageCount:  b.MessageCount,
		InputTokens:   b.InputTokens,
		OutputTokens:  b.OutputTokens,
		TotalTokens:   b.TotalTokensUsed,
		TotalCost:     b.TotalCost,
		Blocked:       b.IsBlocked,
		StartedAt:     b.StartTime,
		EndedAt:       endedAt,
		DurationMilli: b.Duration(endedAt).Milliseconds(),
	}
}

type Sink interface {
	Write(ctx context.Context, r Record) error
}

// LogSink writes summaries to the structured log.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Write(_ context.Context, r Record) error {
	s.Logger.Info().
		Str("session_id", r.SessionID).
		Str("address", r.Address).
		Str("reason", r.Reason).
		Int("messages", r.MessageCount).
		Int("input_tokens", r.InputTokens).
		Int("output_tokens", r.OutputTokens).
		Int("total_tokens", r.TotalTokens).
		Float64("cost_usd", r.TotalCost).
		Bool("blocked", r.Blocked).
		Int64("duration_ms", r.DurationMilli).
		Msg("session summary")
	return nil
}

// Multi fans a record out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Write(ctx context.Context, r Record) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
