package summary

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const insertSummarySQL = `
INSERT INTO relay_session_summaries (
	session_id, address, close_reason, message_count,
	input_tokens, output_tokens, total_tokens, total_cost_usd,
	blocked, started_at, ended_at, duration_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (session_id) DO NOTHING`

// PostgresSink stores summaries in relay_session_summaries.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open summary database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping summary database")
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Write(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, insertSummarySQL,
		r.SessionID, r.Address, r.Reason, r.MessageCount,
		r.InputTokens, r.OutputTokens, r.TotalTokens, r.TotalCost,
		r.Blocked, r.StartedAt, r.EndedAt, r.DurationMilli,
	)
	return errors.Wrapf(err, "insert summary %s", r.SessionID)
}

func (s *PostgresSink) Close() {
	s.pool.Close()
}
