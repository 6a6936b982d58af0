package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-relay/pkg/relay/budget"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (m *memorySink) Write(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return m.err
}

func (m *memorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func TestNewRecord(t *testing.T) {
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute)
	r := NewRecord("s_1", "192.0.2.1", "client_closed", budget.Budget{
		MessageCount:    3,
		InputTokens:     100,
		OutputTokens:    50,
		TotalTokensUsed: 150,
		TotalCost:       0.25,
		StartTime:       start,
	}, end)

	assert.Equal(t, "s_1", r.SessionID)
	assert.Equal(t, 150, r.TotalTokens)
	assert.Equal(t, int64(120_000), r.DurationMilli)
	assert.Equal(t, start, r.StartedAt)
	assert.Equal(t, end, r.EndedAt)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: zerolog.New(&buf)}

	require.NoError(t, sink.Write(context.Background(), Record{SessionID: "s_1", TotalTokens: 9, Reason: "idle_timeout"}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session summary", line["message"])
	assert.Equal(t, "s_1", line["session_id"])
	assert.EqualValues(t, 9, line["total_tokens"])
	assert.Equal(t, "idle_timeout", line["reason"])
}

func TestMulti_WritesAllReturnsFirstError(t *testing.T) {
	a := &memorySink{err: errors.New("a failed")}
	b := &memorySink{}
	err := Multi{a, nil, b}.Write(context.Background(), Record{SessionID: "s"})
	assert.EqualError(t, err, "a failed")
	assert.Len(t, a.Records(), 1)
	assert.Len(t, b.Records(), 1)
}

func TestAsyncSink_DrainsOnClose(t *testing.T) {
	next := &memorySink{}
	s := NewAsyncSink(next, 2, time.Second, zerolog.Nop())

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Write(context.Background(), Record{SessionID: "s"}))
	}
	s.Close()
	assert.Len(t, next.Records(), 10)

	assert.ErrorIs(t, s.Write(context.Background(), Record{}), ErrSinkClosed)
	s.Close()
}

func TestAsyncSink_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	next := &memorySink{err: errors.New("db down")}
	s := NewAsyncSink(next, 1, time.Second, zerolog.New(&buf))

	require.NoError(t, s.Write(context.Background(), Record{SessionID: "s_9"}))
	s.Close()
	assert.Contains(t, buf.String(), "db down")
	assert.Contains(t, buf.String(), "s_9")
}

func TestAsyncSink_WriteRacingCloseIsNeverLost(t *testing.T) {
	next := &memorySink{}
	s := NewAsyncSink(next, 2, time.Second, zerolog.Nop())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Write(context.Background(), Record{SessionID: "s"})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrSinkClosed)
		}()
	}
	s.Close()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, next.Records(), accepted)
}
