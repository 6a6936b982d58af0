package summary

import (
	"context"
	"sync"
	"time"

	pond "github.com/alitto/pond/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrSinkClosed = errors.New("summary: sink closed")

// AsyncSink hands records to a bounded worker pool so that session cleanup
// never waits on storage.
type AsyncSink struct {
	next    Sink
	pool    pond.Pool
	logger  zerolog.Logger
	timeout time.Duration

	// mu orders Write against Close so no record is submitted to a stopped
	// pool.
	mu     sync.RWMutex
	closed bool
}

func NewAsyncSink(next Sink, workers int, timeout time.Duration, logger zerolog.Logger) *AsyncSink {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AsyncSink{
		next:    next,
		pool:    pond.NewPool(workers),
		logger:  logger,
		timeout: timeout,
	}
}

// Write enqueues r. The caller's context is not used by the deferred write.
func (s *AsyncSink) Write(_ context.Context, r Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	err := s.pool.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.next.Write(ctx, r); err != nil {
			s.logger.Error().Err(err).Str("session_id", r.SessionID).Msg("write session summary")
		}
	})
	return errors.Wrap(err, "queue session summary")
}

// Close stops accepting records and waits for queued writes.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.pool.StopAndWait()
}
