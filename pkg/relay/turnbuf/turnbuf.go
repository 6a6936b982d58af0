// Package turnbuf assembles a spoken utterance from ordered audio fragments.
//
// Chunks are held per session until the client signals the end of its turn.
// Flushing yields the exact concatenation of the chunks in arrival order.
package turnbuf

import (
	"encoding/base64"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrUnknownSession = errors.New("turnbuf: unknown session")
	ErrTurnTooLarge   = errors.New("turnbuf: audio turn exceeds maximum size")
)

// DecodeError reports a chunk whose wire encoding could not be decoded. The
// chunk is not stored; the rest of the turn is unaffected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "invalid audio chunk: " + e.Reason
	}
	return "invalid audio chunk: " + e.Reason + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeAudio converts base64 text (padded or raw, optionally wrapped in a
// data URL) into bytes.
func DecodeAudio(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "data:") {
		idx := strings.Index(data, ",")
		if idx < 0 {
			return nil, &DecodeError{Reason: "malformed data URL"}
		}
		data = data[idx+1:]
	}
	if data == "" {
		return nil, &DecodeError{Reason: "empty audio data"}
	}

	out, err := base64.StdEncoding.DecodeString(data)
	if err == nil {
		return out, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(data); rawErr == nil {
		return raw, nil
	}
	return nil, &DecodeError{Reason: "audioData is not valid base64", Err: err}
}

type buffer struct {
	chunks [][]byte
	size   int
}

// Store holds one buffer per open session.
type Store struct {
	maxTurnBytes int

	mu      sync.Mutex
	buffers map[string]*buffer
}

// NewStore builds a store. maxTurnBytes <= 0 disables the per-turn cap.
func NewStore(maxTurnBytes int) *Store {
	return &Store{
		maxTurnBytes: maxTurnBytes,
		buffers:      make(map[string]*buffer),
	}
}

// Open registers an empty buffer for sessionID.
func (s *Store) Open(sessionID string) {
	s.mu.Lock()
	s.buffers[sessionID] = &buffer{}
	s.mu.Unlock()
}

// Append stores a copy of chunk and returns the number of pending bytes.
func (s *Store) Append(sessionID string, chunk []byte) (int, error) {
	if len(chunk) == 0 {
		return 0, &DecodeError{Reason: "empty audio chunk"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[sessionID]
	if !ok {
		return 0, ErrUnknownSession
	}
	if s.maxTurnBytes > 0 && b.size+len(chunk) > s.maxTurnBytes {
		return b.size, ErrTurnTooLarge
	}

	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.chunks = append(b.chunks, cp)
	b.size += len(cp)
	return b.size, nil
}

// Flush returns the merged turn and clears the buffer. It reports false
// when nothing is buffered.
func (s *Store) Flush(sessionID string) ([]byte, bool) {
	s.mu.Lock()
	b, ok := s.buffers[sessionID]
	if !ok || len(b.chunks) == 0 {
		s.mu.Unlock()
		return nil, false
	}
	chunks, size := b.chunks, b.size
	b.chunks, b.size = nil, 0
	s.mu.Unlock()

	merged := make([]byte, 0, size)
	for _, c := range chunks {
		merged = append(merged, c...)
	}
	return merged, true
}

// Pending reports the buffered chunk count and byte size for sessionID.
func (s *Store) Pending(sessionID string) (chunks, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[sessionID]
	if !ok {
		return 0, 0
	}
	return len(b.chunks), b.size
}

// Len returns the number of buffered chunks for sessionID.
func (s *Store) Len(sessionID string) int {
	n, _ := s.Pending(sessionID)
	return n
}

// Has reports whether sessionID has a registered buffer.
func (s *Store) Has(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buffers[sessionID]
	return ok
}

func (s *Store) Release(sessionID string) {
	s.mu.Lock()
	delete(s.buffers, sessionID)
	s.mu.Unlock()
}

// Sessions returns the number of registered buffers.
func (s *Store) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}
