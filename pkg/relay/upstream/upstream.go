// Package upstream connects relay sessions to a streaming AI provider.
//
// A Conn is a single duplex provider session. It is not safe for concurrent
// sends; the owning relay session serializes them. Receive may run
// concurrently with sends.
package upstream

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMissingCredential is returned by Connect when no provider credential
	// is configured. No network connection is attempted.
	ErrMissingCredential = errors.New("upstream: provider credential is not configured")
	ErrClosed            = errors.New("upstream: connection closed")
)

type EventKind string

const (
	EventText         EventKind = "text"
	EventAudio        EventKind = "audio"
	EventTurnComplete EventKind = "turn_complete"
	EventInterrupted  EventKind = "interrupted"
	EventGoAway       EventKind = "go_away"
)

// Event is one fragment streamed back by the provider.
type Event struct {
	Kind     EventKind
	Text     string
	Audio    []byte
	MIMEType string
}

type Options struct {
	SessionID   string
	LeadContext json.RawMessage
}

type Provider interface {
	Connect(ctx context.Context, opts Options) (Conn, error)
}

type Conn interface {
	// SendText forwards a complete text turn.
	SendText(ctx context.Context, text string) error
	// SendAudio forwards a complete audio turn with turnComplete set.
	SendAudio(ctx context.Context, audio []byte, mimeType string) error
	// Receive blocks until the next event. It returns an error once the
	// provider session ends, including after Close.
	Receive(ctx context.Context) (Event, error)
	Close() error
}

// BuildInstruction appends a client-supplied lead context to the base
// system instruction.
func BuildInstruction(base string, leadContext json.RawMessage) string {
	base = strings.TrimSpace(base)
	lead := strings.TrimSpace(string(leadContext))
	if lead == "" || lead == "null" || lead == "{}" {
		return base
	}
	if base == "" {
		return "Lead context:\n" + lead
	}
	return base + "\n\nLead context:\n" + lead
}
