// Package protocol defines the tagged {type, payload} envelopes exchanged
// with relay clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/budget"
)

// Client → server types.
const (
	TypeStart        = "start"
	TypeUserMessage  = "user_message"
	TypeUserAudio    = "user_audio"
	TypeTurnComplete = "TURN_COMPLETE"
	TypePing         = "ping"
)

// Server → client types.
const (
	TypeConnected       = "connected"
	TypeSessionStarted  = "session_started"
	TypeText            = "text"
	TypeAudio           = "audio"
	TypeTurnCompleteAck = "turn_complete"
	TypeSessionClosed   = "session_closed"
	TypePong            = "pong"
	TypeError           = "error"
)

// ErrorCode is the machine-parseable reason carried by every error payload.
type ErrorCode string

const (
	CodeConfiguration      ErrorCode = "configuration_error"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodeDuplicate          ErrorCode = "duplicate_message"
	CodeInvalidAudio       ErrorCode = "invalid_audio"
	CodeAudioTurnTooLarge  ErrorCode = "audio_turn_too_large"
	CodeUpstreamError      ErrorCode = "upstream_error"
	CodeUpstreamSendFailed ErrorCode = "upstream_send_failed"
	CodeUnknownType        ErrorCode = "unknown_message_type"
	CodeInvalidMessage     ErrorCode = "invalid_message"
	CodeSessionNotStarted  ErrorCode = "session_not_started"
	CodeShuttingDown       ErrorCode = "shutting_down"
	CodeInternal           ErrorCode = "internal_error"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type DecodeError struct {
	Code    ErrorCode
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalid(message string) *DecodeError {
	return &DecodeError{Code: CodeInvalidMessage, Message: message}
}

type Start struct {
	Message     string          `json:"message,omitempty"`
	AudioData   string          `json:"audioData,omitempty"`
	MIMEType    string          `json:"mimeType,omitempty"`
	LeadContext json.RawMessage `json:"leadContext,omitempty"`
}

type UserMessage struct {
	Message string `json:"message"`
}

type UserAudio struct {
	AudioData string `json:"audioData"`
	MIMEType  string `json:"mimeType,omitempty"`
}

type TurnComplete struct{}

type Ping struct{}

// DecodeClientMessage parses one text frame into its typed payload.
func DecodeClientMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalid("invalid JSON envelope")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, invalid("missing envelope type")
	}

	switch typ {
	case TypePing:
		return Ping{}, nil
	case TypeTurnComplete:
		return TurnComplete{}, nil
	case TypeStart:
		var msg Start
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			return nil, invalid("invalid start payload")
		}
		if len(msg.LeadContext) > 0 && !json.Valid(msg.LeadContext) {
			return nil, invalid("invalid start.leadContext")
		}
		return msg, nil
	case TypeUserMessage:
		var msg UserMessage
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			return nil, invalid("invalid user_message payload")
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, invalid("user_message.message is required")
		}
		return msg, nil
	case TypeUserAudio:
		var msg UserAudio
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			return nil, invalid("invalid user_audio payload")
		}
		if strings.TrimSpace(msg.AudioData) == "" {
			return nil, &DecodeError{Code: CodeInvalidAudio, Message: "user_audio.audioData is required"}
		}
		return msg, nil
	default:
		return nil, &DecodeError{Code: CodeUnknownType, Message: fmt.Sprintf("Unknown message type: %s", typ)}
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

type Connected struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

type SessionStarted struct {
	SessionID string `json:"sessionId"`
}

type Text struct {
	Content string `json:"content"`
}

type Audio struct {
	AudioData string `json:"audioData"`
	MIMEType  string `json:"mimeType"`
}

type TurnCompleteAck struct{}

type SessionClosed struct {
	Reason string `json:"reason"`
}

type Pong struct{}

type Error struct {
	Code       ErrorCode    `json:"code"`
	Message    string       `json:"message"`
	Fatal      bool         `json:"fatal,omitempty"`
	RetryAfter *int         `json:"retryAfter,omitempty"`
	BudgetInfo *budget.Info `json:"budgetInfo,omitempty"`
}

func NewConnected(sessionID string, now time.Time) Connected {
	return Connected{SessionID: sessionID, Timestamp: now.UnixMilli()}
}

// Encode wraps payload in an envelope of the given type.
func Encode(typ string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload"`
	}{Type: typ, Payload: payload})
}
