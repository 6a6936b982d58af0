package upstream

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"google.golang.org/genai"
)

const (
	ModalityAudio = "audio"
	ModalityText  = "text"

	DefaultGeminiModel = "gemini-2.0-flash-live-001"
)

type GeminiConfig struct {
	APIKey            string
	Model             string
	ResponseModality  string
	VoiceName         string
	SystemInstruction string
	ConnectTimeout    time.Duration
}

// GeminiProvider opens Gemini Live sessions through the genai SDK.
type GeminiProvider struct {
	cfg GeminiConfig
}

func NewGeminiProvider(cfg GeminiConfig) *GeminiProvider {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.ResponseModality == "" {
		cfg.ResponseModality = ModalityAudio
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &GeminiProvider{cfg: cfg}
}

func (p *GeminiProvider) Connect(ctx context.Context, opts Options) (Conn, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, ErrMissingCredential
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create genai client")
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	session, err := client.Live.Connect(connectCtx, p.cfg.Model, p.liveConfig(opts))
	if err != nil {
		return nil, errors.Wrapf(err, "connect live model %s", p.cfg.Model)
	}
	return &geminiConn{session: session}, nil
}

func (p *GeminiProvider) liveConfig(opts Options) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if p.cfg.ResponseModality == ModalityText {
		cfg.ResponseModalities = []genai.Modality{genai.ModalityText}
	} else if voice := strings.TrimSpace(p.cfg.VoiceName); voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if instruction := BuildInstruction(p.cfg.SystemInstruction, opts.LeadContext); instruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instruction}},
		}
	}
	return cfg
}

type geminiConn struct {
	session *genai.Session

	// pending holds events from a server message that carried several parts.
	pending []Event

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (c *geminiConn) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.session.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  "user",
			Parts: []*genai.Part{{Text: text}},
		}},
		TurnComplete: genai.Ptr(true),
	})
	return errors.Wrap(err, "send client text")
}

func (c *geminiConn) SendAudio(ctx context.Context, audio []byte, mimeType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.session.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  "user",
			Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: mimeType, Data: audio}}},
		}},
		TurnComplete: genai.Ptr(true),
	})
	return errors.Wrap(err, "send client audio")
}

func (c *geminiConn) Receive(ctx context.Context) (Event, error) {
	for len(c.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		if c.closed.Load() {
			return Event{}, ErrClosed
		}
		msg, err := c.session.Receive()
		if err != nil {
			return Event{}, receiveError(err, c.closed.Load())
		}
		c.pending = append(c.pending, translate(msg)...)
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func (c *geminiConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.session.Close()
	})
	return c.closeErr
}

// receiveError reports an orderly end of the Live session, or a read after
// Close, as ErrClosed.
func receiveError(err error, closed bool) error {
	switch {
	case closed,
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return errors.Wrapf(ErrClosed, "receive live message: %v", err)
	}
	return errors.Wrap(err, "receive live message")
}

// translate flattens one server message into relay events, preserving part
// order. Setup acknowledgements and usage metadata produce no events.
func translate(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					out = append(out, Event{Kind: EventText, Text: part.Text})
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					out = append(out, Event{
						Kind:     EventAudio,
						Audio:    part.InlineData.Data,
						MIMEType: part.InlineData.MIMEType,
					})
				}
			}
		}
		if sc.Interrupted {
			out = append(out, Event{Kind: EventInterrupted})
		}
		if sc.TurnComplete {
			out = append(out, Event{Kind: EventTurnComplete})
		}
	}
	if msg.GoAway != nil {
		out = append(out, Event{Kind: EventGoAway})
	}
	return out
}
