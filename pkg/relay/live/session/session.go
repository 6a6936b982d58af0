// Package session runs one relay connection: it admits client envelopes,
// forwards them to the upstream provider and streams replies back.
package session

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-relay/pkg/relay/budget"
	"github.com/vango-go/vai-relay/pkg/relay/dedup"
	"github.com/vango-go/vai-relay/pkg/relay/estimate"
	"github.com/vango-go/vai-relay/pkg/relay/live/protocol"
	"github.com/vango-go/vai-relay/pkg/relay/live/sessions"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/ratelimit"
	"github.com/vango-go/vai-relay/pkg/relay/summary"
	"github.com/vango-go/vai-relay/pkg/relay/turnbuf"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

const (
	outboundPriorityQueueSize = 8
	inboundQueueSize          = 64
	defaultOutputAudioMIME    = "audio/pcm;rate=24000"
)

var (
	errBackpressure  = errors.New("live outbound backpressure")
	errWriterStopped = errors.New("live outbound writer stopped")
)

// Conn is the client socket. *websocket.Conn satisfies it.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
}

// Limiter admits envelopes per client address.
type Limiter interface {
	Check(ctx context.Context, address string) (ratelimit.Decision, error)
}

type Config struct {
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	IdleTimeout            time.Duration
	UpstreamConnectTimeout time.Duration
	OutboundQueueSize      int
	DefaultAudioMIME       string
}

type Dependencies struct {
	Conn      Conn
	SessionID string
	Address   string
	Config    Config
	Logger    zerolog.Logger
	Limiter   Limiter
	Registry  *sessions.Registry
	Provider  upstream.Provider
	Metrics   *metrics.Metrics
	Sink      summary.Sink
	Now       func() time.Time
}

type LiveSession struct {
	conn      Conn
	sessionID string
	address   string
	cfg       Config
	logger    zerolog.Logger
	limiter   Limiter
	registry  *sessions.Registry
	provider  upstream.Provider
	metrics   *metrics.Metrics
	sink      summary.Sink
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	// writerCtx ends when the outbound writer or its errgroup stops.
	writerCtx context.Context

	stop     chan struct{}
	stopOnce sync.Once

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	state atomic.Int32

	// Loop-owned.
	events     chan adapterEvent
	adapter    *adapter
	generation uint64
	audioMIME  string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, errors.New("connection is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, errors.New("session id is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("session registry is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("upstream provider is required")
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.UpstreamConnectTimeout <= 0 {
		deps.Config.UpstreamConnectTimeout = 10 * time.Second
	}
	if strings.TrimSpace(deps.Config.DefaultAudioMIME) == "" {
		deps.Config.DefaultAudioMIME = "audio/pcm;rate=16000"
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:      deps.Conn,
		sessionID: deps.SessionID,
		address:   deps.Address,
		cfg:       deps.Config,
		logger: deps.Logger.With().
			Str("session_id", deps.SessionID).
			Str("address", deps.Address).
			Logger(),
		limiter:          deps.Limiter,
		registry:         deps.Registry,
		provider:         deps.Provider,
		metrics:          deps.Metrics,
		sink:             deps.Sink,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		writerCtx:        ctx,
		stop:             make(chan struct{}),
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		events:           make(chan adapterEvent, inboundQueueSize),
		audioMIME:        deps.Config.DefaultAudioMIME,
	}
	return s, nil
}

func (s *LiveSession) SessionID() string { return s.sessionID }

func (s *LiveSession) State() State { return State(s.state.Load()) }

func (s *LiveSession) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug().Str("from", prev.String()).Str("state", next.String()).Msg("session state")
	}
}

// Run serves the connection until it closes and returns after cleanup.
func (s *LiveSession) Run() error {
	defer s.cancel()

	s.registry.Open(s.sessionID)
	s.metrics.RecordSessionStart()
	s.setState(StateConnecting)
	s.logger.Info().Msg("session opened")

	g, gctx := errgroup.WithContext(s.ctx)
	s.writerCtx = gctx

	readCh := make(chan inboundFrame, inboundQueueSize)
	g.Go(func() error {
		s.readLoop(readCh)
		return nil
	})
	g.Go(func() error {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		err := w.Run()
		if err != nil {
			_ = s.conn.Close()
		}
		return err
	})

	if err := s.send(protocol.TypeConnected, protocol.NewConnected(s.sessionID, s.now())); err != nil {
		s.logger.Warn().Err(err).Msg("send connected failed")
	}

	reason := s.loop(gctx, readCh)
	s.cleanup(reason)
	s.cancel()

	if err := g.Wait(); err != nil && reason == ReasonWriteError {
		return errors.Wrap(err, "live outbound writer")
	}
	return nil
}

// Cancel ends the session from outside the loop, as during drain.
func (s *LiveSession) Cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// SendWarning queues a non-fatal error envelope ahead of streamed output
// without blocking.
func (s *LiveSession) SendWarning(code, message string) error {
	payload, err := protocol.Encode(protocol.TypeError, protocol.Error{Code: protocol.ErrorCode(code), Message: message})
	if err != nil {
		return err
	}
	select {
	case s.outboundPriority <- outboundFrame{payload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) loop(gctx context.Context, readCh <-chan inboundFrame) string {
	var idle *time.Timer
	var idleC <-chan time.Time
	if s.cfg.IdleTimeout > 0 {
		idle = time.NewTimer(s.cfg.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-s.stop:
			return ReasonShutdown
		case <-gctx.Done():
			return ReasonWriteError
		case <-idleC:
			s.logger.Info().Dur("idle_timeout", s.cfg.IdleTimeout).Msg("session idle")
			return ReasonIdleTimeout
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				if frame.err != nil && !isNormalClose(frame.err) {
					s.logger.Debug().Err(frame.err).Msg("client read ended")
				}
				return ReasonClientClosed
			}
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(s.cfg.IdleTimeout)
			}
			if reason := s.handleFrame(frame); reason != "" {
				return reason
			}
		case ev := <-s.events:
			if s.adapter == nil || ev.generation != s.adapter.generation {
				continue
			}
			if reason := s.handleUpstream(ev); reason != "" {
				return reason
			}
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// handleFrame routes one client frame. A non-empty result closes the session.
func (s *LiveSession) handleFrame(frame inboundFrame) string {
	if frame.messageType == websocket.BinaryMessage {
		s.metrics.RecordEnvelope("binary")
		if !s.admitRate() || !s.requireActive() {
			return ""
		}
		s.handleAudioChunk(frame.data)
		return ""
	}

	msg, err := protocol.DecodeClientMessage(frame.data)
	if _, ok := msg.(protocol.Ping); ok {
		s.metrics.RecordEnvelope(protocol.TypePing)
		if data, err := protocol.Encode(protocol.TypePong, protocol.Pong{}); err == nil {
			_ = s.enqueuePriority(outboundFrame{payload: data})
		}
		return ""
	}
	if !s.admitRate() {
		return ""
	}
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			s.metrics.RecordEnvelope("invalid")
			s.sendError(protocol.Error{Code: de.Code, Message: de.Message})
			return ""
		}
		s.sendError(protocol.Error{Code: protocol.CodeInvalidMessage, Message: err.Error()})
		return ""
	}

	switch m := msg.(type) {
	case protocol.Start:
		s.metrics.RecordEnvelope(protocol.TypeStart)
		return s.handleStart(m)
	case protocol.UserMessage:
		s.metrics.RecordEnvelope(protocol.TypeUserMessage)
		if s.requireActive() {
			s.handleText(m.Message)
		}
	case protocol.UserAudio:
		s.metrics.RecordEnvelope(protocol.TypeUserAudio)
		if !s.requireActive() {
			return ""
		}
		if m.MIMEType != "" {
			s.audioMIME = m.MIMEType
		}
		chunk, err := turnbuf.DecodeAudio(m.AudioData)
		if err != nil {
			s.sendError(protocol.Error{Code: protocol.CodeInvalidAudio, Message: err.Error()})
			return ""
		}
		s.handleAudioChunk(chunk)
	case protocol.TurnComplete:
		s.metrics.RecordEnvelope(protocol.TypeTurnComplete)
		if s.requireActive() {
			s.handleTurnComplete()
		}
	}
	return ""
}

func (s *LiveSession) requireActive() bool {
	if s.State() == StateActive {
		return true
	}
	s.sendError(protocol.Error{Code: protocol.CodeSessionNotStarted, Message: "Session not started; send start first"})
	return false
}

func (s *LiveSession) handleStart(m protocol.Start) string {
	if s.adapter != nil {
		s.logger.Info().Uint64("generation", s.adapter.generation).Msg("restarting upstream session")
		s.closeAdapter()
	}
	s.setState(StateConnecting)
	if m.MIMEType != "" {
		s.audioMIME = m.MIMEType
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.UpstreamConnectTimeout)
	conn, err := s.provider.Connect(ctx, upstream.Options{SessionID: s.sessionID, LeadContext: m.LeadContext})
	cancel()
	if err != nil {
		s.metrics.RecordUpstreamError("connect")
		if errors.Is(err, upstream.ErrMissingCredential) {
			s.logger.Error().Err(err).Msg("upstream credential missing")
			s.sendFatal(protocol.CodeConfiguration, "AI provider credential is not configured")
			return ReasonConfigurationError
		}
		s.logger.Warn().Err(err).Msg("upstream connect failed")
		s.sendError(protocol.Error{Code: protocol.CodeUpstreamError, Message: "Failed to connect to AI provider"})
		return ""
	}

	s.generation++
	s.adapter = startAdapter(s.ctx, conn, s.generation, s.events)
	s.setState(StateActive)
	s.logger.Info().Uint64("generation", s.generation).Msg("upstream session started")
	_ = s.send(protocol.TypeSessionStarted, protocol.SessionStarted{SessionID: s.sessionID})

	switch {
	case strings.TrimSpace(m.Message) != "":
		s.handleText(m.Message)
	case strings.TrimSpace(m.AudioData) != "":
		audio, err := turnbuf.DecodeAudio(m.AudioData)
		if err != nil {
			s.sendError(protocol.Error{Code: protocol.CodeInvalidAudio, Message: err.Error()})
			return ""
		}
		s.forwardAudioTurn(audio)
	}
	return ""
}

func (s *LiveSession) closeAdapter() {
	a := s.adapter
	if a == nil {
		return
	}
	s.adapter = nil
	a.stop()
}

func (s *LiveSession) handleText(text string) {
	if s.registry.Dedup.Check(s.sessionID, dedup.TextSignature(text)) {
		s.deny(protocol.CodeDuplicate, "Duplicate message ignored")
		return
	}
	tokens := estimate.TextTokens(text)
	if !s.admitBudget(tokens) {
		return
	}
	s.recordUsage(tokens, 0)

	if err := s.adapter.conn.SendText(s.ctx, text); err != nil {
		s.sendFailed(err)
	}
}

// handleAudioChunk buffers one chunk of the pending audio turn. Chunks are
// keyed uniquely, so they skip duplicate detection.
func (s *LiveSession) handleAudioChunk(chunk []byte) {
	if len(chunk) == 0 {
		s.sendError(protocol.Error{Code: protocol.CodeInvalidAudio, Message: "empty audio chunk"})
		return
	}
	if !s.admitBudget(estimate.AudioTokens(len(chunk))) {
		return
	}
	pending, err := s.registry.Turns.Append(s.sessionID, chunk)
	switch {
	case errors.Is(err, turnbuf.ErrTurnTooLarge):
		s.deny(protocol.CodeAudioTurnTooLarge, "Audio turn exceeds the maximum buffered size")
	case err != nil:
		s.logger.Error().Err(err).Msg("buffer audio chunk")
		s.sendError(protocol.Error{Code: protocol.CodeInternal, Message: "Failed to buffer audio"})
	default:
		s.metrics.RecordAudio("in", len(chunk))
		s.logger.Debug().Int("pending_bytes", pending).Msg("audio chunk buffered")
	}
}

func (s *LiveSession) handleTurnComplete() {
	audio, ok := s.registry.Turns.Flush(s.sessionID)
	if !ok {
		return
	}
	s.forwardAudioTurn(audio)
}

func (s *LiveSession) forwardAudioTurn(audio []byte) {
	if s.registry.Dedup.Check(s.sessionID, dedup.AudioSignature(audio)) {
		s.deny(protocol.CodeDuplicate, "Duplicate audio turn ignored")
		return
	}
	tokens := estimate.AudioTokens(len(audio))
	if !s.admitBudget(tokens) {
		return
	}
	s.recordUsage(tokens, 0)

	if err := s.adapter.conn.SendAudio(s.ctx, audio, s.audioMIME); err != nil {
		s.sendFailed(err)
	}
}

func (s *LiveSession) sendFailed(err error) {
	s.metrics.RecordUpstreamError("send")
	s.logger.Warn().Err(err).Msg("upstream send failed")
	s.sendError(protocol.Error{Code: protocol.CodeUpstreamSendFailed, Message: "Failed to forward to AI provider"})
}

// handleUpstream reacts to one provider event. A non-empty result closes the
// session.
func (s *LiveSession) handleUpstream(ev adapterEvent) string {
	if ev.err != nil {
		s.metrics.RecordUpstreamError("receive")
		if errors.Is(ev.err, upstream.ErrClosed) {
			s.logger.Info().Msg("upstream session closed")
		} else {
			s.logger.Warn().Err(ev.err).Msg("upstream receive failed")
		}
		s.sendFatal(protocol.CodeUpstreamError, "AI provider connection closed")
		return ReasonUpstreamClosed
	}

	switch ev.event.Kind {
	case upstream.EventText:
		if ev.event.Text == "" {
			return ""
		}
		s.recordUsage(0, estimate.TextTokens(ev.event.Text))
		_ = s.send(protocol.TypeText, protocol.Text{Content: ev.event.Text})
	case upstream.EventAudio:
		if len(ev.event.Audio) == 0 {
			return ""
		}
		mime := ev.event.MIMEType
		if mime == "" {
			mime = defaultOutputAudioMIME
		}
		s.recordUsage(0, estimate.AudioTokens(len(ev.event.Audio)))
		s.metrics.RecordAudio("out", len(ev.event.Audio))
		_ = s.send(protocol.TypeAudio, protocol.Audio{
			AudioData: base64.StdEncoding.EncodeToString(ev.event.Audio),
			MIMEType:  mime,
		})
	case upstream.EventTurnComplete:
		_ = s.send(protocol.TypeTurnCompleteAck, protocol.TurnCompleteAck{})
	case upstream.EventInterrupted:
		s.logger.Debug().Msg("upstream turn interrupted")
	case upstream.EventGoAway:
		s.logger.Info().Msg("upstream requested disconnect")
	}
	return ""
}

func (s *LiveSession) admitRate() bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Check(s.ctx, s.address)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rate limiter unavailable, admitting")
		return true
	}
	if d.Allowed {
		return true
	}
	s.metrics.RecordRateLimitHit()
	s.metrics.RecordDenial(string(protocol.CodeRateLimited))
	retry := d.RetryAfterSeconds()
	s.sendError(protocol.Error{Code: protocol.CodeRateLimited, Message: "Rate limit exceeded", RetryAfter: &retry})
	return false
}

func (s *LiveSession) admitBudget(tokens int) bool {
	d := s.registry.Budgets.CheckBudget(s.sessionID, tokens)
	if d.Allowed {
		return true
	}
	s.metrics.RecordDenial(d.Code)
	s.logger.Info().Str("code", d.Code).Int("estimated_tokens", tokens).Msg("budget denied")
	info := d.Info
	s.sendError(protocol.Error{Code: protocol.ErrorCode(d.Code), Message: d.Reason, BudgetInfo: &info})
	return false
}

func (s *LiveSession) recordUsage(in, out int) {
	b, ok := s.registry.Budgets.RecordUsage(s.sessionID, in, out)
	if !ok {
		return
	}
	s.metrics.RecordUsage(in, out, s.registry.Budgets.Limits().Pricing.Cost(in, out))
	if b.IsBlocked && out > 0 {
		s.logger.Debug().Int("total_tokens", b.TotalTokensUsed).Msg("session budget exhausted")
	}
}

func (s *LiveSession) deny(code protocol.ErrorCode, message string) {
	s.metrics.RecordDenial(string(code))
	s.sendError(protocol.Error{Code: code, Message: message})
}

// cleanup releases every piece of session state exactly once, in order.
func (s *LiveSession) cleanup(reason string) {
	s.setState(StateClosing)
	s.closeAdapter()

	if notifiesClient(reason) {
		if payload, err := protocol.Encode(protocol.TypeSessionClosed, protocol.SessionClosed{Reason: reason}); err == nil {
			_ = s.enqueueNormal(outboundFrame{payload: payload})
		}
	}

	final, _ := s.registry.Release(s.sessionID)
	ended := s.now()
	duration := final.Duration(ended)

	s.logger.Info().
		Str("reason", reason).
		Int("messages", final.MessageCount).
		Int("input_tokens", final.InputTokens).
		Int("output_tokens", final.OutputTokens).
		Int("total_tokens", final.TotalTokensUsed).
		Float64("cost_usd", final.TotalCost).
		Bool("blocked", final.IsBlocked).
		Dur("duration", duration).
		Msg("session closed")

	s.metrics.RecordSessionEnd(reason, duration)
	s.writeSummary(reason, final, ended)
	s.setState(StateClosed)
}

func (s *LiveSession) writeSummary(reason string, final budget.Budget, ended time.Time) {
	if s.sink == nil {
		return
	}
	rec := summary.NewRecord(s.sessionID, s.address, reason, final, ended)
	if err := s.sink.Write(context.Background(), rec); err != nil {
		s.logger.Warn().Err(err).Msg("write session summary")
	}
}

func (s *LiveSession) send(typ string, payload any) error {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{payload: data})
}

func (s *LiveSession) sendError(e protocol.Error) {
	if err := s.send(protocol.TypeError, e); err != nil {
		s.logger.Debug().Err(err).Str("code", string(e.Code)).Msg("send error envelope")
	}
}

// sendFatal queues a fatal error behind any output already streamed to the
// client.
func (s *LiveSession) sendFatal(code protocol.ErrorCode, message string) {
	data, err := protocol.Encode(protocol.TypeError, protocol.Error{Code: code, Message: message, Fatal: true})
	if err != nil {
		return
	}
	_ = s.enqueueNormal(outboundFrame{payload: data})
}

// enqueueNormal blocks while the queue is full so a slow client slows the
// session down instead of losing frames.
func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	case <-s.writerCtx.Done():
		return errWriterStopped
	}
}

func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	case <-s.writerCtx.Done():
		return errWriterStopped
	case <-time.After(s.writeTimeout()):
		return errBackpressure
	}
}

func (s *LiveSession) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 5 * time.Second
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}
