package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"github.com/vango-go/vai-relay/pkg/relay/upstream/upstreamtest"
)

const waitTimeout = 2 * time.Second

// fakeConn is an in-memory client socket.
type fakeConn struct {
	in     chan inboundFrame
	out    chan recordedWrite
	closed chan struct{}
	once   sync.Once
}

type recordedWrite struct {
	messageType int
	data        []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan inboundFrame, 64),
		out:    make(chan recordedWrite, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.messageType, f.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.out <- recordedWrite{messageType: messageType, data: append([]byte(nil), data...)}
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type serverEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type recordingSink struct {
	mu      sync.Mutex
	records []summary.Record
}

func (s *recordingSink) Write(_ context.Context, r summary.Record) error {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) all() []summary.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]summary.Record(nil), s.records...)
}

type harness struct {
	t        *testing.T
	conn     *fakeConn
	provider *upstreamtest.Provider
	registry *sessions.Registry
	sink     *recordingSink
	metrics  *metrics.Metrics
	sess     *LiveSession
	done     chan error
}

type harnessOptions struct {
	limits      budget.Limits
	rate        ratelimit.Config
	idleTimeout time.Duration
}

func defaultOptions() harnessOptions {
	return harnessOptions{
		limits: budget.Limits{
			DailyTokenLimit:       10000,
			PerRequestTokenLimit:  500,
			MaxMessagesPerSession: 100,
			Pricing:               estimate.Pricing{InputPerMTok: 0.5, OutputPerMTok: 2},
		},
		rate: ratelimit.Config{Window: time.Minute, MaxRequests: 600},
	}
}

func startHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		conn:     newFakeConn(),
		provider: upstreamtest.NewProvider(),
		registry: sessions.NewRegistry(budget.NewTracker(opts.limits), turnbuf.NewStore(16<<20), dedup.New(5*time.Second)),
		sink:     &recordingSink{},
		metrics:  metrics.New("test"),
		done:     make(chan error, 1),
	}
	sess, err := New(Dependencies{
		Conn:      h.conn,
		SessionID: "s_test",
		Address:   "203.0.113.7",
		Config: Config{
			PingInterval: time.Hour,
			WriteTimeout: time.Second,
			IdleTimeout:  opts.idleTimeout,
		},
		Logger:   zerolog.Nop(),
		Limiter:  ratelimit.New(opts.rate, nil),
		Registry: h.registry,
		Provider: h.provider,
		Metrics:  h.metrics,
		Sink:     h.sink,
	})
	require.NoError(t, err)
	h.sess = sess
	go func() { h.done <- sess.Run() }()
	t.Cleanup(func() {
		h.conn.Close()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			t.Errorf("session did not stop")
		}
	})

	connected := h.expect(protocol.TypeConnected)
	var c protocol.Connected
	require.NoError(t, json.Unmarshal(connected.Payload, &c))
	assert.Equal(t, "s_test", c.SessionID)
	assert.NotZero(t, c.Timestamp)
	return h
}

func (h *harness) sendJSON(typ string, payload any) {
	h.t.Helper()
	data, err := protocol.Encode(typ, payload)
	require.NoError(h.t, err)
	h.conn.in <- inboundFrame{messageType: websocket.TextMessage, data: data}
}

func (h *harness) sendRaw(data string) {
	h.conn.in <- inboundFrame{messageType: websocket.TextMessage, data: []byte(data)}
}

func (h *harness) next() serverEnvelope {
	h.t.Helper()
	select {
	case w := <-h.conn.out:
		var env serverEnvelope
		require.NoError(h.t, json.Unmarshal(w.data, &env), "frame %s", w.data)
		return env
	case <-time.After(waitTimeout):
		h.t.Fatalf("timed out waiting for server frame")
		return serverEnvelope{}
	}
}

func (h *harness) expect(typ string) serverEnvelope {
	h.t.Helper()
	env := h.next()
	require.Equal(h.t, typ, env.Type, "payload %s", env.Payload)
	return env
}

func (h *harness) expectError(code protocol.ErrorCode) protocol.Error {
	h.t.Helper()
	env := h.expect(protocol.TypeError)
	var e protocol.Error
	require.NoError(h.t, json.Unmarshal(env.Payload, &e))
	require.Equal(h.t, code, e.Code, "message %q", e.Message)
	return e
}

func (h *harness) expectClosed(reason string) {
	h.t.Helper()
	env := h.expect(protocol.TypeSessionClosed)
	var c protocol.SessionClosed
	require.NoError(h.t, json.Unmarshal(env.Payload, &c))
	require.Equal(h.t, reason, c.Reason)
}

func (h *harness) wait() {
	h.t.Helper()
	select {
	case err := <-h.done:
		require.NoError(h.t, err)
		h.done <- nil
	case <-time.After(waitTimeout):
		h.t.Fatalf("session did not finish")
	}
}

func (h *harness) start() *upstreamtest.Conn {
	h.t.Helper()
	h.sendJSON(protocol.TypeStart, protocol.Start{})
	up, ok := h.provider.NextConn(waitTimeout)
	require.True(h.t, ok, "expected upstream connect")
	h.expect(protocol.TypeSessionStarted)
	return up
}

func (h *harness) budget() budget.Budget {
	h.t.Helper()
	b, ok := h.registry.Budgets.Snapshot("s_test")
	require.True(h.t, ok)
	return b
}

func TestSession_TextExchange(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: "hello"})
	sent, ok := up.NextSent(waitTimeout)
	require.True(t, ok)
	assert.Equal(t, "hello", sent.Text)

	up.Push(upstream.Event{Kind: upstream.EventText, Text: "hi there"})
	env := h.expect(protocol.TypeText)
	var text protocol.Text
	require.NoError(t, json.Unmarshal(env.Payload, &text))
	assert.Equal(t, "hi there", text.Content)

	up.Push(upstream.Event{Kind: upstream.EventTurnComplete})
	h.expect(protocol.TypeTurnCompleteAck)

	b := h.budget()
	assert.Equal(t, 1, b.MessageCount)
	assert.Equal(t, 2, b.InputTokens)
	assert.Equal(t, 2, b.OutputTokens)
	assert.Equal(t, 4, b.TotalTokensUsed)
	assert.InDelta(t, 2*0.5/1e6+2*2.0/1e6, b.TotalCost, 1e-12)
}

func TestSession_StartForwardsInitialMessage(t *testing.T) {
	h := startHarness(t, defaultOptions())
	lead := json.RawMessage(`{"name":"Ada"}`)
	h.sendJSON(protocol.TypeStart, protocol.Start{Message: "first", LeadContext: lead})

	up, ok := h.provider.NextConn(waitTimeout)
	require.True(t, ok)
	assert.JSONEq(t, string(lead), string(up.Opts.LeadContext))
	assert.Equal(t, "s_test", up.Opts.SessionID)
	h.expect(protocol.TypeSessionStarted)

	sent, ok := up.NextSent(waitTimeout)
	require.True(t, ok)
	assert.Equal(t, "first", sent.Text)
}

func TestSession_RequiresStart(t *testing.T) {
	h := startHarness(t, defaultOptions())

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: "hello"})
	h.expectError(protocol.CodeSessionNotStarted)
	h.sendJSON(protocol.TypeTurnComplete, nil)
	h.expectError(protocol.CodeSessionNotStarted)
	assert.Empty(t, h.provider.Conns())
}

func TestSession_UnknownAndMalformedAreNonFatal(t *testing.T) {
	h := startHarness(t, defaultOptions())

	h.sendRaw(`{"type":"teleport","payload":{}}`)
	e := h.expectError(protocol.CodeUnknownType)
	assert.Equal(t, "Unknown message type: teleport", e.Message)
	assert.False(t, e.Fatal)

	h.sendRaw(`not json`)
	h.expectError(protocol.CodeInvalidMessage)

	h.sendJSON(protocol.TypePing, nil)
	h.expect(protocol.TypePong)
}

func TestSession_RateLimitSparesPing(t *testing.T) {
	opts := defaultOptions()
	opts.rate.MaxRequests = 1
	h := startHarness(t, opts)
	h.start()

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: "hello"})
	e := h.expectError(protocol.CodeRateLimited)
	require.NotNil(t, e.RetryAfter)
	assert.GreaterOrEqual(t, *e.RetryAfter, 1)

	h.sendJSON(protocol.TypePing, nil)
	h.expect(protocol.TypePong)
}

func TestSession_DuplicateTextSuppressed(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: "same"})
	_, ok := up.NextSent(waitTimeout)
	require.True(t, ok)

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: "same"})
	h.expectError(protocol.CodeDuplicate)

	assert.Len(t, up.Sent(), 1)
	assert.Equal(t, 1, h.budget().MessageCount)
}

func TestSession_DuplicateAudioTurnSuppressed(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	sendTurn := func() {
		for i, n := range []int{1000, 2000} {
			chunk := make([]byte, n)
			for j := range chunk {
				chunk[j] = byte(i + 7)
			}
			h.sendJSON(protocol.TypeUserAudio, protocol.UserAudio{AudioData: base64.StdEncoding.EncodeToString(chunk)})
		}
		h.sendJSON(protocol.TypeTurnComplete, nil)
	}

	sendTurn()
	_, ok := up.NextSent(waitTimeout)
	require.True(t, ok)
	before := h.budget()
	assert.Equal(t, 1, before.MessageCount)

	sendTurn()
	h.expectError(protocol.CodeDuplicate)

	after := h.budget()
	assert.Len(t, up.Sent(), 1)
	assert.Equal(t, before.InputTokens, after.InputTokens)
	assert.Equal(t, before.TotalTokensUsed, after.TotalTokensUsed)
	assert.Equal(t, before.MessageCount, after.MessageCount)
	assert.Zero(t, h.registry.Turns.Len("s_test"))
}

func TestSession_TextEstimateCountsCharacters(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	message := strings.Repeat("é", 1600)
	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: message})
	sent, ok := up.NextSent(waitTimeout)
	require.True(t, ok)
	assert.Equal(t, message, sent.Text)

	b := h.budget()
	assert.Equal(t, 400, b.InputTokens)
	assert.Equal(t, 1, b.MessageCount)
}

func TestSession_RequestTooLarge(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: strings.Repeat("a", 2100)})
	e := h.expectError(protocol.ErrorCode(budget.CodeRequestTooLarge))
	assert.Equal(t, "Request exceeds token limit: 525 > 500", e.Message)
	require.NotNil(t, e.BudgetInfo)
	assert.Equal(t, 10000, e.BudgetInfo.RemainingTokens)

	assert.Empty(t, up.Sent())
	assert.Zero(t, h.budget().TotalTokensUsed)
}

func TestSession_AudioTurnMergedOnTurnComplete(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	var want []byte
	for i, n := range []int{1000, 2000, 500} {
		chunk := make([]byte, n)
		for j := range chunk {
			chunk[j] = byte(i + 1)
		}
		want = append(want, chunk...)
		h.sendJSON(protocol.TypeUserAudio, protocol.UserAudio{
			AudioData: base64.StdEncoding.EncodeToString(chunk),
			MIMEType:  "audio/pcm;rate=16000",
		})
	}
	h.sendJSON(protocol.TypeTurnComplete, nil)

	sent, ok := up.NextSent(waitTimeout)
	require.True(t, ok)
	assert.Equal(t, want, sent.Audio)
	assert.Equal(t, "audio/pcm;rate=16000", sent.MIMEType)

	b := h.budget()
	assert.Equal(t, 4, b.InputTokens)
	assert.Equal(t, 1, b.MessageCount)
	assert.Zero(t, h.registry.Turns.Len("s_test"))

	// An empty turn is a no-op.
	h.sendJSON(protocol.TypeTurnComplete, nil)
	h.sendJSON(protocol.TypePing, nil)
	h.expect(protocol.TypePong)
	assert.Len(t, up.Sent(), 1)
}

func TestSession_BinaryFramesAreAudioChunks(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	h.conn.in <- inboundFrame{messageType: websocket.BinaryMessage, data: []byte{1, 2, 3, 4}}
	h.sendJSON(protocol.TypeTurnComplete, nil)

	sent, ok := up.NextSent(waitTimeout)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, sent.Audio)
	assert.Equal(t, "audio/pcm;rate=16000", sent.MIMEType)
}

func TestSession_InvalidAudio(t *testing.T) {
	h := startHarness(t, defaultOptions())
	h.start()

	h.sendJSON(protocol.TypeUserAudio, protocol.UserAudio{AudioData: "!!!not-base64!!!"})
	h.expectError(protocol.CodeInvalidAudio)
	assert.Zero(t, h.registry.Turns.Len("s_test"))
}

func TestSession_UpstreamAudioStreamsBack(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	up.Push(upstream.Event{Kind: upstream.EventAudio, Audio: make([]byte, 2400), MIMEType: "audio/pcm;rate=24000"})
	env := h.expect(protocol.TypeAudio)
	var audio protocol.Audio
	require.NoError(t, json.Unmarshal(env.Payload, &audio))
	decoded, err := base64.StdEncoding.DecodeString(audio.AudioData)
	require.NoError(t, err)
	assert.Len(t, decoded, 2400)
	assert.Equal(t, "audio/pcm;rate=24000", audio.MIMEType)
	assert.Equal(t, 3, h.budget().OutputTokens)
}

func TestSession_OutputAccountingBlocksSession(t *testing.T) {
	opts := defaultOptions()
	opts.limits.DailyTokenLimit = 10
	opts.limits.PerRequestTokenLimit = 10
	h := startHarness(t, opts)
	up := h.start()

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: "hello"})
	_, ok := up.NextSent(waitTimeout)
	require.True(t, ok)

	up.Push(upstream.Event{Kind: upstream.EventText, Text: strings.Repeat("x", 40)})
	h.expect(protocol.TypeText)
	assert.True(t, h.budget().IsBlocked)

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: "again"})
	e := h.expectError(protocol.ErrorCode(budget.CodeBlocked))
	assert.Equal(t, "Session blocked due to budget limits", e.Message)
	require.NotNil(t, e.BudgetInfo)
	assert.True(t, e.BudgetInfo.IsBlocked)
}

func TestSession_MissingCredentialIsFatal(t *testing.T) {
	h := startHarness(t, defaultOptions())
	h.provider.FailConnect(upstream.ErrMissingCredential)

	h.sendJSON(protocol.TypeStart, protocol.Start{})
	e := h.expectError(protocol.CodeConfiguration)
	assert.True(t, e.Fatal)
	h.expectClosed(ReasonConfigurationError)
	h.wait()

	assert.False(t, h.registry.Holds("s_test"))
	assert.Equal(t, StateClosed, h.sess.State())
	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, ReasonConfigurationError, records[0].Reason)
}

func TestSession_ConnectFailureIsRetryable(t *testing.T) {
	h := startHarness(t, defaultOptions())
	h.provider.FailConnect(errors.New("dial tcp: refused"))

	h.sendJSON(protocol.TypeStart, protocol.Start{})
	e := h.expectError(protocol.CodeUpstreamError)
	assert.False(t, e.Fatal)
	assert.Equal(t, StateConnecting, h.sess.State())

	h.provider.FailConnect(nil)
	h.start()
	assert.Equal(t, StateActive, h.sess.State())
}

func TestSession_UpstreamCloseEndsSession(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	up.Fail(errors.New("stream reset"))
	e := h.expectError(protocol.CodeUpstreamError)
	assert.True(t, e.Fatal)
	h.expectClosed(ReasonUpstreamClosed)
	h.wait()

	assert.True(t, up.IsClosed())
	assert.False(t, h.registry.Holds("s_test"))
}

func TestSession_UpstreamCloseDeliversStreamedOutput(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	const fragments = 60
	for i := 0; i < fragments; i++ {
		up.Push(upstream.Event{Kind: upstream.EventText, Text: fmt.Sprintf("part-%02d", i)})
	}
	up.Fail(errors.New("stream reset"))

	for i := 0; i < fragments; i++ {
		env := h.expect(protocol.TypeText)
		var text protocol.Text
		require.NoError(t, json.Unmarshal(env.Payload, &text))
		require.Equal(t, fmt.Sprintf("part-%02d", i), text.Content)
	}
	e := h.expectError(protocol.CodeUpstreamError)
	assert.True(t, e.Fatal)
	h.expectClosed(ReasonUpstreamClosed)
	h.wait()

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, fragments*2, records[0].OutputTokens)
}

func TestSession_SecondStartReplacesUpstream(t *testing.T) {
	h := startHarness(t, defaultOptions())
	first := h.start()
	second := h.start()

	assert.True(t, first.IsClosed())
	assert.False(t, second.IsClosed())
	assert.Len(t, h.provider.Conns(), 2)

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: "to second"})
	sent, ok := second.NextSent(waitTimeout)
	require.True(t, ok)
	assert.Equal(t, "to second", sent.Text)
	assert.Empty(t, first.Sent())
}

func TestSession_SendFailureIsNonFatal(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()
	up.FailSends(errors.New("broken pipe"))

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: "hello"})
	h.expectError(protocol.CodeUpstreamSendFailed)
	h.sendJSON(protocol.TypePing, nil)
	h.expect(protocol.TypePong)
}

func TestSession_ClientCloseCleansUp(t *testing.T) {
	h := startHarness(t, defaultOptions())
	up := h.start()

	h.sendJSON(protocol.TypeUserMessage, protocol.UserMessage{Message: "hello"})
	_, ok := up.NextSent(waitTimeout)
	require.True(t, ok)

	h.conn.Close()
	h.wait()

	assert.True(t, up.IsClosed())
	assert.False(t, h.registry.Holds("s_test"))
	assert.Equal(t, 0, h.registry.Budgets.Len())
	assert.Equal(t, 0, h.registry.Turns.Sessions())
	assert.Equal(t, 0, h.registry.Dedup.Sessions())

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, ReasonClientClosed, records[0].Reason)
	assert.Equal(t, 2, records[0].InputTokens)
	assert.Equal(t, 1, records[0].MessageCount)
}

func TestSession_CancelSendsShutdown(t *testing.T) {
	h := startHarness(t, defaultOptions())
	h.start()

	require.NoError(t, h.sess.SendWarning(string(protocol.CodeShuttingDown), "server is draining"))
	h.expectError(protocol.CodeShuttingDown)

	h.sess.Cancel()
	h.expectClosed(ReasonShutdown)
	h.wait()
}

func TestSession_IdleTimeout(t *testing.T) {
	opts := defaultOptions()
	opts.idleTimeout = 50 * time.Millisecond
	h := startHarness(t, opts)

	h.expectClosed(ReasonIdleTimeout)
	h.wait()
	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, ReasonIdleTimeout, records[0].Reason)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Dependencies{})
	assert.EqualError(t, err, "connection is required")

	_, err = New(Dependencies{Conn: newFakeConn()})
	assert.EqualError(t, err, "session id is required")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}
