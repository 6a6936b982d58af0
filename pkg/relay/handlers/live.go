package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/live/session"
	"github.com/vango-go/vai-relay/pkg/relay/live/sessions"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
	"github.com/vango-go/vai-relay/pkg/relay/principal"
	"github.com/vango-go/vai-relay/pkg/relay/summary"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

// LiveHandler upgrades /ws (and /v1/live) to a relay session.
type LiveHandler struct {
	Config    config.Config
	Logger    zerolog.Logger
	Limiter   session.Limiter
	Registry  *sessions.Registry
	Provider  upstream.Provider
	Metrics   *metrics.Metrics
	Sink      summary.Sink
	Lifecycle *lifecycle.Lifecycle
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		mw.WriteJSONError(w, r, http.StatusServiceUnavailable, "draining", "relay is draining")
		return
	}
	if !h.originAllowed(r) {
		mw.WriteJSONError(w, r, http.StatusForbidden, "origin_not_allowed", "origin is not allowed")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	sessionID := "s_" + uuid.NewString()
	address := principal.Address(r, h.Config.TrustProxyHeaders)
	logger := h.Logger.With().Str("request_id", reqID).Logger()

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		SessionID: sessionID,
		Address:   address,
		Config: session.Config{
			PingInterval:           h.Config.WSPingInterval,
			WriteTimeout:           h.Config.WSWriteTimeout,
			IdleTimeout:            h.Config.IdleTimeout,
			UpstreamConnectTimeout: h.Config.UpstreamConnectTimeout,
			OutboundQueueSize:      h.Config.OutboundQueueSize,
			DefaultAudioMIME:       h.Config.DefaultAudioMIME,
		},
		Logger:   logger,
		Limiter:  h.Limiter,
		Registry: h.Registry,
		Provider: h.Provider,
		Metrics:  h.Metrics,
		Sink:     h.Sink,
	})
	if err != nil {
		logger.Error().Err(err).Msg("init live session")
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"), time.Now().Add(time.Second))
		return
	}

	release := h.Registry.Live.Register(sessionID, sessions.Handle{
		Address:   address,
		StartedAt: time.Now(),
		Cancel:    s.Cancel,
		Warn:      s.SendWarning,
	})
	defer release()

	if err := s.Run(); err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("live session ended with error")
	}
}

// originAllowed accepts requests without an Origin header. An empty
// allowlist accepts every origin.
func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.AllowedOrigins) == 0 {
		return true
	}
	_, ok := h.Config.AllowedOrigins[origin]
	return ok
}
