// Package server wires the relay's HTTP routes and middleware.
package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vango-go/vai-relay/pkg/relay/budget"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/dedup"
	"github.com/vango-go/vai-relay/pkg/relay/handlers"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/live/session"
	"github.com/vango-go/vai-relay/pkg/relay/live/sessions"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
	"github.com/vango-go/vai-relay/pkg/relay/ratelimit"
	"github.com/vango-go/vai-relay/pkg/relay/summary"
	"github.com/vango-go/vai-relay/pkg/relay/turnbuf"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

// Dependencies are the collaborators built by the command. Nil fields fall
// back to in-process defaults.
type Dependencies struct {
	Config    config.Config
	Logger    zerolog.Logger
	Provider  upstream.Provider
	Limiter   session.Limiter
	Sink      summary.Sink
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
}

type Server struct {
	cfg    config.Config
	logger zerolog.Logger
	mux    *http.ServeMux

	registry  *sessions.Registry
	provider  upstream.Provider
	limiter   session.Limiter
	sink      summary.Sink
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
}

func New(deps Dependencies) *Server {
	cfg := deps.Config
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Config{
			Window:      cfg.RateLimitWindow,
			MaxRequests: cfg.RateLimitMaxRequests,
		}, nil)
	}
	if deps.Sink == nil {
		deps.Sink = summary.LogSink{Logger: deps.Logger}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("")
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = lifecycle.New(time.Now())
	}

	s := &Server{
		cfg:    cfg,
		logger: deps.Logger,
		mux:    http.NewServeMux(),
		registry: sessions.NewRegistry(
			budget.NewTracker(cfg.BudgetLimits()),
			turnbuf.NewStore(cfg.MaxTurnAudioBytes),
			dedup.New(cfg.DuplicateWindow),
		),
		provider:  deps.Provider,
		limiter:   deps.Limiter,
		sink:      deps.Sink,
		metrics:   deps.Metrics,
		lifecycle: deps.Lifecycle,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	health := handlers.HealthHandler{Lifecycle: s.lifecycle, Sessions: s.registry.Live}
	s.mux.Handle("/health", health)
	s.mux.Handle("/healthz", health)
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())

	live := handlers.LiveHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Limiter:   s.limiter,
		Registry:  s.registry,
		Provider:  s.provider,
		Metrics:   s.metrics,
		Sink:      s.sink,
		Lifecycle: s.lifecycle,
	}
	s.mux.Handle("/ws", live)
	s.mux.Handle("/v1/live", live)
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Sessions is the tracker of live connections, used for drain.
func (s *Server) Sessions() *sessions.Tracker { return s.registry.Live }

func (s *Server) Registry() *sessions.Registry { return s.registry }

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }
