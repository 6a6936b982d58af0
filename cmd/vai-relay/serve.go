package main

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/live/protocol"
	"github.com/vango-go/vai-relay/pkg/relay/ratelimit"
	relayserver "github.com/vango-go/vai-relay/pkg/relay/server"
	"github.com/vango-go/vai-relay/pkg/relay/summary"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

const (
	summaryWriteTimeout = 5 * time.Second
	forcedCancelWait    = 5 * time.Second
)

type relayDeps struct {
	loadConfig  func() (config.Config, error)
	newProvider func(config.Config) upstream.Provider
	newLimiter  func(context.Context, config.Config, zerolog.Logger) (*ratelimit.Limiter, func(), error)
	newSink     func(context.Context, config.Config, zerolog.Logger) (summary.Sink, func(), error)
	migrate     func(context.Context, string) error
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:  config.LoadFromEnv,
		newProvider: newGeminiProvider,
		newLimiter:  newLimiter,
		newSink:     newSummarySink,
		migrate:     summary.Migrate,
	}
}

func newGeminiProvider(cfg config.Config) upstream.Provider {
	return upstream.NewGeminiProvider(upstream.GeminiConfig{
		APIKey:            cfg.GeminiAPIKey,
		Model:             cfg.GeminiModel,
		ResponseModality:  cfg.ResponseModality,
		VoiceName:         cfg.VoiceName,
		SystemInstruction: cfg.SystemInstruction,
		ConnectTimeout:    cfg.UpstreamConnectTimeout,
	})
}

func newLimiter(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*ratelimit.Limiter, func(), error) {
	rlCfg := ratelimit.Config{Window: cfg.RateLimitWindow, MaxRequests: cfg.RateLimitMaxRequests}
	if cfg.RateLimitBackend != config.RateLimitBackendRedis {
		return ratelimit.New(rlCfg, nil), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse VAI_RELAY_REDIS_URL")
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Checks fail open, so an unreachable redis degrades to no limiting.
		logger.Warn().Err(err).Msg("redis rate limit backend unreachable at startup")
	}
	backend := ratelimit.NewRedisBackend(client, cfg.RedisKeyPrefix)
	return ratelimit.New(rlCfg, backend), func() { _ = client.Close() }, nil
}

func newSummarySink(ctx context.Context, cfg config.Config, logger zerolog.Logger) (summary.Sink, func(), error) {
	sinks := summary.Multi{summary.LogSink{Logger: logger}}
	var pg *summary.PostgresSink
	if cfg.DatabaseURL != "" {
		var err error
		pg, err = summary.NewPostgresSink(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open summary store")
		}
		sinks = append(sinks, pg)
	}

	async := summary.NewAsyncSink(sinks, cfg.SummaryWorkers, summaryWriteTimeout, logger)
	closeFn := func() {
		async.Close()
		if pg != nil {
			pg.Close()
		}
	}
	return async, closeFn, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil || deps.newProvider == nil || deps.newLimiter == nil || deps.newSink == nil {
		return errors.New("missing relay dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logger := newLogger(cfg, stderr)
	if cfg.GeminiAPIKey == "" {
		logger.Warn().Msg("provider credential is not configured; sessions will fail to start")
	}

	limiter, closeLimiter, err := deps.newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	sink, closeSink, err := deps.newSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	srv := relayserver.New(relayserver.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Provider: deps.newProvider(cfg),
		Limiter:  limiter,
		Sink:     sink,
	})
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info().
		Str("addr", cfg.Addr).
		Str("rate_limit_backend", cfg.RateLimitBackend).
		Str("model", cfg.GeminiModel).
		Msg("starting relay")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return drain(logger, cfg, srv, httpSrv)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().Msg("relay stopped")
	return nil
}

// drain stops accepting sessions, warns the open ones, and cancels whatever
// is still running after the grace period.
func drain(logger zerolog.Logger, cfg config.Config, srv *relayserver.Server, httpSrv *http.Server) error {
	srv.Lifecycle().SetDraining(true)
	warned := srv.Sessions().WarnAll(string(protocol.CodeShuttingDown), "relay is shutting down")
	logger.Info().Int("sessions", warned).Msg("draining relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, "shutdown http server")
	}

	if srv.Sessions().Wait(shutdownCtx) {
		return nil
	}
	canceled := srv.Sessions().CancelAll()
	logger.Warn().Int("sessions", canceled).Msg("grace period elapsed; cancelling sessions")

	waitCtx, waitCancel := context.WithTimeout(context.Background(), forcedCancelWait)
	defer waitCancel()
	if !srv.Sessions().Wait(waitCtx) {
		logger.Error().Int("sessions", srv.Sessions().Count()).Msg("sessions did not exit after cancel")
	}
	return nil
}
