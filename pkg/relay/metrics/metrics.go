package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Inbound envelopes by type
	EnvelopesTotal *prometheus.CounterVec

	// Usage metrics
	TokensTotal     *prometheus.CounterVec
	CostUSDTotal    prometheus.Counter
	AudioBytesTotal *prometheus.CounterVec

	// Admission metrics
	DenialsTotal  *prometheus.CounterVec
	RateLimitHits prometheus.Counter

	// Upstream metrics
	UpstreamErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_relay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of open relay sessions",
	})

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of closed relay sessions",
		},
		[]string{"reason"},
	)

	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Relay session duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	envelopesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Total inbound client envelopes",
		},
		[]string{"type"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Estimated tokens accounted",
		},
		[]string{"direction"},
	)

	costUSDTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cost_usd_total",
		Help:      "Estimated cost in USD",
	})

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed",
		},
		[]string{"direction"},
	)

	denialsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denials_total",
			Help:      "Requests rejected before reaching the provider",
		},
		[]string{"code"},
	)

	rateLimitHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_hits_total",
		Help:      "Total number of rate limit denials",
	})

	upstreamErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream provider failures",
		},
		[]string{"stage"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		envelopesTotal,
		tokensTotal,
		costUSDTotal,
		audioBytesTotal,
		denialsTotal,
		rateLimitHits,
		upstreamErrorsTotal,
	)

	return &Metrics{
		registry:            registry,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		SessionDuration:     sessionDuration,
		EnvelopesTotal:      envelopesTotal,
		TokensTotal:         tokensTotal,
		CostUSDTotal:        costUSDTotal,
		AudioBytesTotal:     audioBytesTotal,
		DenialsTotal:        denialsTotal,
		RateLimitHits:       rateLimitHits,
		UpstreamErrorsTotal: upstreamErrorsTotal,
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordEnvelope(typ string) {
	if m == nil {
		return
	}
	m.EnvelopesTotal.WithLabelValues(typ).Inc()
}

// RecordUsage records accounted tokens and cost.
func (m *Metrics) RecordUsage(inputTokens, outputTokens int, costUSD float64) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
	if costUSD > 0 {
		m.CostUSDTotal.Add(costUSD)
	}
}

// RecordAudio records audio bytes; direction is "in" or "out".
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordDenial(code string) {
	if m == nil {
		return
	}
	m.DenialsTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordRateLimitHit() {
	if m == nil {
		return
	}
	m.RateLimitHits.Inc()
}

// RecordUpstreamError records a provider failure at stage connect, send or
// receive.
func (m *Metrics) RecordUpstreamError(stage string) {
	if m == nil {
		return
	}
	m.UpstreamErrorsTotal.WithLabelValues(stage).Inc()
}
