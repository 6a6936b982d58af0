package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/live/sessions"
)

// HealthHandler reports liveness and the number of open connections.
type HealthHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Now       func() time.Time
}

type healthResp struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Timestamp     string `json:"timestamp"`
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	if h.Now != nil {
		now = h.Now()
	}
	writeJSON(w, http.StatusOK, healthResp{
		Status:        "ok",
		Connections:   h.Sessions.Count(),
		UptimeSeconds: int64(h.Lifecycle.Uptime(now) / time.Second),
		Timestamp:     now.UTC().Format(time.RFC3339),
	})
}

// ReadyHandler fails while draining or when the configuration cannot serve
// sessions.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

type readyResp struct {
	OK               bool     `json:"ok"`
	Draining         bool     `json:"draining"`
	RateLimitBackend string   `json:"rate_limit_backend"`
	SummarySink      string   `json:"summary_sink"`
	Issues           []string `json:"issues,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var issues, warnings []string
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	// Sessions still connect without a credential; start fails per session.
	if h.Config.GeminiAPIKey == "" {
		warnings = append(warnings, "provider credential is not configured")
	}

	sink := "log"
	if h.Config.DatabaseURL != "" {
		sink = "postgres"
	}
	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:               ok,
		Draining:         draining,
		RateLimitBackend: h.Config.RateLimitBackend,
		SummarySink:      sink,
		Issues:           issues,
		Warnings:         warnings,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
