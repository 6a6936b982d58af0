package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/budget"
	"github.com/vango-go/vai-relay/pkg/relay/estimate"
)

const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"

	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

type Config struct {
	Addr              string
	TrustProxyHeaders bool
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins map[string]struct{}

	DailyTokenLimit       int
	PerRequestTokenLimit  int
	MaxMessagesPerSession int
	InputCostPerMTok      float64
	OutputCostPerMTok     float64

	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
	RateLimitBackend     string
	RedisURL             string
	RedisKeyPrefix       string

	DuplicateWindow   time.Duration
	MaxTurnAudioBytes int
	DefaultAudioMIME  string

	// IdleTimeout closes sessions with no inbound envelope for the duration.
	// Zero disables expiry.
	IdleTimeout       time.Duration
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	WSMaxMessageBytes int64
	OutboundQueueSize int

	GeminiAPIKey           string
	GeminiModel            string
	ResponseModality       string
	VoiceName              string
	SystemInstruction      string
	UpstreamConnectTimeout time.Duration

	DatabaseURL    string
	SummaryWorkers int

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel  string
	LogFormat string
}

func (c Config) BudgetLimits() budget.Limits {
	return budget.Limits{
		DailyTokenLimit:       c.DailyTokenLimit,
		PerRequestTokenLimit:  c.PerRequestTokenLimit,
		MaxMessagesPerSession: c.MaxMessagesPerSession,
		Pricing: estimate.Pricing{
			InputPerMTok:  c.InputCostPerMTok,
			OutputPerMTok: c.OutputCostPerMTok,
		},
	}
}

func LoadFromEnv() (Config, error) {
	defaults := BuiltinDefaults()
	if path := strings.TrimSpace(os.Getenv("VAI_RELAY_CONFIG_FILE")); path != "" {
		if err := LoadFile(path, &defaults); err != nil {
			return Config{}, err
		}
	}

	addr := envOr("VAI_RELAY_ADDR", "")
	if addr == "" {
		if port := envOr("PORT", ""); port != "" {
			addr = ":" + port
		} else {
			addr = ":8080"
		}
	}

	cfg := Config{
		Addr:                   addr,
		TrustProxyHeaders:      envBoolOr("VAI_RELAY_TRUST_PROXY_HEADERS", false),
		AllowedOrigins:         make(map[string]struct{}),
		DailyTokenLimit:        envIntOr("VAI_RELAY_DAILY_TOKEN_LIMIT", defaults.Budget.DailyTokenLimit),
		PerRequestTokenLimit:   envIntOr("VAI_RELAY_PER_REQUEST_TOKEN_LIMIT", defaults.Budget.PerRequestTokenLimit),
		MaxMessagesPerSession:  envIntOr("VAI_RELAY_MAX_MESSAGES_PER_SESSION", defaults.Budget.MaxMessagesPerSession),
		InputCostPerMTok:       envFloat64Or("VAI_RELAY_INPUT_COST_PER_MTOK", defaults.Budget.Pricing.InputPerMTok),
		OutputCostPerMTok:      envFloat64Or("VAI_RELAY_OUTPUT_COST_PER_MTOK", defaults.Budget.Pricing.OutputPerMTok),
		RateLimitWindow:        envDurationOr("VAI_RELAY_RATE_LIMIT_WINDOW", defaults.RateLimit.Window),
		RateLimitMaxRequests:   envIntOr("VAI_RELAY_RATE_LIMIT_MAX_REQUESTS", defaults.RateLimit.MaxRequests),
		RateLimitBackend:       strings.ToLower(envOr("VAI_RELAY_RATE_LIMIT_BACKEND", RateLimitBackendMemory)),
		RedisURL:               envOr("VAI_RELAY_REDIS_URL", ""),
		RedisKeyPrefix:         envOr("VAI_RELAY_REDIS_KEY_PREFIX", "vai-relay:ratelimit"),
		DuplicateWindow:        envDurationOr("VAI_RELAY_DUPLICATE_WINDOW", defaults.DuplicateWindow),
		MaxTurnAudioBytes:      envIntOr("VAI_RELAY_MAX_TURN_AUDIO_BYTES", 16<<20), // 16 MiB
		DefaultAudioMIME:       envOr("VAI_RELAY_DEFAULT_AUDIO_MIME", "audio/pcm;rate=16000"),
		IdleTimeout:            envDurationOr("VAI_RELAY_IDLE_TIMEOUT", 0),
		WSPingInterval:         envDurationOr("VAI_RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:         envDurationOr("VAI_RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSMaxMessageBytes:      envInt64Or("VAI_RELAY_WS_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		OutboundQueueSize:      envIntOr("VAI_RELAY_OUTBOUND_QUEUE_SIZE", 256),
		GeminiAPIKey:           envOr("VAI_RELAY_GEMINI_API_KEY", envOr("GEMINI_API_KEY", envOr("GOOGLE_API_KEY", ""))),
		GeminiModel:            envOr("VAI_RELAY_GEMINI_MODEL", "gemini-2.0-flash-live-001"),
		ResponseModality:       strings.ToLower(envOr("VAI_RELAY_RESPONSE_MODALITY", "audio")),
		VoiceName:              envOr("VAI_RELAY_VOICE_NAME", ""),
		SystemInstruction:      envOr("VAI_RELAY_SYSTEM_INSTRUCTION", defaults.SystemInstruction),
		UpstreamConnectTimeout: envDurationOr("VAI_RELAY_UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		DatabaseURL:            envOr("VAI_RELAY_DATABASE_URL", envOr("DATABASE_URL", "")),
		SummaryWorkers:         envIntOr("VAI_RELAY_SUMMARY_WORKERS", 4),
		ReadHeaderTimeout:      envDurationOr("VAI_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("VAI_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:               strings.ToLower(envOr("VAI_RELAY_LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(envOr("VAI_RELAY_LOG_FORMAT", LogFormatJSON)),
	}

	for _, origin := range splitCSV(os.Getenv("VAI_RELAY_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every limit. The provider credential is intentionally not
// required here: a missing credential fails session bootstrap, not startup.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("VAI_RELAY_ADDR must not be empty")
	}
	if c.DailyTokenLimit <= 0 {
		return fmt.Errorf("VAI_RELAY_DAILY_TOKEN_LIMIT must be > 0")
	}
	if c.PerRequestTokenLimit <= 0 {
		return fmt.Errorf("VAI_RELAY_PER_REQUEST_TOKEN_LIMIT must be > 0")
	}
	if c.MaxMessagesPerSession <= 0 {
		return fmt.Errorf("VAI_RELAY_MAX_MESSAGES_PER_SESSION must be > 0")
	}
	if c.InputCostPerMTok < 0 {
		return fmt.Errorf("VAI_RELAY_INPUT_COST_PER_MTOK must be >= 0")
	}
	if c.OutputCostPerMTok < 0 {
		return fmt.Errorf("VAI_RELAY_OUTPUT_COST_PER_MTOK must be >= 0")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("VAI_RELAY_RATE_LIMIT_WINDOW must be > 0")
	}
	if c.RateLimitMaxRequests < 0 {
		return fmt.Errorf("VAI_RELAY_RATE_LIMIT_MAX_REQUESTS must be >= 0")
	}
	switch c.RateLimitBackend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("VAI_RELAY_REDIS_URL must be set when VAI_RELAY_RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("VAI_RELAY_RATE_LIMIT_BACKEND must be one of memory|redis")
	}
	if c.DuplicateWindow <= 0 {
		return fmt.Errorf("VAI_RELAY_DUPLICATE_WINDOW must be > 0")
	}
	if c.MaxTurnAudioBytes < 0 {
		return fmt.Errorf("VAI_RELAY_MAX_TURN_AUDIO_BYTES must be >= 0")
	}
	if strings.TrimSpace(c.DefaultAudioMIME) == "" {
		return fmt.Errorf("VAI_RELAY_DEFAULT_AUDIO_MIME must not be empty")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("VAI_RELAY_IDLE_TIMEOUT must be >= 0")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("VAI_RELAY_WS_PING_INTERVAL must be > 0")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("VAI_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("VAI_RELAY_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("VAI_RELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	switch c.ResponseModality {
	case "audio", "text":
	default:
		return fmt.Errorf("VAI_RELAY_RESPONSE_MODALITY must be one of audio|text")
	}
	if strings.TrimSpace(c.GeminiModel) == "" {
		return fmt.Errorf("VAI_RELAY_GEMINI_MODEL must not be empty")
	}
	if c.UpstreamConnectTimeout <= 0 {
		return fmt.Errorf("VAI_RELAY_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if c.SummaryWorkers <= 0 {
		return fmt.Errorf("VAI_RELAY_SUMMARY_WORKERS must be > 0")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch c.LogFormat {
	case LogFormatJSON, LogFormatConsole:
	default:
		return fmt.Errorf("VAI_RELAY_LOG_FORMAT must be one of json|console")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
