// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database connections, translation engine
// access, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-polyglot-gateway")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// EngineConfig defines access to the remote translation engine.
type EngineConfig struct {
	BaseURL     string        // TRANSLATE_ENGINE_URL
	Timeout     time.Duration // per-call timeout; a timed-out call counts as a failure
	MaxRetries  int           // remote-call retries before a language is marked failed
	Backoff     time.Duration // initial retry backoff (doubled per attempt)
	Concurrency int           // cap on concurrent remote calls
}

// LimitsConfig groups the ingestion ceilings. MaxMessageRunes applies to
// regular members; elevated roles get MaxMessageRunesModerator. Messages
// longer than MaxTranslateRunes are delivered but never sent to the engine.
type LimitsConfig struct {
	MaxMessageRunes          int
	MaxMessageRunesModerator int
	MaxTranslateRunes        int
	MaxMentions              int
}

// RateConfig defines the fixed-window send guard plus the edge token bucket.
type RateConfig struct {
	Window  time.Duration // fixed window length
	Ceiling int           // sends allowed per window per key
	RPS     float64       // edge token bucket: tokens per second
	Burst   int           // edge token bucket: size
}

// NATSConfig enables the JetStream bus for multi-instance deployments.
// When URL is empty the gateway runs with the in-process bus.
type NATSConfig struct {
	URL        string
	StreamName string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Persistence
	DBDriver string // sqlite|postgres
	DBDSN    string // file path (sqlite) or connection string (postgres)

	// Translation
	Engine EngineConfig

	// Ingestion ceilings
	Limits LimitsConfig

	// Rate limiting
	Rate RateConfig

	// Realtime bus
	NATS NATSConfig

	// Guest sessions
	GuestTokenSecret string        // HMAC secret for anonymous session tokens
	GuestTokenTTL    time.Duration // anonymous participation window

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Persistence
		DBDriver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBDSN:    getenv("DB_DSN", "gateway.db"),

		// Translation engine
		Engine: EngineConfig{
			BaseURL:     getenv("TRANSLATE_ENGINE_URL", "http://localhost:9090"),
			Timeout:     getdur("TRANSLATE_TIMEOUT", 10*time.Second),
			MaxRetries:  getint("TRANSLATE_MAX_RETRIES", 2),
			Backoff:     getdur("TRANSLATE_BACKOFF", 250*time.Millisecond),
			Concurrency: getint("TRANSLATE_CONCURRENCY", 8),
		},

		// Ingestion ceilings
		Limits: LimitsConfig{
			MaxMessageRunes:          getint("MAX_MESSAGE_RUNES", 2000),
			MaxMessageRunesModerator: getint("MAX_MESSAGE_RUNES_MODERATOR", 8000),
			MaxTranslateRunes:        getint("MAX_TRANSLATE_RUNES", 1500),
			MaxMentions:              getint("MAX_MENTIONS", 10),
		},

		// Rate limiting
		Rate: RateConfig{
			Window:  getdur("RATE_WINDOW", time.Minute),
			Ceiling: getint("RATE_CEILING", 30),
			RPS:     getfloat("RATE_RPS", 5.0),
			Burst:   getint("RATE_BURST", 10),
		},

		// Realtime bus
		NATS: NATSConfig{
			URL:        getenv("NATS_URL", ""),
			StreamName: getenv("NATS_STREAM", "GATEWAY_EVENTS"),
		},

		// Guest sessions
		GuestTokenSecret: getenv("GUEST_TOKEN_SECRET", ""),
		GuestTokenTTL:    getdur("GUEST_TOKEN_TTL", 12*time.Hour),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-polyglot-gateway"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return cfg, errors.New("DB_DRIVER must be sqlite or postgres")
	}
	if strings.TrimSpace(cfg.DBDSN) == "" {
		return cfg, errors.New("DB_DSN must not be empty")
	}
	if strings.TrimSpace(cfg.Engine.BaseURL) == "" {
		return cfg, errors.New("TRANSLATE_ENGINE_URL must not be empty")
	}
	if cfg.Engine.Timeout <= 0 {
		return cfg, errors.New("TRANSLATE_TIMEOUT must be > 0")
	}
	if cfg.Engine.MaxRetries < 0 {
		return cfg, errors.New("TRANSLATE_MAX_RETRIES must be >= 0")
	}
	if cfg.Engine.Concurrency < 1 {
		return cfg, errors.New("TRANSLATE_CONCURRENCY must be >= 1")
	}
	if cfg.Limits.MaxMessageRunes < 1 || cfg.Limits.MaxTranslateRunes < 1 {
		return cfg, errors.New("message/translation ceilings must be >= 1")
	}
	if cfg.Limits.MaxMessageRunesModerator < cfg.Limits.MaxMessageRunes {
		return cfg, errors.New("MAX_MESSAGE_RUNES_MODERATOR must be >= MAX_MESSAGE_RUNES")
	}
	if cfg.Limits.MaxMentions < 0 {
		return cfg, errors.New("MAX_MENTIONS must be >= 0")
	}
	if cfg.Rate.Window <= 0 {
		return cfg, errors.New("RATE_WINDOW must be > 0")
	}
	if cfg.Rate.Ceiling < 1 {
		return cfg, errors.New("RATE_CEILING must be >= 1")
	}
	if cfg.Rate.RPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.Rate.Burst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.GuestTokenTTL <= 0 {
		return cfg, errors.New("GUEST_TOKEN_TTL must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
