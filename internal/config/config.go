// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the backing database, the change-feed bus, attachment storage and
// signing, feed limits, rate limiting and observability.
package config

import (
	"crypto/rand"
	"encoding/hex"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "virall")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the backing store.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file
	URL    string // Postgres DSN

	SlowQuery time.Duration // DB_SLOW_QUERY; 0 disables slow-statement logs
}

// Target returns the path or DSN for Driver.
func (d DBConfig) Target() string {
	if d.Driver == "postgres" {
		return d.URL
	}
	return d.Path
}

// BusConfig selects the change-feed transport.
type BusConfig struct {
	Driver    string // memory|nats|redis
	NATSURL   string
	RedisAddr string
	Prefix    string // subject prefix, e.g. "virall" -> "virall.posts"
}

// StorageConfig configures the attachment bucket and its signed links.
type StorageConfig struct {
	Dir          string
	Bucket       string
	FilesBaseURL string // origin used in signed links

	TokenSecret      string
	TokenTTL         time.Duration
	TokenRefreshSkew time.Duration
	TokenConcurrency int

	// EphemeralSecret is set when no TOKEN_SECRET was configured and a
	// random one was generated; links then stop working after a restart.
	EphemeralSecret bool
}

// FeedConfig bounds the feed and its inputs.
type FeedConfig struct {
	TombstoneLimit  int
	MaxUploadBytes  int64
	MaxCommentRunes int
	StreamHeartbeat time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s; the feed stream lifts it per request
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	DB      DBConfig
	Bus     BusConfig
	Storage StorageConfig
	Feed    FeedConfig

	// Rate limiting (mutations only)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

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
	port := getenv("PORT", "8080")
	cfg := Config{
		// Server
		Port:              port,
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "virall.db"),
			URL:    getenv("DATABASE_URL", ""),

			SlowQuery: getdur("DB_SLOW_QUERY", 200*time.Millisecond),
		},
		Bus: BusConfig{
			Driver:    strings.ToLower(getenv("BUS_DRIVER", "memory")),
			NATSURL:   getenv("NATS_URL", "nats://localhost:4222"),
			RedisAddr: getenv("REDIS_ADDR", "localhost:6379"),
			Prefix:    getenv("BUS_PREFIX", "virall"),
		},
		Storage: StorageConfig{
			Dir:              getenv("STORAGE_DIR", "data"),
			Bucket:           getenv("STORAGE_BUCKET", "post-attachments"),
			FilesBaseURL:     strings.TrimRight(getenv("FILES_BASE_URL", "http://localhost:"+port), "/"),
			TokenSecret:      getenv("TOKEN_SECRET", ""),
			TokenTTL:         getdur("TOKEN_TTL", time.Hour),
			TokenRefreshSkew: getdur("TOKEN_REFRESH_SKEW", 5*time.Minute),
			TokenConcurrency: getint("TOKEN_BATCH_CONCURRENCY", 8),
		},
		Feed: FeedConfig{
			TombstoneLimit:  getint("TOMBSTONE_LIMIT", 10000),
			MaxUploadBytes:  int64(getint("MAX_UPLOAD_BYTES", 10<<20)),
			MaxCommentRunes: getint("MAX_COMMENT_RUNES", 1000),
			StreamHeartbeat: getdur("STREAM_HEARTBEAT", 25*time.Second),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "virall"),
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
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}
	if cfg.Storage.TokenSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return cfg, err
		}
		cfg.Storage.TokenSecret = secret
		cfg.Storage.EphemeralSecret = true
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
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.DB.SlowQuery < 0 {
		return cfg, errors.New("DB_SLOW_QUERY must be >= 0")
	}
	switch cfg.Bus.Driver {
	case "memory", "nats", "redis":
	default:
		return cfg, errors.New("BUS_DRIVER must be one of: memory, nats, redis")
	}
	if strings.TrimSpace(cfg.Bus.Prefix) == "" {
		return cfg, errors.New("BUS_PREFIX must not be empty")
	}
	if strings.TrimSpace(cfg.Storage.Dir) == "" || strings.TrimSpace(cfg.Storage.Bucket) == "" {
		return cfg, errors.New("STORAGE_DIR and STORAGE_BUCKET must not be empty")
	}
	if cfg.Storage.TokenTTL <= 0 {
		return cfg, errors.New("TOKEN_TTL must be > 0")
	}
	if cfg.Storage.TokenRefreshSkew < 0 || cfg.Storage.TokenRefreshSkew >= cfg.Storage.TokenTTL {
		return cfg, errors.New("TOKEN_REFRESH_SKEW must be >= 0 and shorter than TOKEN_TTL")
	}
	if cfg.Storage.TokenConcurrency < 1 {
		return cfg, errors.New("TOKEN_BATCH_CONCURRENCY must be >= 1")
	}
	if cfg.Feed.TombstoneLimit < 0 {
		return cfg, errors.New("TOMBSTONE_LIMIT must be >= 0")
	}
	if cfg.Feed.MaxUploadBytes <= 0 {
		return cfg, errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if cfg.Feed.MaxCommentRunes < 0 {
		return cfg, errors.New("MAX_COMMENT_RUNES must be >= 0")
	}
	if cfg.Feed.StreamHeartbeat <= 0 {
		return cfg, errors.New("STREAM_HEARTBEAT must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
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
