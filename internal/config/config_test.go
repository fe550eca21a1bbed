package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	// Server timeouts / sizes (valid)
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	// Logging
	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("API_BASE_PATH", "api/v1/") // no leading slash + trailing slash -> "/api/v1"

	// Backing store and bus
	t.Setenv("DB_DRIVER", "PostgreSQL")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/virall")
	t.Setenv("BUS_DRIVER", "NATS")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("BUS_PREFIX", "feed")

	// Storage and tokens
	t.Setenv("STORAGE_DIR", "/srv/files")
	t.Setenv("STORAGE_BUCKET", "att")
	t.Setenv("FILES_BASE_URL", "https://cdn.example.com/")
	t.Setenv("TOKEN_SECRET", "s3cret")
	t.Setenv("TOKEN_TTL", "30m")
	t.Setenv("TOKEN_REFRESH_SKEW", "1m")
	t.Setenv("TOKEN_BATCH_CONCURRENCY", "4")

	// Feed
	t.Setenv("TOMBSTONE_LIMIT", "50")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("MAX_COMMENT_RUNES", "280")
	t.Setenv("STREAM_HEARTBEAT", "5s")

	// Rate limiting (use invalids for parse to fall back to defaults)
	t.Setenv("RATE_RPS", "x")      // -> default 5.0
	t.Setenv("RATE_BURST", "nope") // -> default 10

	// Web protection
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")

	// OTEL
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Server
	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}

	// Logging
	if cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("logging unexpected: %+v", cfg)
	}

	// Backing store and bus
	if cfg.DB.Driver != "postgres" || cfg.DB.Target() != "postgres://u:p@db/virall" {
		t.Fatalf("db unexpected: %+v", cfg.DB)
	}
	if cfg.Bus.Driver != "nats" || cfg.Bus.NATSURL != "nats://bus:4222" || cfg.Bus.Prefix != "feed" {
		t.Fatalf("bus unexpected: %+v", cfg.Bus)
	}

	// Storage
	st := cfg.Storage
	if st.Dir != "/srv/files" || st.Bucket != "att" || st.FilesBaseURL != "https://cdn.example.com" ||
		st.TokenSecret != "s3cret" || st.EphemeralSecret ||
		st.TokenTTL != 30*time.Minute || st.TokenRefreshSkew != time.Minute || st.TokenConcurrency != 4 {
		t.Fatalf("storage unexpected: %+v", st)
	}

	// Feed
	if cfg.Feed.TombstoneLimit != 50 || cfg.Feed.MaxUploadBytes != 1024 ||
		cfg.Feed.MaxCommentRunes != 280 || cfg.Feed.StreamHeartbeat != 5*time.Second {
		t.Fatalf("feed unexpected: %+v", cfg.Feed)
	}

	// Rate limiting (parse fallback to defaults)
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}

	// Web protection
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}

	// OTEL
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"empty PORT via spaces", map[string]string{"PORT": "   "}, "PORT must not be empty"},
		{"non-positive timeouts", map[string]string{"READ_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"max header bytes <= 0", map[string]string{"MAX_HEADER_BYTES": "0"}, "MAX_HEADER_BYTES"},
		{"empty DB_PATH", map[string]string{"DB_PATH": "   "}, "DB_PATH must not be empty"},
		{"postgres without DSN", map[string]string{"DB_DRIVER": "postgres", "DATABASE_URL": ""}, "DATABASE_URL"},
		{"unknown DB_DRIVER", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"slow query negative", map[string]string{"DB_SLOW_QUERY": "-1s"}, "DB_SLOW_QUERY"},
		{"unknown BUS_DRIVER", map[string]string{"BUS_DRIVER": "kafka"}, "BUS_DRIVER"},
		{"blank BUS_PREFIX", map[string]string{"BUS_PREFIX": " "}, "BUS_PREFIX"},
		{"blank bucket", map[string]string{"STORAGE_BUCKET": " "}, "STORAGE_BUCKET"},
		{"token ttl non-positive", map[string]string{"TOKEN_TTL": "0s"}, "TOKEN_TTL"},
		{"skew not shorter than ttl", map[string]string{"TOKEN_TTL": "1m", "TOKEN_REFRESH_SKEW": "1m"}, "TOKEN_REFRESH_SKEW"},
		{"batch concurrency < 1", map[string]string{"TOKEN_BATCH_CONCURRENCY": "0"}, "TOKEN_BATCH_CONCURRENCY"},
		{"tombstone limit negative", map[string]string{"TOMBSTONE_LIMIT": "-1"}, "TOMBSTONE_LIMIT"},
		{"upload limit <= 0", map[string]string{"MAX_UPLOAD_BYTES": "0"}, "MAX_UPLOAD_BYTES"},
		{"comment limit negative", map[string]string{"MAX_COMMENT_RUNES": "-5"}, "MAX_COMMENT_RUNES"},
		{"heartbeat non-positive", map[string]string{"STREAM_HEARTBEAT": "0s"}, "STREAM_HEARTBEAT"},
		{"rate rps negative", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"rate burst < 1", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"hsts max age negative", map[string]string{"HSTS_MAX_AGE": "-1s"}, "HSTS_MAX_AGE"},
		{"otel sample ratio out of range", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil || !containsErr(err, tc.want) {
				t.Fatalf("expected %s validation error, got: %v", tc.want, err)
			}
		})
	}

	// Note: API_BASE_PATH validation is unreachable because normalizeBasePath
	// always yields a leading '/'.
}

func TestLoad_GeneratesEphemeralSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")
	a, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, _ := Load()
	if !a.Storage.EphemeralSecret || len(a.Storage.TokenSecret) != 64 {
		t.Fatalf("expected a generated 32-byte hex secret, got %+v", a.Storage)
	}
	if a.Storage.TokenSecret == b.Storage.TokenSecret {
		t.Fatalf("generated secrets should differ between loads")
	}
}

func TestDBConfig_Target(t *testing.T) {
	if got := (DBConfig{Driver: "sqlite", Path: "a.db", URL: "postgres://x"}).Target(); got != "a.db" {
		t.Fatalf("sqlite target = %q", got)
	}
	if got := (DBConfig{Driver: "postgres", Path: "a.db", URL: "postgres://x"}).Target(); got != "postgres://x" {
		t.Fatalf("postgres target = %q", got)
	}
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}

	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}

	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	trueVals := []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"}
	for i, v := range trueVals {
		k := "B_T_" + config_strconv(i)
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	falseVals := []string{"0", "false", "FALSE", " no ", "N", "off", "Off"}
	for i, v := range falseVals {
		k := "B_F_" + config_strconv(i)
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	// default on unset/empty
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	in := " a, ,b ,  c  ,"
	want := []string{"a", "b", "c"}
	if got := splitCSV(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV mismatch: got %#v want %#v", got, want)
	}

	// normalizeBasePath
	if normalizeBasePath("") != "/" {
		t.Fatalf("normalizeBasePath empty -> '/' failed")
	}
	if normalizeBasePath("v1") != "/v1" {
		t.Fatalf("normalizeBasePath missing leading slash failed")
	}
	if normalizeBasePath("/v1/") != "/v1" {
		t.Fatalf("normalizeBasePath trailing slash trim failed")
	}
	if normalizeBasePath(" / ") != "/" {
		t.Fatalf("normalizeBasePath whitespace failed")
	}
}

// small helper (avoid fmt just for ints)
func config_strconv(i int) string { return string('a' + rune(i)) }

// Ensure tests donâ€™t leak env to others.
func TestMain(m *testing.M) {
	os.Unsetenv("PORT")
	os.Exit(m.Run())
}

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("API_BASE_PATH default expected '/api/v1', got %q", cfg.APIBasePath)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.SlowQuery != 200*time.Millisecond || cfg.Bus.Driver != "memory" || cfg.Bus.Prefix != "virall" {
		t.Fatalf("unexpected defaults: db=%+v bus=%+v", cfg.DB, cfg.Bus)
	}
	if cfg.Storage.FilesBaseURL != "http://localhost:"+cfg.Port {
		t.Fatalf("files base URL should follow PORT, got %q", cfg.Storage.FilesBaseURL)
	}
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	// No special env needed; defaults are valid.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.APIBasePath == "" {
		t.Fatalf("unexpected empty config from MustLoad")
	}
}
