// Package config loads opsgate settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/opsgate/pkg/artifacts"
	"github.com/Mindburn-Labs/opsgate/pkg/executor"
)

// WebhookTarget is one subscriber endpoint from WEBHOOK_URLS.
type WebhookTarget struct {
	ID  string
	URL string
}

// Config holds server configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	// DatabaseURL selects PostgreSQL. Empty means lite mode: SQLite under
	// DataDir.
	DatabaseURL string
	DataDir     string

	SweepInterval  time.Duration
	HandlerTimeout time.Duration
	// Handlers maps an action type to the URL of the service executing it.
	Handlers map[string]string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Webhooks      []WebhookTarget
	WebhookSecret string
	WebhookRPS    float64

	VoteSigningSecret    string
	RequireVoteSignature bool

	APIRPS         float64
	APIBurst       int
	CORSOrigins    []string
	IdempotencyTTL time.Duration

	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool

	PolicyFile string
	Artifacts  artifacts.Config
}

// LiteMode reports whether the embedded SQLite database is used.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SQLitePath is the lite mode database file.
func (c *Config) SQLitePath() string { return filepath.Join(c.DataDir, "opsgate.db") }

// SlogLevel maps LogLevel onto slog. Unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Load loads configuration from environment variables. Malformed numbers,
// durations and webhook lists are errors; missing values take defaults.
func Load() (*Config, error) {
	e := &envReader{}
	cfg := &Config{
		Port:        e.str("PORT", "8080"),
		LogLevel:    strings.ToUpper(e.str("LOG_LEVEL", "INFO")),
		LogFormat:   strings.ToLower(e.str("LOG_FORMAT", "text")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     e.str("DATA_DIR", "data"),

		SweepInterval:  e.duration("SWEEP_INTERVAL", 30*time.Second),
		HandlerTimeout: e.duration("HANDLER_TIMEOUT", 30*time.Second),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       e.int("REDIS_DB", 0),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		WebhookRPS:    e.float("WEBHOOK_RPS", 10),

		VoteSigningSecret:    os.Getenv("VOTE_SIGNING_SECRET"),
		RequireVoteSignature: e.bool("REQUIRE_VOTE_SIGNATURE", false),

		APIRPS:         e.float("API_RPS", 20),
		APIBurst:       e.int("API_BURST", 40),
		CORSOrigins:    splitList(os.Getenv("CORS_ORIGINS")),
		IdempotencyTTL: e.duration("IDEMPOTENCY_TTL", 24*time.Hour),

		OTelEnabled:  e.bool("OTEL_ENABLED", false),
		OTelEndpoint: e.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure: e.bool("OTEL_EXPORTER_OTLP_INSECURE", false),

		PolicyFile: os.Getenv("POLICY_FILE"),
	}
	cfg.Artifacts = artifacts.Config{
		Backend:    artifacts.Backend(strings.ToLower(os.Getenv("ARTIFACT_STORAGE_TYPE"))),
		DataDir:    cfg.DataDir,
		S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
		S3Region:   os.Getenv("ARTIFACT_S3_REGION"),
		S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
		S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
		GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
	}

	handlers, err := executor.ParseHandlerTargets(os.Getenv("ACTION_HANDLERS"))
	if err != nil {
		e.fail("ACTION_HANDLERS", err)
	}
	cfg.Handlers = handlers

	hooks, err := ParseWebhookTargets(os.Getenv("WEBHOOK_URLS"))
	if err != nil {
		e.fail("WEBHOOK_URLS", err)
	}
	cfg.Webhooks = hooks

	if cfg.RequireVoteSignature && cfg.VoteSigningSecret == "" {
		e.fail("REQUIRE_VOTE_SIGNATURE", fmt.Errorf("needs VOTE_SIGNING_SECRET"))
	}
	if len(cfg.Webhooks) > 0 && cfg.WebhookSecret == "" {
		e.fail("WEBHOOK_URLS", fmt.Errorf("needs WEBHOOK_SECRET"))
	}
	if e.err != nil {
		return nil, e.err
	}
	return cfg, nil
}

// ParseWebhookTargets reads "id=url,id=url". A bare url gets its position
// as id.
func ParseWebhookTargets(raw string) ([]WebhookTarget, error) {
	var out []WebhookTarget
	seen := map[string]bool{}
	for i, item := range splitList(raw) {
		id, url, ok := strings.Cut(item, "=")
		if !ok {
			id, url = fmt.Sprintf("endpoint-%d", i+1), item
		}
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if id == "" || !(strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")) {
			return nil, fmt.Errorf("invalid webhook target %q", item)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate webhook id %q", id)
		}
		seen[id] = true
		out = append(out, WebhookTarget{ID: id, URL: url})
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envReader keeps the first parse error so Load can report it once.
type envReader struct {
	err error
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config %s: %w", key, err)
	}
}

func (e *envReader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return f
}

func (e *envReader) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	if d <= 0 {
		e.fail(key, fmt.Errorf("must be positive, got %s", v))
		return def
	}
	return d
}
