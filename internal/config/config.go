// Package config loads ruleflow's process configuration from a YAML file
// and environment variables, following the same layered precedence as the
// rest of the pack: defaults, then an optional file, then environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EngineConfig controls the embedded rule engine.
type EngineConfig struct {
	Name            string `yaml:"name" env:"RULEFLOW_ENGINE_NAME"`
	QueueSize       int    `yaml:"queue_size" env:"RULEFLOW_QUEUE_SIZE"`
	TraceEnabled    bool   `yaml:"trace_enabled" env:"RULEFLOW_TRACE_ENABLED"`
	TraceMaxEntries int    `yaml:"trace_max_entries" env:"RULEFLOW_TRACE_MAX_ENTRIES"`
	DevMode         bool   `yaml:"dev_mode" env:"RULEFLOW_DEV_MODE"`
}

// DatabaseConfig controls the Postgres persistence adapter. DSN empty means
// run on the in-memory adapter instead (SPEC_FULL §4.9).
type DatabaseConfig struct {
	DSN            string `yaml:"dsn" env:"RULEFLOW_DATABASE_DSN"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"RULEFLOW_DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"RULEFLOW_LOG_LEVEL"`
	Format string `yaml:"format" env:"RULEFLOW_LOG_FORMAT"`
}

// AuditConfig controls the hash-chained audit sink (SPEC_FULL §4.10).
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" env:"RULEFLOW_AUDIT_ENABLED"`
	Path    string `yaml:"path" env:"RULEFLOW_AUDIT_PATH"`
}

// RateLimitConfig controls ingestion and resolver-call throttling
// (SPEC_FULL §4.12).
type RateLimitConfig struct {
	EventsPerSecond   float64 `yaml:"events_per_second" env:"RULEFLOW_RATELIMIT_EVENTS_PER_SECOND"`
	EventBurst        int     `yaml:"event_burst" env:"RULEFLOW_RATELIMIT_EVENT_BURST"`
	ResolverPerSecond float64 `yaml:"resolver_per_second" env:"RULEFLOW_RATELIMIT_RESOLVER_PER_SECOND"`
	ResolverBurst     int     `yaml:"resolver_burst" env:"RULEFLOW_RATELIMIT_RESOLVER_BURST"`
}

// APIServerConfig controls the REST admin surface (SPEC_FULL §4.11).
type APIServerConfig struct {
	Enabled     bool          `yaml:"enabled" env:"RULEFLOW_APISERVER_ENABLED"`
	Addr        string        `yaml:"addr" env:"RULEFLOW_APISERVER_ADDR"`
	JWTSecret   string        `yaml:"jwt_secret" env:"RULEFLOW_APISERVER_JWT_SECRET"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry" env:"RULEFLOW_APISERVER_JWT_EXPIRY"`
	ReleaseMode bool          `yaml:"release_mode" env:"RULEFLOW_APISERVER_RELEASE_MODE"`
}

// DebugServerConfig controls the trace/debug HTTP+websocket surface.
type DebugServerConfig struct {
	Enabled bool   `yaml:"enabled" env:"RULEFLOW_DEBUGSERVER_ENABLED"`
	Addr    string `yaml:"addr" env:"RULEFLOW_DEBUGSERVER_ADDR"`
}

// Config is the top-level configuration structure for cmd/ruleflowd.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Audit       AuditConfig       `yaml:"audit"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	APIServer   APIServerConfig   `yaml:"api_server"`
	DebugServer DebugServerConfig `yaml:"debug_server"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Engine: EngineConfig{
			Name:            "ruleflow",
			QueueSize:       256,
			TraceMaxEntries: 10000,
		},
		Database: DatabaseConfig{
			MigrateOnStart: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Audit: AuditConfig{
			Path: "ruleflow-audit.ndjson",
		},
		RateLimit: RateLimitConfig{
			EventsPerSecond:   1000,
			EventBurst:        2000,
			ResolverPerSecond: 200,
			ResolverBurst:     400,
		},
		APIServer: APIServerConfig{
			Addr:      ":8080",
			JWTExpiry: time.Hour,
		},
		DebugServer: DebugServerConfig{
			Addr: ":8081",
		},
	}
}

// Load loads configuration from an optional YAML file (CONFIG_FILE, or
// ./configs/ruleflow.yaml if unset) and then layers environment variable
// overrides on top, matching the pack's file-then-env precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/ruleflow.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field has a matching environment
		// variable set; treat that as "no overrides" so a bare `go run` with
		// no environment still starts on defaults.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks invariants that defaults and partial overrides can't
// guarantee on their own.
func (c *Config) Validate() error {
	if c.APIServer.Enabled && strings.TrimSpace(c.APIServer.JWTSecret) == "" {
		return fmt.Errorf("api_server.jwt_secret is required when api_server.enabled is true")
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive, got %d", c.Engine.QueueSize)
	}
	return nil
}
