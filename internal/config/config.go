// Package config provides configuration management for memvault.
// Settings start from built-in defaults, are overlaid by an optional YAML
// file and finally by environment variables with the MEMVAULT_ prefix.
//
// The YAML file describes the backend set (type, preference rank,
// connection details, per-backend breaker overrides); environment variables
// cover the scalar knobs operators most often need to change at deploy time.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/memvault/internal/breaker"
	"github.com/scrypster/memvault/internal/health"
	"github.com/scrypster/memvault/internal/retry"
	"github.com/scrypster/memvault/pkg/types"
)

// Backend types understood by the connections manager.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeChromem  = "chromem"
	TypeRedis    = "redis"
)

// BackendTypes lists every supported backend type.
var BackendTypes = []string{TypeSQLite, TypePostgres, TypeChromem, TypeRedis}

// Config holds all configuration settings for memvault.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Security SecurityConfig  `yaml:"security"`
	DataPath string          `yaml:"data_path"`
	Backends []BackendConfig `yaml:"backends"`
	Breaker  breaker.Config  `yaml:"breaker"`
	Health   health.Config   `yaml:"health"`
	Routing  RoutingConfig   `yaml:"routing"`
	Retry    retry.Config    `yaml:"retry"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port      int     `yaml:"port"`       // Server port (default: 6464)
	Host      string  `yaml:"host"`       // Server host (default: 127.0.0.1)
	RateLimit float64 `yaml:"rate_limit"` // Requests per second per client, 0 disables (default: 50)
	RateBurst int     `yaml:"rate_burst"` // Limiter burst (default: 100)
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	APIToken string `yaml:"api_token"` // Bearer token required by the HTTP API when set
}

// BackendConfig describes one storage backend.
type BackendConfig struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Rank         int      `yaml:"rank"`
	Capabilities []string `yaml:"capabilities,omitempty"`

	Path      string        `yaml:"path,omitempty"`      // sqlite file, chromem directory
	DSN       string        `yaml:"dsn,omitempty"`       // postgres
	URL       string        `yaml:"url,omitempty"`       // redis
	MaxConns  int           `yaml:"max_conns,omitempty"` // pool size
	Namespace string        `yaml:"namespace,omitempty"` // redis key prefix
	TTL       time.Duration `yaml:"ttl,omitempty"`       // redis record expiry
	Compress  bool          `yaml:"compress,omitempty"`  // chromem gzip persistence

	// EmbeddingDims sizes the hash embedder for semantic backends.
	EmbeddingDims int `yaml:"embedding_dims,omitempty"`

	// Breaker overrides fields of the global breaker configuration.
	Breaker *breaker.Config `yaml:"breaker,omitempty"`
}

// RoutingConfig controls the fallback router and the memory service.
type RoutingConfig struct {
	CallTimeout     time.Duration `yaml:"call_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	DemoteUnhealthy bool          `yaml:"demote_unhealthy"`
	RaceReads       bool          `yaml:"race_reads"`
	BackendRate     float64       `yaml:"backend_rate_limit"`
	BackendBurst    int           `yaml:"backend_rate_burst"`
	AffinityEntries int64         `yaml:"affinity_entries"`
}

// MetricsConfig controls event delivery.
type MetricsConfig struct {
	Buffer     int  `yaml:"buffer"`
	LogVerbose bool `yaml:"log_verbose"`

	// OTel exports instruments to an OTLP/HTTP collector at OTLPEndpoint,
	// or at the OTEL_EXPORTER_OTLP_* default when that is empty.
	OTel           bool          `yaml:"otel"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// Default returns the built-in configuration. Backends are left empty;
// LoadConfig falls back to DefaultBackends when none are configured.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      6464,
			Host:      "127.0.0.1",
			RateLimit: 50,
			RateBurst: 100,
		},
		DataPath: "./data",
		Breaker:  breaker.DefaultConfig(),
		Health:   health.Config{Interval: 10 * time.Second, Timeout: 2 * time.Second},
		Routing: RoutingConfig{
			CallTimeout:     5 * time.Second,
			RequestTimeout:  10 * time.Second,
			DemoteUnhealthy: true,
			AffinityEntries: 100_000,
		},
		Retry:   retry.DefaultConfig(),
		Metrics: MetricsConfig{Buffer: 1024, ExportInterval: 30 * time.Second},
	}
}

// DefaultBackends returns the backend set used when none is configured: a
// SQLite primary and an embedded chromem fallback under dataPath.
func DefaultBackends(dataPath string) []BackendConfig {
	return []BackendConfig{
		{Name: TypeSQLite, Type: TypeSQLite, Rank: 1, Path: filepath.Join(dataPath, "memvault.db")},
		{Name: TypeChromem, Type: TypeChromem, Rank: 2, Path: filepath.Join(dataPath, "chromem")},
	}
}

// LoadConfig loads configuration from the YAML file at path (or
// MEMVAULT_CONFIG when path is empty) and the environment, then validates
// it. A missing file is only an error when a path was given.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MEMVAULT_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if len(cfg.Backends) == 0 {
		cfg.Backends = DefaultBackends(cfg.DataPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays MEMVAULT_ environment variables. Unset variables keep
// the current value.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("MEMVAULT_PORT", c.Server.Port)
	c.Server.Host = getEnv("MEMVAULT_HOST", c.Server.Host)
	c.Server.RateLimit = getEnvFloat("MEMVAULT_RATE_LIMIT", c.Server.RateLimit)
	c.Security.APIToken = getEnv("MEMVAULT_API_TOKEN", c.Security.APIToken)
	c.DataPath = getEnv("MEMVAULT_DATA_PATH", c.DataPath)

	c.Breaker.FailureThreshold = uint32(getEnvInt("MEMVAULT_FAILURE_THRESHOLD", int(c.Breaker.FailureThreshold)))
	c.Breaker.CoolDown = getEnvDuration("MEMVAULT_COOL_DOWN", c.Breaker.CoolDown)
	c.Health.Interval = getEnvDuration("MEMVAULT_HEALTH_INTERVAL", c.Health.Interval)
	c.Health.Timeout = getEnvDuration("MEMVAULT_HEALTH_TIMEOUT", c.Health.Timeout)
	c.Routing.CallTimeout = getEnvDuration("MEMVAULT_CALL_TIMEOUT", c.Routing.CallTimeout)
	c.Routing.RequestTimeout = getEnvDuration("MEMVAULT_REQUEST_TIMEOUT", c.Routing.RequestTimeout)
	c.Routing.RaceReads = getEnvBool("MEMVAULT_RACE_READS", c.Routing.RaceReads)
	c.Retry.MaxAttempts = getEnvInt("MEMVAULT_RETRY_ATTEMPTS", c.Retry.MaxAttempts)
	c.Metrics.LogVerbose = getEnvBool("MEMVAULT_LOG_EVENTS", c.Metrics.LogVerbose)
	c.Metrics.OTel = getEnvBool("MEMVAULT_OTEL", c.Metrics.OTel)
	c.Metrics.ExportInterval = getEnvDuration("MEMVAULT_OTEL_INTERVAL", c.Metrics.ExportInterval)
	if endpoint := os.Getenv("MEMVAULT_OTLP_ENDPOINT"); endpoint != "" {
		c.Metrics.OTLPEndpoint = endpoint
		c.Metrics.OTel = true
	}

	// Convenience: a DSN or URL in the environment adds that backend after
	// the configured ones unless one of the same type already exists.
	if dsn := os.Getenv("MEMVAULT_POSTGRES_DSN"); dsn != "" {
		c.addBackend(BackendConfig{Name: TypePostgres, Type: TypePostgres, DSN: dsn})
	}
	if url := os.Getenv("MEMVAULT_REDIS_URL"); url != "" {
		c.addBackend(BackendConfig{Name: TypeRedis, Type: TypeRedis, URL: url})
	}
}

func (c *Config) addBackend(b BackendConfig) {
	if len(c.Backends) == 0 {
		c.Backends = DefaultBackends(c.DataPath)
	}
	rank := 0
	for _, existing := range c.Backends {
		if existing.Type == b.Type {
			return
		}
		if existing.Rank > rank {
			rank = existing.Rank
		}
	}
	b.Rank = rank + 1
	c.Backends = append(c.Backends, b)
}

// BreakerFor returns the effective breaker configuration for a backend:
// the global settings with any per-backend overrides applied.
func (c *Config) BreakerFor(b BackendConfig) breaker.Config {
	cfg := c.Breaker
	if o := b.Breaker; o != nil {
		if o.FailureThreshold != 0 {
			cfg.FailureThreshold = o.FailureThreshold
		}
		if o.SlowCallThreshold != 0 {
			cfg.SlowCallThreshold = o.SlowCallThreshold
		}
		if o.SlowCallRate != 0 {
			cfg.SlowCallRate = o.SlowCallRate
		}
		if o.SlowCallWindow != 0 {
			cfg.SlowCallWindow = o.SlowCallWindow
		}
		if o.SlowCallMinCalls != 0 {
			cfg.SlowCallMinCalls = o.SlowCallMinCalls
		}
		if o.CoolDown != 0 {
			cfg.CoolDown = o.CoolDown
		}
		if o.BackoffMultiplier != 0 {
			cfg.BackoffMultiplier = o.BackoffMultiplier
		}
		if o.MaxCoolDown != 0 {
			cfg.MaxCoolDown = o.MaxCoolDown
		}
		if o.HalfOpenMaxCalls != 0 {
			cfg.HalfOpenMaxCalls = o.HalfOpenMaxCalls
		}
	}
	return cfg.WithDefaults()
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be within 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit must not be negative")
	}

	if len(c.Backends) == 0 {
		add("at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		label := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			add("%s: name is required", label)
		} else {
			label = fmt.Sprintf("backend %q", b.Name)
			if seen[b.Name] {
				add("%s: duplicate name", label)
			}
			seen[b.Name] = true
		}
		switch b.Type {
		case TypeSQLite:
			if b.Path == "" {
				add("%s: sqlite requires path", label)
			}
		case TypePostgres:
			if b.DSN == "" {
				add("%s: postgres requires dsn", label)
			}
		case TypeRedis:
			if b.URL == "" {
				add("%s: redis requires url", label)
			}
		case TypeChromem:
		default:
			add("%s: unknown type %q (want one of %s)", label, b.Type, strings.Join(BackendTypes, ", "))
		}
		for _, cp := range b.Capabilities {
			if _, err := types.ParseCapability(cp); err != nil {
				add("%s: %v", label, err)
			}
		}
		if b.MaxConns < 0 {
			add("%s: max_conns must not be negative", label)
		}
		if b.Breaker != nil {
			if err := c.BreakerFor(b).Validate(); err != nil {
				add("%s: breaker: %v", label, err)
			}
		}
	}

	if err := c.Breaker.WithDefaults().Validate(); err != nil {
		add("breaker: %v", err)
	}
	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		add("health interval and timeout must be positive")
	} else if c.Health.Timeout > c.Health.Interval {
		add("health.timeout (%v) must not exceed health.interval (%v)", c.Health.Timeout, c.Health.Interval)
	}
	if c.Routing.CallTimeout <= 0 {
		add("routing.call_timeout must be positive")
	}
	if c.Routing.RequestTimeout <= 0 {
		add("routing.request_timeout must be positive")
	}
	if c.Routing.BackendRate < 0 {
		add("routing.backend_rate_limit must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Metrics.OTel {
		if c.Metrics.ExportInterval <= 0 {
			add("metrics.export_interval must be positive")
		}
		if e := c.Metrics.OTLPEndpoint; e != "" {
			if u, err := url.Parse(e); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				add("metrics.otlp_endpoint must be an http(s) URL, got %q", e)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration parses values like "30s" or "2m". Invalid values fall back
// to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
