package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the single descriptor driving a fabric process. It supports
// three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. YAML descriptor file
//  3. Environment variables
//  4. Functional options (highest priority)
type Config struct {
	DataDir  string `yaml:"data_dir" validate:"required"`
	HTTPBind string `yaml:"http_bind"`
	APIPort  int    `yaml:"api_port" validate:"gte=0,lte=65535"`

	CollectionIntervalSec int `yaml:"collection_interval_sec" validate:"gte=1"`
	HealthIntervalSec     int `yaml:"health_interval_sec" validate:"gte=1"`
	MetricsRetentionDays  int `yaml:"metrics_retention_days" validate:"gte=1"`
	HistoryRingSize       int `yaml:"history_ring_size" validate:"gte=1"`

	DefaultRetry RetryConfig   `yaml:"default_retry"`
	Evolver      EvolverConfig `yaml:"evolver"`

	// Optional distributed state backend. Empty disables Redis-backed
	// execution storage.
	RedisURL string `yaml:"redis_url"`

	// Executor tuning.
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=1"`
	CancelGraceSec int `yaml:"cancel_grace_sec" validate:"gte=1"`
}

// RetryConfig is the serializable form of the default retry policy.
type RetryConfig struct {
	MaxAttempts  int     `yaml:"max_attempts" validate:"gte=1"`
	Strategy     string  `yaml:"strategy" validate:"oneof=constant linear exponential fibonacci jittered"`
	BaseDelayMS  int     `yaml:"base_delay_ms" validate:"gte=0"`
	MaxDelayMS   int     `yaml:"max_delay_ms" validate:"gte=0"`
	JitterFactor float64 `yaml:"jitter_factor" validate:"gte=0,lte=1"`
}

// EvolverConfig tunes the evolution control loop.
type EvolverConfig struct {
	WindowSize        int `yaml:"window_size" validate:"gte=1"`
	ThresholdFailures int `yaml:"threshold_failures" validate:"gte=1"`
	MinIntervalSec    int `yaml:"min_interval_sec" validate:"gte=0"`
	RetryBudget       int `yaml:"retry_budget" validate:"gte=1"`
}

// ConfigOption mutates a Config during construction.
type ConfigOption func(*Config)

// WithDataDir sets the data directory.
func WithDataDir(dir string) ConfigOption {
	return func(c *Config) { c.DataDir = dir }
}

// WithAPIPort sets the monitoring API port.
func WithAPIPort(port int) ConfigOption {
	return func(c *Config) { c.APIPort = port }
}

// WithRedisURL enables Redis-backed state.
func WithRedisURL(url string) ConfigOption {
	return func(c *Config) { c.RedisURL = url }
}

// WithHistoryRingSize bounds the executor history ring.
func WithHistoryRingSize(n int) ConfigOption {
	return func(c *Config) { c.HistoryRingSize = n }
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:               "./data",
		HTTPBind:              "0.0.0.0",
		APIPort:               8080,
		CollectionIntervalSec: 60,
		HealthIntervalSec:     30,
		MetricsRetentionDays:  30,
		HistoryRingSize:       100,
		MaxConcurrency:        5,
		CancelGraceSec:        5,
		DefaultRetry: RetryConfig{
			MaxAttempts:  3,
			Strategy:     "exponential",
			BaseDelayMS:  100,
			MaxDelayMS:   5000,
			JitterFactor: 0.1,
		},
		Evolver: EvolverConfig{
			WindowSize:        256,
			ThresholdFailures: 5,
			MinIntervalSec:    3600,
			RetryBudget:       3,
		},
	}
}

// LoadConfig builds a Config from defaults, an optional YAML descriptor,
// environment overrides and functional options, then validates it.
func LoadConfig(path string, opts ...ConfigOption) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays FABRIC_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("FABRIC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FABRIC_HTTP_BIND"); v != "" {
		c.HTTPBind = v
	}
	if v := os.Getenv("FABRIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.APIPort = port
		}
	}
	if v := os.Getenv("FABRIC_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("FABRIC_HISTORY_RING_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HistoryRingSize = n
		}
	}
}

// Validate applies struct-level validation rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}

// CollectionInterval returns the system metrics collection interval.
func (c *Config) CollectionInterval() time.Duration {
	return time.Duration(c.CollectionIntervalSec) * time.Second
}

// HealthInterval returns the component health check interval.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSec) * time.Second
}

// CancelGrace returns the plan-cancellation grace period.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSec) * time.Second
}

// MetricsRetention returns the metric retention window.
func (c *Config) MetricsRetention() time.Duration {
	return time.Duration(c.MetricsRetentionDays) * 24 * time.Hour
}
