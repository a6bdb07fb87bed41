package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the system-wide settings coordinator. Precedence is
// defaults < environment < file, so a deployment can override exactly the
// keys it cares about.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Content    ContentConfig    `yaml:"content"`
	Registry   RegistryConfig   `yaml:"registry"`
	Adaptation AdaptationConfig `yaml:"adaptation"`
	Session    SessionConfig    `yaml:"session"`
}

type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
}

type DatabaseConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type ContentConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type RegistryConfig struct {
	HeartbeatTTL       time.Duration `yaml:"heartbeat_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
}

// AdaptationConfig holds the trigger thresholds. The defaults are the
// contract values the trigger rules are specified against; they are
// configurable for experimentation, not expected to move in production.
type AdaptationConfig struct {
	EngagementLowThreshold  float64       `yaml:"engagement_low_threshold"`
	EngagementHighThreshold float64       `yaml:"engagement_high_threshold"`
	ConfusionThreshold      int           `yaml:"confusion_threshold"`
	MasteryThreshold        int           `yaml:"mastery_threshold"`
	ConfusionWindow         time.Duration `yaml:"confusion_window"`
	DispatchTimeout         time.Duration `yaml:"dispatch_timeout"`
}

type SessionConfig struct {
	DefaultTimeLimit time.Duration `yaml:"default_time_limit"`
	EngagementWindow time.Duration `yaml:"engagement_window"`
}

// Default returns production-ready defaults: local SQLite archive, HTTP on
// 8080, 30s websocket heartbeat, 60s health sweep / 30s aggregate evaluation.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Database: DatabaseConfig{
			Path:    "./joybridge.db",
			Timeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			KeyPrefix: "joybridge:",
		},
		Content: ContentConfig{
			BaseURL:        "http://localhost:8090",
			RequestTimeout: 10 * time.Second,
		},
		Registry: RegistryConfig{
			HeartbeatTTL:       90 * time.Second,
			SweepInterval:      60 * time.Second,
			EvaluationInterval: 30 * time.Second,
		},
		Adaptation: AdaptationConfig{
			EngagementLowThreshold:  0.3,
			EngagementHighThreshold: 0.8,
			ConfusionThreshold:      3,
			MasteryThreshold:        2,
			ConfusionWindow:         60 * time.Second,
			DispatchTimeout:         15 * time.Second,
		},
		Session: SessionConfig{
			DefaultTimeLimit: 30 * time.Minute,
			EngagementWindow: 5 * time.Minute,
		},
	}
}

// Validate rejects configurations that would fail at runtime. Called once
// before component initialization.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket read timeout must exceed ping interval")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("websocket buffer size must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty")
	}
	if c.Content.BaseURL == "" {
		return fmt.Errorf("content base_url cannot be empty")
	}
	if c.Content.RequestTimeout <= 0 {
		return fmt.Errorf("content request_timeout must be positive")
	}
	if c.Registry.HeartbeatTTL <= 0 || c.Registry.SweepInterval <= 0 || c.Registry.EvaluationInterval <= 0 {
		return fmt.Errorf("registry intervals must be positive")
	}
	a := c.Adaptation
	if a.EngagementLowThreshold <= 0 || a.EngagementLowThreshold >= 1 {
		return fmt.Errorf("engagement_low_threshold must be within (0,1)")
	}
	if a.EngagementHighThreshold <= a.EngagementLowThreshold || a.EngagementHighThreshold >= 1 {
		return fmt.Errorf("engagement_high_threshold must be within (low,1)")
	}
	if a.ConfusionThreshold <= 0 || a.MasteryThreshold <= 0 {
		return fmt.Errorf("signal thresholds must be positive")
	}
	if a.ConfusionWindow <= 0 || a.DispatchTimeout <= 0 {
		return fmt.Errorf("adaptation windows must be positive")
	}
	if c.Session.DefaultTimeLimit <= 0 || c.Session.EngagementWindow <= 0 {
		return fmt.Errorf("session durations must be positive")
	}
	return nil
}

// FromEnv overlays JOYBRIDGE_* environment variables on the defaults.
// Unparseable values fall back silently, matching the override-or-default
// behavior deployments expect.
func FromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("JOYBRIDGE_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("JOYBRIDGE_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("JOYBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("JOYBRIDGE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("JOYBRIDGE_CONTENT_URL"); v != "" {
		cfg.Content.BaseURL = v
	}
	if v := os.Getenv("JOYBRIDGE_HEARTBEAT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Registry.HeartbeatTTL = d
		}
	}
	if v := os.Getenv("JOYBRIDGE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Registry.SweepInterval = d
		}
	}
	if v := os.Getenv("JOYBRIDGE_CONFUSION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Adaptation.ConfusionWindow = d
		}
	}
	if v := os.Getenv("JOYBRIDGE_DEFAULT_TIME_LIMIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.DefaultTimeLimit = d
		}
	}
	return cfg
}

// FromFile loads a YAML config file over the given base configuration and
// validates the result.
func FromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := *base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

// Load resolves the effective configuration: defaults, then environment,
// then the optional file named by path. File errors are ignored so that
// environment/defaults still bring the process up.
func Load(path string) *Config {
	cfg := FromEnv()
	if path != "" {
		if fileCfg, err := FromFile(path, cfg); err == nil {
			cfg = fileCfg
		}
	}
	return cfg
}
