package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Events     EventsConfig     `yaml:"events"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Locks      LocksConfig      `yaml:"locks"`
	Autonomy   AutonomyConfig   `yaml:"autonomy"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Escalation EscalationConfig `yaml:"escalation"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Connectors configures per-provider LLM endpoints for cost pricing,
	// keyed by provider name ("anthropic", "openai", ...).
	Connectors map[string]ConnectorConfig `yaml:"connectors"`
}

type ConnectorConfig struct {
	URL                string  `yaml:"url"`
	APIKey             string  `yaml:"api_key"`
	Model              string  `yaml:"model"`
	CostPerInputToken  float64 `yaml:"cost_per_input_token"`
	CostPerOutputToken float64 `yaml:"cost_per_output_token"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	AdminToken  string `yaml:"admin_token"`
}

type DatabaseConfig struct {
	// Driver selects the repository implementation: "postgres" or "memory".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type EventsConfig struct {
	URL string `yaml:"url"`
}

type SandboxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type SecretsConfig struct {
	URL          string `yaml:"url"`
	CacheTTLSecs int    `yaml:"cache_ttl_secs"`
}

type WatcherConfig struct {
	BufferCapacity   int `yaml:"buffer_capacity"`
	StuckThresholdMs int `yaml:"stuck_threshold_ms"`
	CheckIntervalMs  int `yaml:"check_interval_ms"`
}

type LocksConfig struct {
	DefaultTTLMs    int `yaml:"default_ttl_ms"`
	SweepIntervalMs int `yaml:"sweep_interval_ms"`
}

type AutonomyConfig struct {
	// Level gates which remediation actions run without a human:
	// "none", "supervised" or "full".
	Level          string                            `yaml:"level"`
	CooldownMs     int                               `yaml:"cooldown_ms"`
	Thresholds     map[string]map[string]interface{} `yaml:"thresholds"`
	Project        string                            `yaml:"project"`
}

type AssignmentConfig struct {
	TickIntervalMs        int     `yaml:"tick_interval_ms"`
	MaxConcurrentPerAgent int     `yaml:"max_concurrent_per_agent"`
	HeartbeatTimeoutMs    int     `yaml:"heartbeat_timeout_ms"`
	MinScore              float64 `yaml:"min_score"`
}

type EscalationConfig struct {
	TTLHours        int `yaml:"ttl_hours"`
	SweepIntervalMs int `yaml:"sweep_interval_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Assignment.TickIntervalMs) * time.Millisecond
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Assignment.HeartbeatTimeoutMs) * time.Millisecond
}

func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.Watcher.StuckThresholdMs) * time.Millisecond
}

func (c *Config) StuckCheckInterval() time.Duration {
	return time.Duration(c.Watcher.CheckIntervalMs) * time.Millisecond
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Locks.DefaultTTLMs) * time.Millisecond
}

func (c *Config) LockSweepInterval() time.Duration {
	return time.Duration(c.Locks.SweepIntervalMs) * time.Millisecond
}

func (c *Config) ActionCooldown() time.Duration {
	return time.Duration(c.Autonomy.CooldownMs) * time.Millisecond
}

func (c *Config) EscalationSweepInterval() time.Duration {
	return time.Duration(c.Escalation.SweepIntervalMs) * time.Millisecond
}

func (c *Config) SecretsCacheTTL() time.Duration {
	return time.Duration(c.Secrets.CacheTTLSecs) * time.Second
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8700,
			MetricsPort: 8701,
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Events: EventsConfig{
			URL: "nats://localhost:4222",
		},
		Sandbox: SandboxConfig{
			URL:         "http://localhost:9200",
			MaxAttempts: 4,
		},
		Secrets: SecretsConfig{
			URL:          "http://localhost:9300",
			CacheTTLSecs: 300,
		},
		Watcher: WatcherConfig{
			BufferCapacity:   1000,
			StuckThresholdMs: 300000,
			CheckIntervalMs:  30000,
		},
		Locks: LocksConfig{
			DefaultTTLMs:    600000,
			SweepIntervalMs: 60000,
		},
		Autonomy: AutonomyConfig{
			Level:      "supervised",
			CooldownMs: 120000,
			Project:    "default",
		},
		Assignment: AssignmentConfig{
			TickIntervalMs:        5000,
			MaxConcurrentPerAgent: 3,
			HeartbeatTimeoutMs:    90000,
			MinScore:              0,
		},
		Escalation: EscalationConfig{
			TTLHours:        24,
			SweepIntervalMs: 300000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		return fmt.Errorf("database url required for postgres driver")
	}
	switch cfg.Autonomy.Level {
	case "none", "supervised", "full":
	default:
		return fmt.Errorf("unknown autonomy level %q", cfg.Autonomy.Level)
	}
	if cfg.Watcher.BufferCapacity <= 0 {
		return fmt.Errorf("watcher buffer capacity must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WARDEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("WARDEN_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = n
		}
	}
	if v := os.Getenv("WARDEN_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("WARDEN_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("WARDEN_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
		if os.Getenv("WARDEN_DATABASE_DRIVER") == "" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("WARDEN_EVENTS_URL"); v != "" {
		cfg.Events.URL = v
	}
	if v := os.Getenv("WARDEN_SANDBOX_URL"); v != "" {
		cfg.Sandbox.URL = v
	}
	if v := os.Getenv("WARDEN_SANDBOX_TOKEN"); v != "" {
		cfg.Sandbox.Token = v
	}
	if v := os.Getenv("WARDEN_SECRETS_URL"); v != "" {
		cfg.Secrets.URL = v
	}
	if v := os.Getenv("WARDEN_AUTONOMY_LEVEL"); v != "" {
		cfg.Autonomy.Level = v
	}
	if v := os.Getenv("WARDEN_PROJECT"); v != "" {
		cfg.Autonomy.Project = v
	}
	if v := os.Getenv("WARDEN_TICK_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Assignment.TickIntervalMs = n
		}
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
