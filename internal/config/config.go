// Package config loads and validates application configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig describes the persistence driver.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`  // memory | postgres
	DSNEnv          string        `yaml:"dsn_env"` // env var holding the DSN
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// GatewayConfig describes the messaging-channel API client.
type GatewayConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`
	MediaDir   string        `yaml:"media_dir"`
}

// Dispatch recovery mode constants.
const (
	RecoverResume    = "resume"
	RecoverMarkError = "mark_error"
	RecoverOff       = "off"
)

// DispatchConfig tunes the orchestrator and flow engine.
type DispatchConfig struct {
	// SendInterval is the fixed delay between consecutive recipient sends,
	// the system's backpressure against channel rate limits.
	SendInterval time.Duration `yaml:"send_interval"`
	// StepDelay is the scheduling delay between auto-advancing flow steps.
	StepDelay time.Duration `yaml:"step_delay"`
	// ImageDelay spaces out multi-image nodes.
	ImageDelay time.Duration `yaml:"image_delay"`
	// ChainLimit bounds consecutive auto-advances so a mis-drawn graph
	// cannot loop forever without reaching waiting_reply.
	ChainLimit int `yaml:"chain_limit"`
	// Recover selects the startup reconciliation for dispatches left
	// running by a crash: resume | mark_error | off.
	Recover string `yaml:"recover"`
}

// NotifyConfig selects the notification transport.
type NotifyConfig struct {
	Driver         string `yaml:"driver"` // websocket | amqp | none
	AMQPURLEnv     string `yaml:"amqp_url_env"`
	ExchangePrefix string `yaml:"exchange_prefix"`
}

// ObservabilityConfig groups logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes OpenTelemetry trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // otlp | stdout
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with production-safe defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "postgres",
			DSNEnv:          "ZAPLANE_DATABASE_URL",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Gateway: GatewayConfig{
			BaseURL:    "https://graph.facebook.com",
			APIVersion: "v19.0",
			Timeout:    30 * time.Second,
		},
		Dispatch: DispatchConfig{
			SendInterval: 200 * time.Millisecond,
			StepDelay:    500 * time.Millisecond,
			ImageDelay:   1 * time.Second,
			ChainLimit:   25,
			Recover:      RecoverMarkError,
		},
		Notify: NotifyConfig{
			Driver:         "websocket",
			AMQPURLEnv:     "ZAPLANE_AMQP_URL",
			ExchangePrefix: "zaplane.events",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q unsupported (memory, postgres)", c.Store.Driver))
	}
	switch c.Notify.Driver {
	case "websocket", "amqp", "none":
	default:
		errs = append(errs, fmt.Sprintf("notify.driver %q unsupported (websocket, amqp, none)", c.Notify.Driver))
	}
	switch c.Dispatch.Recover {
	case RecoverResume, RecoverMarkError, RecoverOff:
	default:
		errs = append(errs, fmt.Sprintf("dispatch.recover %q unsupported (resume, mark_error, off)", c.Dispatch.Recover))
	}
	if c.Dispatch.ChainLimit < 1 {
		errs = append(errs, "dispatch.chain_limit must be at least 1")
	}
	if c.Dispatch.SendInterval < 0 {
		errs = append(errs, "dispatch.send_interval must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ZAPLANE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZAPLANE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ZAPLANE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ZAPLANE_GATEWAY_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("ZAPLANE_NOTIFY_DRIVER"); v != "" {
		cfg.Notify.Driver = v
	}
	if v := os.Getenv("ZAPLANE_DISPATCH_RECOVER"); v != "" {
		cfg.Dispatch.Recover = v
	}
	if v := os.Getenv("ZAPLANE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
