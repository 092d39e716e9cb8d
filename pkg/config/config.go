package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fluxfn/fluxfn/pkg/telemetry"
)

// Config is the top-level service configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Store configures the entity store.
	Store StoreConfig `yaml:"store"`

	// Engine configures session and operation processing.
	Engine EngineConfig `yaml:"engine"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Policy configures the authorization engine.
	Policy PolicyConfig `yaml:"policy"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the address the API server binds to.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// ReadTimeout bounds how long reading a request may take.
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"min=0"`

	// WriteTimeout bounds how long writing a response may take.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"min=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// StoreConfig configures the entity store.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns limits the connection pool size.
	MaxOpenConns int `yaml:"max_open_conns" validate:"min=1"`

	// MaxIdleConns limits idle pooled connections.
	MaxIdleConns int `yaml:"max_idle_conns" validate:"min=0"`

	// SweepInterval is how often expired rows are purged. Zero disables
	// the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=0"`
}

// EngineConfig configures session and operation processing.
type EngineConfig struct {
	// SessionTTL is how long a session stays writable after creation.
	SessionTTL time.Duration `yaml:"session_ttl" validate:"required,min=1m"`

	// QueueCapacity bounds the async task queue.
	QueueCapacity int `yaml:"queue_capacity" validate:"min=1"`

	// QueueWorkers is the number of task workers.
	QueueWorkers int `yaml:"queue_workers" validate:"min=1"`

	// MaxConcurrentDispatches caps in-flight function executions per
	// subscription. Zero or negative disables the gate.
	MaxConcurrentDispatches int `yaml:"max_concurrent_dispatches"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	// LogLevel sets the minimum log level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`

	// LogFormat specifies the log format (console, json).
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	// TracingEnabled controls whether spans are exported.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TracingExporter specifies the exporter (otlp, stdout, none).
	TracingExporter string `yaml:"tracing_exporter" validate:"oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// MetricsAddr is the Prometheus scrape address. Empty disables metrics.
	MetricsAddr string `yaml:"metrics_addr"`
}

// PolicyConfig configures the authorization engine.
type PolicyConfig struct {
	// Enabled controls whether permission checks run at all.
	Enabled bool `yaml:"enabled"`

	// Paths are extra .rego policy files or directories loaded on top of
	// the built-in policies.
	Paths []string `yaml:"paths"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Path:          "fluxfn.db",
			MaxOpenConns:  10,
			MaxIdleConns:  5,
			SweepInterval: 10 * time.Minute,
		},
		Engine: EngineConfig{
			SessionTTL:              2 * time.Hour,
			QueueCapacity:           100,
			QueueWorkers:            10,
			MaxConcurrentDispatches: 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			TracingEnabled:  false,
			TracingExporter: "none",
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
	}
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result. A missing file is not an error; defaults plus
// environment overrides are returned instead.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides configuration fields from FLUXFN_* environment
// variables. Unparsable values are ignored in favor of the file value.
func (c *Config) applyEnv() {
	if v := os.Getenv("FLUXFN_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("FLUXFN_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FLUXFN_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := os.Getenv("FLUXFN_LOG_FORMAT"); v != "" {
		c.Telemetry.LogFormat = v
	}
	if v := os.Getenv("FLUXFN_METRICS_ADDR"); v != "" {
		c.Telemetry.MetricsAddr = v
	}
	if v := os.Getenv("FLUXFN_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.SessionTTL = d
		}
	}
	if v := os.Getenv("FLUXFN_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.QueueCapacity = n
		}
	}
	if v := os.Getenv("FLUXFN_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.QueueWorkers = n
		}
	}
	if v := os.Getenv("FLUXFN_MAX_DISPATCHES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxConcurrentDispatches = n
		}
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid configuration: %s", verrs[0].Error())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Store.MaxIdleConns > c.Store.MaxOpenConns {
		return fmt.Errorf("invalid configuration: max_idle_conns (%d) exceeds max_open_conns (%d)",
			c.Store.MaxIdleConns, c.Store.MaxOpenConns)
	}

	if c.Telemetry.TracingEnabled && c.Telemetry.TracingExporter == "otlp" && c.Telemetry.TracingEndpoint == "" {
		return fmt.Errorf("invalid configuration: tracing_endpoint is required for the otlp exporter")
	}

	return nil
}

// TelemetrySettings converts the file-level telemetry section into the
// telemetry package's configuration.
func (c *Config) TelemetrySettings(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Metrics.Enabled = c.Telemetry.MetricsAddr != ""
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddr
	return tc
}
