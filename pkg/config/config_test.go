package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fluxfn.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Engine.SessionTTL != 2*time.Hour {
		t.Errorf("expected default session ttl, got %s", cfg.Engine.SessionTTL)
	}
	if !cfg.Policy.Enabled {
		t.Error("expected policy enabled by default")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9090"
store:
  path: /var/lib/fluxfn/fluxfn.db
  sweep_interval: 5m
engine:
  session_ttl: 1h
  queue_capacity: 50
telemetry:
  log_level: debug
  log_format: json
policy:
  enabled: false
  paths:
    - /etc/fluxfn/policies
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen addr not overridden: %q", cfg.Server.ListenAddr)
	}
	if cfg.Store.Path != "/var/lib/fluxfn/fluxfn.db" || cfg.Store.SweepInterval != 5*time.Minute {
		t.Errorf("store section not applied: %+v", cfg.Store)
	}
	if cfg.Engine.SessionTTL != time.Hour || cfg.Engine.QueueCapacity != 50 {
		t.Errorf("engine section not applied: %+v", cfg.Engine)
	}
	if cfg.Telemetry.LogLevel != "debug" || cfg.Telemetry.LogFormat != "json" {
		t.Errorf("telemetry section not applied: %+v", cfg.Telemetry)
	}
	if cfg.Policy.Enabled || len(cfg.Policy.Paths) != 1 {
		t.Errorf("policy section not applied: %+v", cfg.Policy)
	}

	// Untouched fields keep their defaults.
	if cfg.Engine.QueueWorkers != 10 {
		t.Errorf("expected default queue workers, got %d", cfg.Engine.QueueWorkers)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9090"
`)
	t.Setenv("FLUXFN_LISTEN_ADDR", ":7070")
	t.Setenv("FLUXFN_LOG_LEVEL", "warn")
	t.Setenv("FLUXFN_SESSION_TTL", "90m")
	t.Setenv("FLUXFN_MAX_DISPATCHES", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("env should win over file: %q", cfg.Server.ListenAddr)
	}
	if cfg.Telemetry.LogLevel != "warn" {
		t.Errorf("log level env not applied: %q", cfg.Telemetry.LogLevel)
	}
	if cfg.Engine.SessionTTL != 90*time.Minute {
		t.Errorf("session ttl env not applied: %s", cfg.Engine.SessionTTL)
	}
	if cfg.Engine.MaxConcurrentDispatches != 5 {
		t.Errorf("dispatch ceiling env not applied: %d", cfg.Engine.MaxConcurrentDispatches)
	}
}

func TestLoad_UnparsableEnvIgnored(t *testing.T) {
	t.Setenv("FLUXFN_SESSION_TTL", "not-a-duration")
	t.Setenv("FLUXFN_QUEUE_CAPACITY", "lots")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.SessionTTL != 2*time.Hour || cfg.Engine.QueueCapacity != 100 {
		t.Errorf("unparsable env should leave defaults: %+v", cfg.Engine)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Telemetry.LogLevel = "loud" },
			wantErr: true,
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Telemetry.LogFormat = "xml" },
			wantErr: true,
		},
		{
			name:    "session ttl below a minute",
			mutate:  func(c *Config) { c.Engine.SessionTTL = 30 * time.Second },
			wantErr: true,
		},
		{
			name:    "empty store path",
			mutate:  func(c *Config) { c.Store.Path = "" },
			wantErr: true,
		},
		{
			name:    "idle exceeds open",
			mutate:  func(c *Config) { c.Store.MaxIdleConns = 50 },
			wantErr: true,
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.TracingEnabled = true
				c.Telemetry.TracingExporter = "otlp"
			},
			wantErr: true,
		},
		{
			name: "otlp with endpoint",
			mutate: func(c *Config) {
				c.Telemetry.TracingEnabled = true
				c.Telemetry.TracingExporter = "otlp"
				c.Telemetry.TracingEndpoint = "localhost:4317"
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestTelemetrySettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telemetry.LogLevel = "debug"
	cfg.Telemetry.LogFormat = "json"
	cfg.Telemetry.MetricsAddr = ":9091"

	tc := cfg.TelemetrySettings("1.2.3")
	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("version not carried: %q", tc.ServiceVersion)
	}
	if tc.Logging.Level != "debug" || tc.Logging.Format != "json" {
		t.Errorf("logging settings not carried: %+v", tc.Logging)
	}
	if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != ":9091" {
		t.Errorf("metrics settings not carried: %+v", tc.Metrics)
	}

	cfg.Telemetry.MetricsAddr = ""
	if cfg.TelemetrySettings("1.2.3").Metrics.Enabled {
		t.Error("empty metrics addr should disable metrics")
	}
}
