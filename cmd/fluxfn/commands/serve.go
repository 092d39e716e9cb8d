package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fluxfn/fluxfn/pkg/config"
	"github.com/fluxfn/fluxfn/pkg/engine"
	"github.com/fluxfn/fluxfn/pkg/policy"
	"github.com/fluxfn/fluxfn/pkg/provider"
	"github.com/fluxfn/fluxfn/pkg/store"
	"github.com/fluxfn/fluxfn/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	var watchConfig bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Start the fluxfn control plane.

This wires together the entity store, the session/operation engine,
the authorization policy engine and the compute provider, then blocks
until interrupted. Metrics are exposed on the configured address.`,
		Example: `  # Run with the default config file
  fluxfn serve

  # Run with an explicit config file and hot reload
  fluxfn serve --config /etc/fluxfn/fluxfn.yaml --watch-config`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version, watchConfig)
		},
	}

	cmd.Flags().BoolVar(&watchConfig, "watch-config", false, "reload tunables when the config file changes")

	return cmd
}

func runServe(ctx context.Context, version string, watchConfig bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}

	tcfg := cfg.TelemetrySettings(version)

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	zl := logger.Zerolog()

	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			zl.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	st, err := store.NewSQLiteStore(store.Config{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	var authorizer engine.Authorizer
	if cfg.Policy.Enabled {
		pe, err := policy.NewEngine(zl)
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			loaded, err := policy.NewLoader(zl).LoadFromPaths(cfg.Policy.Paths)
			if err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
			for _, p := range loaded {
				if err := pe.AddPolicy(ctx, p); err != nil {
					return fmt.Errorf("failed to register policy %s: %w", p.Name, err)
				}
			}
		}
		authorizer = pe
	}

	queue := engine.NewTaskQueue(cfg.Engine.QueueCapacity, cfg.Engine.QueueWorkers, metrics, zl)
	defer queue.Close()

	gate := engine.NewGate(cfg.Engine.MaxConcurrentDispatches, metrics)

	orch, err := engine.New(engine.Options{
		Store:      st,
		Provider:   provider.NewDevProvider(metrics, zl),
		Authorizer: authorizer,
		Hooks: []engine.EntityHooks{
			provider.NewIntegrationHooks(),
			provider.NewConnectorHooks(),
		},
		Queue:      queue,
		Gate:       gate,
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     zl,
		SessionTTL: cfg.Engine.SessionTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if err := metrics.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if cfg.Store.SweepInterval > 0 {
		go runSweeper(ctx, st, cfg.Store.SweepInterval)
	}

	if watchConfig {
		go func() {
			watcher := config.NewWatcher(configPath, zl)
			err := watcher.Watch(ctx, func(next *config.Config) error {
				// Only tunables are applied live; listener and store
				// settings need a restart.
				gate.SetMax(next.Engine.MaxConcurrentDispatches)
				zl.Info().
					Int("max_dispatches", next.Engine.MaxConcurrentDispatches).
					Msg("Applied configuration tunables")
				return nil
			})
			if err != nil && ctx.Err() == nil {
				zl.Warn().Err(err).Msg("Config watcher stopped")
			}
		}()
	}

	server := newHealthServer(cfg.Server, orch)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Error().Err(err).Msg("Health server failed")
		}
	}()

	zl.Info().
		Str("version", version).
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("store", cfg.Store.Path).
		Int("queue_workers", cfg.Engine.QueueWorkers).
		Msg("Control plane started")

	<-ctx.Done()
	log.Info().Msg("Shutting down control plane")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Warn().Err(err).Msg("Health server shutdown failed")
	}
	return nil
}

// newHealthServer exposes liveness and readiness probes. The request API
// itself is served by the fronting router, not this process.
func newHealthServer(cfg config.ServerConfig, orch *engine.Orchestrator) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := orch.Healthy(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// runSweeper periodically purges expired entity rows.
func runSweeper(ctx context.Context, st *store.SQLiteStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := st.DeleteExpired(ctx); err != nil {
				log.Warn().Err(err).Msg("Expired-row sweep failed")
			}
		}
	}
}
