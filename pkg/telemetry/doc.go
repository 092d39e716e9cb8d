// Package telemetry provides observability instrumentation for the fluxfn
// control plane.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) into one configuration surface
// shared by every component.
//
// # Architecture
//
// The telemetry system is built on three pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "fluxfn"
//	cfg.ServiceVersion = "1.0.0"
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tracer.Shutdown(context.Background())
//
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := metrics.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Structured Logging
//
// The logger provides component-specific logging with domain field helpers:
//
//	logger := logger.NewComponentLogger("engine")
//	logger = logger.WithSessionID("ses-123").WithTenant(accountID, subscriptionID)
//	logger.Info("Starting session commit")
//	logger.WithError(err).Error("Commit failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into workflow flow and performance:
//
//	ctx, span := tracer.StartSessionSpan(ctx, "create", sessionID)
//	defer span.End()
//
//	span.SetAttributes(
//	    telemetry.AttrEntityID.String(entityID),
//	    telemetry.AttrOperationVerb.String("creating"),
//	)
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track system behavior and performance. A nil *Metrics
// records nothing, so instrumentation calls never need guarding:
//
//	metrics.RecordSessionCreated("integration")
//	metrics.RecordCommit(true, duration)
//	metrics.RecordOperationStarted("creating", "connector")
//	metrics.RecordProviderCall("create_function", duration)
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - fluxfn_sessions_created_total{parent_type}
//   - fluxfn_sessions_finished_total{status}
//   - fluxfn_commits_completed_total{status}
//   - fluxfn_commit_duration_seconds{status}
//   - fluxfn_operations_started_total{verb,entity_type}
//   - fluxfn_operations_completed_total{verb,code}
//   - fluxfn_tasks_queued_total{task}
//   - fluxfn_task_queue_depth
//   - fluxfn_gate_rejections_total{subscription}
//   - fluxfn_gate_in_flight{subscription}
//   - fluxfn_provider_calls_total{operation}
//   - fluxfn_errors_by_class_total{class}
//
// # Graceful Shutdown
//
// Always shut down the tracer gracefully to flush pending spans:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tracer.Shutdown(ctx); err != nil {
//	    log.Printf("Tracer shutdown error: %v", err)
//	}
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, keys, tokens)
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
