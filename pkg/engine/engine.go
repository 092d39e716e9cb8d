// Package engine implements the control-plane orchestration core: the
// trunk/leaf session state machine, the commit pipeline that turns a
// finished session into a live instance, the asynchronous operation
// tracker, and the scheduling primitives (task queue, tenant gate) they
// run on.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxfn/fluxfn/pkg/telemetry"
)

// DefaultSessionTTL bounds how long an uncommitted session stays resumable.
const DefaultSessionTTL = 2 * time.Hour

// Orchestrator coordinates sessions, commits, operations and entity
// provisioning on top of a Store and a ComputeProvider. Per-kind behavior is
// supplied through EntityHooks.
type Orchestrator struct {
	store      Store
	provider   ComputeProvider
	authorizer Authorizer
	hooks      map[EntityType]EntityHooks
	queue      *TaskQueue
	gate       *Gate
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	logger     zerolog.Logger
	sessionTTL time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	// Store is the entity store adapter. Required.
	Store Store

	// Provider is the compute backend. Required for provisioning kinds.
	Provider ComputeProvider

	// Authorizer evaluates permission policy. Optional; nil allows all.
	Authorizer Authorizer

	// Hooks supplies per-kind behavior. Kinds without hooks get generic
	// envelope handling only.
	Hooks []EntityHooks

	// Queue runs deferred work. Required.
	Queue *TaskQueue

	// Gate bounds per-tenant concurrency on dispatch. Optional.
	Gate *Gate

	// Metrics is the telemetry collector. Optional.
	Metrics *telemetry.Metrics

	// Tracer emits spans around commit merges and operation bodies. Optional.
	Tracer *telemetry.Tracer

	// Logger is the component logger.
	Logger zerolog.Logger

	// SessionTTL overrides DefaultSessionTTL when positive.
	SessionTTL time.Duration
}

// New creates an Orchestrator from the given options.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, NewValidationError("store is required")
	}
	if opts.Queue == nil {
		return nil, NewValidationError("task queue is required")
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	hooks := make(map[EntityType]EntityHooks, len(opts.Hooks))
	for _, h := range opts.Hooks {
		hooks[h.EntityType()] = h
	}
	return &Orchestrator{
		store:      opts.Store,
		provider:   opts.Provider,
		authorizer: opts.Authorizer,
		hooks:      hooks,
		queue:      opts.Queue,
		gate:       opts.Gate,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     opts.Logger.With().Str("component", "engine").Logger(),
		sessionTTL: ttl,
	}, nil
}

// Healthy probes the store. A not-found result counts as healthy; only a
// transport or storage failure is reported.
func (o *Orchestrator) Healthy(ctx context.Context) error {
	_, err := o.store.Get(ctx, EntityTypeIntegration, EntityKey{
		AccountID:      "health",
		SubscriptionID: "health",
		ID:             "health-probe",
	})
	if err != nil && !IsNotFound(err) {
		return NewInternalError(err, "store probe failed")
	}
	return nil
}

// hooksFor returns the registered hooks for a kind, or nil.
func (o *Orchestrator) hooksFor(entityType EntityType) EntityHooks {
	return o.hooks[entityType]
}

// checkPermission consults the authorizer when one is configured.
func (o *Orchestrator) checkPermission(ctx context.Context, identity Identity, action, resource string) error {
	if o.authorizer == nil {
		return nil
	}
	return o.authorizer.CheckPermission(ctx, identity, action, resource)
}
