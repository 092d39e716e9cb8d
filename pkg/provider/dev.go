// Package provider contains compute backend implementations. The dev
// provider hosts functions in process for local development and tests; real
// deployments substitute a managed backend behind the same interface.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxfn/fluxfn/pkg/engine"
	"github.com/fluxfn/fluxfn/pkg/telemetry"
)

// DevProvider implements engine.ComputeProvider with an in-memory function
// table. Builds complete immediately and invocations return a synthesized
// response describing the hosted function.
type DevProvider struct {
	mu        sync.RWMutex
	functions map[string]*engine.FunctionSpec
	builds    map[string]time.Time
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

// NewDevProvider creates an empty in-process provider.
func NewDevProvider(metrics *telemetry.Metrics, logger zerolog.Logger) *DevProvider {
	return &DevProvider{
		functions: make(map[string]*engine.FunctionSpec),
		builds:    make(map[string]time.Time),
		metrics:   metrics,
		logger:    logger.With().Str("component", "dev-provider").Logger(),
	}
}

func functionKey(params engine.FunctionParams) string {
	return fmt.Sprintf("%s/%s/%s/%s",
		params.AccountID, params.SubscriptionID, params.BoundaryID, params.FunctionID)
}

// CreateFunction creates or replaces a hosted function. The dev provider
// validates the spec and registers it; builds are instantaneous.
func (p *DevProvider) CreateFunction(ctx context.Context, params engine.FunctionParams, spec *engine.FunctionSpec) (*engine.BuildResult, error) {
	start := time.Now()
	defer func() { p.metrics.RecordProviderCall("create_function", time.Since(start)) }()

	if spec == nil {
		p.metrics.RecordProviderError("create_function")
		return nil, engine.NewValidationError("function spec is required")
	}
	if spec.Handler == "" {
		p.metrics.RecordProviderError("create_function")
		return nil, engine.NewValidationError("function '%s' has no handler", spec.ID)
	}
	if _, ok := spec.Files[spec.Handler]; !ok {
		p.metrics.RecordProviderError("create_function")
		return nil, engine.NewValidationError(
			"function '%s' handler '%s' is not among its files", spec.ID, spec.Handler)
	}

	p.mu.Lock()
	p.functions[functionKey(params)] = spec
	p.mu.Unlock()

	p.logger.Debug().
		Str("function_id", params.FunctionID).
		Str("boundary", params.BoundaryID).
		Int("files", len(spec.Files)).
		Msg("Function registered")
	return &engine.BuildResult{Code: 200}, nil
}

// WaitForBuild polls an in-progress build. The dev provider never leaves a
// build pending, so any build id resolves immediately.
func (p *DevProvider) WaitForBuild(ctx context.Context, params engine.FunctionParams, buildID string, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// DeleteFunction removes a hosted function. Missing functions are not an
// error.
func (p *DevProvider) DeleteFunction(ctx context.Context, params engine.FunctionParams) error {
	start := time.Now()
	defer func() { p.metrics.RecordProviderCall("delete_function", time.Since(start)) }()

	p.mu.Lock()
	delete(p.functions, functionKey(params))
	p.mu.Unlock()
	return nil
}

// ExecuteFunction dispatches a request into a hosted function. The dev
// provider does not run user code; it answers with a synthesized document
// describing the function and echoing the request.
func (p *DevProvider) ExecuteFunction(ctx context.Context, req *engine.InvokeRequest) (*engine.InvokeResponse, error) {
	start := time.Now()
	defer func() { p.metrics.RecordProviderCall("execute_function", time.Since(start)) }()

	p.mu.RLock()
	spec, ok := p.functions[functionKey(req.Params)]
	p.mu.RUnlock()
	if !ok {
		p.metrics.RecordProviderError("execute_function")
		return nil, engine.NewNotFoundError(
			"function '%s' not found", req.Params.FunctionID).WithResource(req.Params.FunctionID)
	}

	body, err := json.Marshal(map[string]interface{}{
		"functionId": spec.ID,
		"handler":    spec.Handler,
		"method":     req.Method,
		"path":       req.Path,
		"query":      req.Query,
	})
	if err != nil {
		return nil, engine.NewInternalError(err, "failed to encode invoke response")
	}
	return &engine.InvokeResponse{
		StatusCode: 200,
		Body:       body,
		Headers:    map[string]string{"content-type": "application/json"},
		Logs: []string{
			fmt.Sprintf("invoke %s %s on %s", req.Method, req.Path, spec.ID),
		},
	}, nil
}

// FunctionCount reports how many functions are currently hosted. Used by
// tests and diagnostics.
func (p *DevProvider) FunctionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.functions)
}
