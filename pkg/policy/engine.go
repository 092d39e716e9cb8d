package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/fluxfn/fluxfn/pkg/engine"
)

// Engine implements engine.Authorizer by evaluating Rego policies against
// each permission check. All registered policies run; any error-severity
// violation denies the request.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, p := range GetBuiltinPolicies() {
		if err := e.register(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// AddPolicy compiles and registers an additional policy.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	return e.register(ctx, p)
}

func (e *Engine) register(ctx context.Context, p Policy) error {
	packageName := extractPackageName(p.Rego)
	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", packageName)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}
	e.mu.Unlock()

	e.logger.Debug().
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("Policy registered")
	return nil
}

// CheckPermission evaluates every enabled policy against the identity and
// request. Returns a validation-classified error naming the first denial.
func (e *Engine) CheckPermission(ctx context.Context, identity engine.Identity, action, resource string) error {
	input := PermissionInput{
		Subject:   identity.Subject,
		AccountID: identity.AccountID,
		Claims:    identity.Claims,
		Action:    action,
		Resource:  resource,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	startTime := time.Now()
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		denial, err := e.evaluate(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("action", action).
				Msg("Policy evaluation failed")
			return engine.NewInternalError(err, "policy '%s' evaluation failed", cp.policy.Name)
		}
		if denial != "" {
			if cp.policy.Severity != SeverityError {
				e.logger.Warn().
					Str("policy", cp.policy.Name).
					Str("action", action).
					Str("denial", denial).
					Msg("Policy violation (advisory)")
				continue
			}
			e.logger.Info().
				Str("policy", cp.policy.Name).
				Str("subject", identity.Subject).
				Str("action", action).
				Str("resource", resource).
				Msg("Permission denied")
			return engine.NewValidationError("permission denied: %s", denial).
				WithStatus(403).WithResource(resource)
		}
	}

	e.logger.Debug().
		Str("subject", identity.Subject).
		Str("action", action).
		Dur("duration", time.Since(startTime)).
		Msg("Permission check passed")
	return nil
}

// evaluate runs one policy's deny query and returns the first violation
// message, or "" when the policy is satisfied.
func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input PermissionInput) (string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("policy evaluation error: %w", err)
	}
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				if violation, ok := d.(map[string]interface{}); ok {
					if msg, ok := violation["message"].(string); ok {
						return msg, nil
					}
				}
				return fmt.Sprintf("%v", d), nil
			}
		}
	}
	return "", nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(source string) string {
	lines := strings.Split(source, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "fluxfn.authz"
}
