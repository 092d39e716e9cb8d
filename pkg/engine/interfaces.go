package engine

import (
	"context"
	"time"
)

// Store is the entity store adapter: typed CRUD plus tag operations per
// entity kind. Implementations must guarantee that all writes performed
// through the Store handed to an InTransaction callback commit together or
// not at all.
type Store interface {
	// Get loads an entity row. Returns a not-found classified error when the
	// row does not exist.
	Get(ctx context.Context, entityType EntityType, key EntityKey) (*Entity, error)

	// Create inserts a new entity row. Returns a conflict classified error on
	// duplicate key.
	Create(ctx context.Context, entity *Entity) (*Entity, error)

	// Update overwrites an existing entity row.
	Update(ctx context.Context, entity *Entity) (*Entity, error)

	// Delete removes an entity row.
	Delete(ctx context.Context, entityType EntityType, key EntityKey) error

	// GetTags returns the tag set of an entity row.
	GetTags(ctx context.Context, entityType EntityType, key EntityKey) (Tags, error)

	// SetTag sets a single tag on an entity row.
	SetTag(ctx context.Context, entityType EntityType, key EntityKey, tagKey, tagValue string) error

	// DeleteTag removes a single tag from an entity row.
	DeleteTag(ctx context.Context, entityType EntityType, key EntityKey, tagKey string) error

	// InTransaction runs fn with a Store whose writes commit atomically when
	// fn returns nil and roll back entirely when it returns an error.
	InTransaction(ctx context.Context, fn func(tx Store) error) error
}

// FunctionParams addresses a hosted function at the compute backend.
type FunctionParams struct {
	AccountID      string `json:"accountId"`
	SubscriptionID string `json:"subscriptionId"`

	// BoundaryID namespaces functions by the entity kind that owns them.
	BoundaryID string `json:"boundaryId"`

	// FunctionID is the owning entity's id.
	FunctionID string `json:"functionId"`
}

// FunctionSpec is the provisioning specification handed to the compute
// backend when creating or updating a hosted function.
type FunctionSpec struct {
	// ID is the function identifier.
	ID string `json:"id"`

	// Files maps file names to contents.
	Files map[string]string `json:"files"`

	// Handler is the entry module within Files.
	Handler string `json:"handler"`

	// Configuration is the runtime configuration injected into the function.
	Configuration Data `json:"configuration,omitempty"`

	// Security carries the authentication/authorization material for the
	// function, produced by the owning kind's hooks.
	Security Data `json:"security,omitempty"`

	// Schedule optionally makes the function cron-triggered.
	Schedule *FunctionSchedule `json:"schedule,omitempty"`
}

// FunctionSchedule is a cron trigger definition.
type FunctionSchedule struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// BuildResult is returned by CreateFunction; a non-empty BuildID means the
// build is still in progress and must be polled.
type BuildResult struct {
	Code    int    `json:"code"`
	BuildID string `json:"buildId,omitempty"`
}

// InvokeRequest describes a dispatch into a hosted function.
type InvokeRequest struct {
	Params  FunctionParams    `json:"params"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
}

// InvokeResponse is the result of a hosted function dispatch.
type InvokeResponse struct {
	StatusCode int               `json:"statusCode"`
	Body       []byte            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Logs       []string          `json:"logs,omitempty"`
}

// ComputeProvider is the external managed compute backend that hosts
// provisioned functions.
type ComputeProvider interface {
	// CreateFunction creates or replaces a hosted function.
	CreateFunction(ctx context.Context, params FunctionParams, spec *FunctionSpec) (*BuildResult, error)

	// WaitForBuild polls an in-progress build until completion or timeout.
	WaitForBuild(ctx context.Context, params FunctionParams, buildID string, timeout time.Duration) error

	// DeleteFunction removes a hosted function. Missing functions are not an
	// error.
	DeleteFunction(ctx context.Context, params FunctionParams) error

	// ExecuteFunction dispatches a request into a hosted function.
	ExecuteFunction(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
}

// Identity is the authenticated principal attached to a request.
type Identity struct {
	// Subject is the principal identifier.
	Subject string `json:"subject"`

	// AccountID scopes the principal.
	AccountID string `json:"accountId"`

	// Claims carries additional principal attributes for policy evaluation.
	Claims map[string]interface{} `json:"claims,omitempty"`
}

// Authorizer evaluates permission policy before mutating operations.
type Authorizer interface {
	// CheckPermission returns a classified error on denial.
	CheckPermission(ctx context.Context, identity Identity, action, resource string) error
}

// EntityHooks captures the per-kind behavior the orchestration engine is
// parameterized by, replacing a per-kind service hierarchy with a small
// capability surface.
type EntityHooks interface {
	// EntityType names the kind these hooks serve.
	EntityType() EntityType

	// Sanitize validates and normalizes an entity before it is written.
	Sanitize(entity *Entity) error

	// BuildFunctionSpec derives the compute provisioning spec for an entity.
	BuildFunctionSpec(entity *Entity) (*FunctionSpec, error)

	// SecuritySpec derives the function's security material.
	SecuritySpec(entity *Entity) Data
}
