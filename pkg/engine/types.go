package engine

import (
	"time"
)

// Tags are free-form key-value labels attached to entities.
type Tags map[string]string

// Merge returns a new tag set with all entries of t overlaid by overlay.
func (t Tags) Merge(overlay Tags) Tags {
	merged := make(Tags, len(t)+len(overlay))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// Data is the schemaless payload of an entity row.
type Data map[string]interface{}

// Merge returns a new payload with all entries of d overlaid by overlay.
func (d Data) Merge(overlay Data) Data {
	merged := make(Data, len(d)+len(overlay))
	for k, v := range d {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// EntityKey identifies an entity row. Identity is the full triple.
// Embedding it gives sessions, operations and entities a common Key method.
type EntityKey struct {
	// AccountID is the owning account.
	AccountID string `json:"accountId"`

	// SubscriptionID is the owning subscription within the account.
	SubscriptionID string `json:"subscriptionId"`

	// ID is the entity identifier, unique within the subscription.
	ID string `json:"id"`
}

// Key returns the identifying triple.
func (e EntityKey) Key() EntityKey {
	return e
}

// Entity is the generic envelope persisted for every kind.
type Entity struct {
	EntityKey

	// EntityType is the kind of this row.
	EntityType EntityType `json:"entityType"`

	// Data is the kind-specific payload.
	Data Data `json:"data,omitempty"`

	// Tags are free-form labels.
	Tags Tags `json:"tags,omitempty"`

	// State is the lifecycle state, where the kind tracks one.
	State EntityState `json:"state,omitempty"`

	// OperationState reflects the most recent asynchronous work on this row.
	OperationState *OperationState `json:"operationState,omitempty"`

	// Expires marks ephemeral rows (sessions) for garbage collection.
	Expires *time.Time `json:"expires,omitempty"`

	// Version is the optimistic concurrency counter maintained by the
	// store. Updates carrying a stale version fail with a conflict.
	Version int64 `json:"version,omitempty"`

	// DatabaseID is the store-assigned surrogate key, used to compose
	// subordinate identifiers. Never exposed to API consumers.
	DatabaseID string `json:"-"`
}

// OperationState records the verb and progress of the last async mutation.
type OperationState struct {
	// Operation is the mutation verb.
	Operation OperationVerb `json:"operation"`

	// Status is the current progress.
	Status OperationStatus `json:"status"`

	// Message carries a human-readable progress or failure description.
	Message string `json:"message,omitempty"`
}

// StepTarget names the entity a step configures and where its form lives.
type StepTarget struct {
	// EntityType is the kind of the configured entity.
	EntityType EntityType `json:"entityType"`

	// EntityID is the identifier of the configured entity.
	EntityID string `json:"entityId"`

	// Path is the configuration flow path served by the target entity.
	Path string `json:"path,omitempty"`
}

// Step is one named unit of work within a trunk session's component list.
type Step struct {
	// Name uniquely identifies the step within its trunk session.
	Name string `json:"name"`

	// Target names the entity this step configures.
	Target StepTarget `json:"target"`

	// DependsOn lists step names that must be declared earlier in the list.
	DependsOn []string `json:"dependsOn,omitempty"`

	// Skip excludes the step from sessions that do not request it explicitly.
	Skip bool `json:"skip,omitempty"`

	// Input is the seed payload handed to the step's leaf session.
	Input Data `json:"input,omitempty"`

	// Output is populated on leaf sessions once the caller posts results.
	Output Data `json:"output,omitempty"`

	// ChildSessionID is set once the step's leaf session has been created.
	// Immutable afterward, and always resolves to an existing leaf.
	ChildSessionID string `json:"childSessionId,omitempty"`
}

// SessionReference is a decomposed pointer to another session, recorded in a
// leaf's dependsOn map.
type SessionReference struct {
	ParentEntityType EntityType `json:"parentEntityType"`
	ParentEntityID   string     `json:"parentEntityId"`
	EntityID         string     `json:"entityId"`
}

// TrunkSession is the root of a multi-step workflow.
type TrunkSession struct {
	EntityKey

	// ParentID is the workflow-root entity this session configures.
	ParentID string `json:"parentId"`

	// Components is the ordered, DAG-validated step list.
	Components []Step `json:"components"`

	// RedirectURL is where the caller lands when the workflow terminates.
	RedirectURL string `json:"redirectUrl"`

	// ReplacementTargetID is set when reconfiguring an existing instance.
	ReplacementTargetID string `json:"replacementTargetId,omitempty"`

	// Output summarizes the committed instance once the session completes.
	Output *SessionOutput `json:"output,omitempty"`

	// Tags are propagated to leaf sessions and the committed instance.
	Tags Tags `json:"tags,omitempty"`

	// Expires marks the session for garbage collection.
	Expires *time.Time `json:"expires,omitempty"`
}

// SessionOutput records the instance produced by a successful commit.
type SessionOutput struct {
	AccountID        string     `json:"accountId"`
	SubscriptionID   string     `json:"subscriptionId"`
	ParentEntityType EntityType `json:"parentEntityType"`
	ParentEntityID   string     `json:"parentEntityId"`
	EntityType       EntityType `json:"entityType"`
	EntityID         string     `json:"entityId"`
	Tags             Tags       `json:"tags,omitempty"`
}

// LeafSession is the execution context for exactly one step.
type LeafSession struct {
	EntityKey

	// Name is the step name this leaf executes.
	Name string `json:"name"`

	// Target names the entity being configured.
	Target StepTarget `json:"target"`

	// Input is the seed payload for the configuration flow.
	Input Data `json:"input,omitempty"`

	// Output is the result posted by the caller, written exactly once.
	Output Data `json:"output,omitempty"`

	// PreviousOutput carries prior results when reconfiguring.
	PreviousOutput Data `json:"previousOutput,omitempty"`

	// DependsOn maps earlier step names to their session references.
	DependsOn map[string]SessionReference `json:"dependsOn,omitempty"`

	// ParentID is the owning trunk session.
	ParentID string `json:"parentId"`

	// ReplacementTargetID is the prior sub-entity id when reconfiguring.
	ReplacementTargetID string `json:"replacementTargetId,omitempty"`

	// Tags are inherited from the trunk and merged into commit results.
	Tags Tags `json:"tags,omitempty"`
}

// ErrorOutput extracts the error fields a leaf's output may carry.
func (l *LeafSession) ErrorOutput() (code, description string) {
	if l.Output == nil {
		return "", ""
	}
	if v, ok := l.Output["error"].(string); ok {
		code = v
	}
	if v, ok := l.Output["errorDescription"].(string); ok {
		description = v
	}
	return code, description
}

// SessionParameters are the caller-supplied details for creating a session.
type SessionParameters struct {
	// Steps optionally restricts and reorders the parent's declared steps.
	Steps []string `json:"steps,omitempty"`

	// Tags replace (or with ExtendTags, extend) the parent's component tags.
	Tags Tags `json:"tags,omitempty"`

	// ExtendTags merges parent component tags under the session tags.
	ExtendTags bool `json:"extendTags,omitempty"`

	// Input supplies per-step input overrides keyed by step name.
	Input map[string]Data `json:"input,omitempty"`

	// RedirectURL is the workflow's terminal redirect target.
	RedirectURL string `json:"redirectUrl"`

	// InstanceID reconfigures an existing instance instead of creating one.
	InstanceID string `json:"instanceId,omitempty"`
}

// Operation is the pollable record of one asynchronous unit of work.
type Operation struct {
	EntityKey

	// Verb is the mutation kind being performed.
	Verb OperationVerb `json:"verb"`

	// Type is the kind of the subject entity.
	Type EntityType `json:"type"`

	// StatusCode starts at 202 and transitions exactly once to a terminal
	// HTTP-shaped code (200 or an error code).
	StatusCode int `json:"statusCode"`

	// Message carries the failure description for terminal errors.
	Message string `json:"message,omitempty"`

	// Location points at the subject entity.
	Location OperationLocation `json:"location"`

	// Payload optionally carries a result document on success.
	Payload Data `json:"payload,omitempty"`
}

// OperationLocation points an operation at its subject entity.
type OperationLocation struct {
	AccountID      string     `json:"accountId"`
	SubscriptionID string     `json:"subscriptionId"`
	EntityID       string     `json:"entityId,omitempty"`
	EntityType     EntityType `json:"entityType"`
}

// IsTerminal returns true once the operation has reached its final status.
func (o *Operation) IsTerminal() bool {
	return o.StatusCode != 202
}

// RedirectMode distinguishes the two redirect targets finishSession produces.
type RedirectMode string

const (
	// RedirectModeURL sends the caller to the trunk's redirectUrl.
	RedirectModeURL RedirectMode = "url"

	// RedirectModeTarget sends the caller into the next step's flow.
	RedirectModeTarget RedirectMode = "target"
)

// Redirect describes where a session call sends the caller next.
type Redirect struct {
	// Mode selects between a raw URL and a step target.
	Mode RedirectMode `json:"mode"`

	// URL is set for RedirectModeURL.
	URL string `json:"url,omitempty"`

	// Target is set for RedirectModeTarget.
	Target *StepRedirect `json:"target,omitempty"`
}

// StepRedirect carries the elements needed to enter a step's flow.
type StepRedirect struct {
	AccountID      string     `json:"accountId"`
	SubscriptionID string     `json:"subscriptionId"`
	SessionID      string     `json:"sessionId"`
	EntityType     EntityType `json:"entityType"`
	EntityID       string     `json:"entityId"`
	Path           string     `json:"path,omitempty"`
}

// Result is the uniform service response shape consumed by the routing layer.
type Result struct {
	// StatusCode is the HTTP-shaped status of the call.
	StatusCode int `json:"statusCode"`

	// Value is the call-specific result document.
	Value interface{} `json:"result,omitempty"`
}

// OperationHandle is returned synchronously when asynchronous work is accepted.
type OperationHandle struct {
	// StatusCode is always 202 on acceptance.
	StatusCode int `json:"statusCode"`

	// OperationID identifies the pollable operation record.
	OperationID string `json:"operationId"`

	// Target points at the subject entity.
	Target OperationLocation `json:"target"`

	// StatusOnly indicates the operation carries no payload on success.
	StatusOnly bool `json:"statusOnly"`
}
