package engine

import (
	"encoding/json"
	"fmt"
)

// EntityState represents the lifecycle state of a managed entity.
type EntityState string

const (
	// StateCreating indicates the entity row exists but provisioning has not finished.
	StateCreating EntityState = "creating"

	// StateActive indicates the entity is fully provisioned and usable.
	StateActive EntityState = "active"

	// StateInvalid indicates provisioning failed and the entity is unusable.
	StateInvalid EntityState = "invalid"
)

// Validate checks if the entity state is valid.
func (s EntityState) Validate() error {
	switch s {
	case StateCreating, StateActive, StateInvalid:
		return nil
	default:
		return fmt.Errorf("invalid entity state: %s", s)
	}
}

// OperationVerb represents the kind of mutation an operation performs.
type OperationVerb string

const (
	// VerbCreating indicates the operation is materializing a new entity.
	VerbCreating OperationVerb = "creating"

	// VerbUpdating indicates the operation is mutating an existing entity.
	VerbUpdating OperationVerb = "updating"

	// VerbDeleting indicates the operation is removing an entity.
	VerbDeleting OperationVerb = "deleting"
)

// Validate checks if the operation verb is valid.
func (v OperationVerb) Validate() error {
	switch v {
	case VerbCreating, VerbUpdating, VerbDeleting:
		return nil
	default:
		return fmt.Errorf("invalid operation verb: %s", v)
	}
}

// OperationStatus represents the progress of an asynchronous operation.
type OperationStatus string

const (
	// OperationProcessing indicates the scheduled body has not yet reached a terminal state.
	OperationProcessing OperationStatus = "processing"

	// OperationSuccess indicates the scheduled body completed successfully.
	OperationSuccess OperationStatus = "success"

	// OperationFailed indicates the scheduled body failed.
	OperationFailed OperationStatus = "failed"
)

// IsTerminal returns true if the operation status represents a final state.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationSuccess || s == OperationFailed
}

// Validate checks if the operation status is valid.
func (s OperationStatus) Validate() error {
	switch s {
	case OperationProcessing, OperationSuccess, OperationFailed:
		return nil
	default:
		return fmt.Errorf("invalid operation status: %s", s)
	}
}

// SessionMode discriminates the two session variants.
type SessionMode string

const (
	// SessionModeTrunk is the root of a multi-step workflow, owning the step list.
	SessionModeTrunk SessionMode = "trunk"

	// SessionModeLeaf is the execution context for exactly one step.
	SessionModeLeaf SessionMode = "leaf"
)

// Validate checks if the session mode is valid.
func (m SessionMode) Validate() error {
	switch m {
	case SessionModeTrunk, SessionModeLeaf:
		return nil
	default:
		return fmt.Errorf("invalid session mode: %s", m)
	}
}

// EntityType identifies the kind of a stored entity row.
type EntityType string

const (
	// EntityTypeIntegration is the workflow-root kind; sessions hang off integrations.
	EntityTypeIntegration EntityType = "integration"

	// EntityTypeConnector backs a third-party service binding.
	EntityTypeConnector EntityType = "connector"

	// EntityTypeIdentity is a per-connector credential sub-entity.
	EntityTypeIdentity EntityType = "identity"

	// EntityTypeInstance is the materialized result of a committed session.
	EntityTypeInstance EntityType = "instance"

	// EntityTypeSession is a trunk or leaf configuration session.
	EntityTypeSession EntityType = "session"

	// EntityTypeOperation is a pollable asynchronous work record.
	EntityTypeOperation EntityType = "operation"
)

// Validate checks if the entity type is valid.
func (t EntityType) Validate() error {
	switch t {
	case EntityTypeIntegration, EntityTypeConnector, EntityTypeIdentity,
		EntityTypeInstance, EntityTypeSession, EntityTypeOperation:
		return nil
	default:
		return fmt.Errorf("invalid entity type: %s", t)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s OperationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OperationStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OperationStatus(str)
	return s.Validate()
}
