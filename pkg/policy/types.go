package policy

import (
	"time"
)

// Severity levels for policy violations.
type Severity string

const (
	// SeverityInfo is advisory only.
	SeverityInfo Severity = "info"

	// SeverityWarning surfaces in logs but does not deny.
	SeverityWarning Severity = "warning"

	// SeverityError denies the request.
	SeverityError Severity = "error"
)

// Policy is one named Rego policy evaluated on permission checks.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description explains what the policy enforces.
	Description string `json:"description"`

	// Severity controls whether a violation denies the request.
	Severity Severity `json:"severity"`

	// Enabled toggles evaluation.
	Enabled bool `json:"enabled"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// CreatedAt is when the policy was registered.
	CreatedAt time.Time `json:"createdAt"`
}

// PermissionInput is the document handed to policy evaluation.
type PermissionInput struct {
	// Subject is the authenticated principal.
	Subject string `json:"subject"`

	// AccountID scopes the principal.
	AccountID string `json:"accountId"`

	// Claims carries the principal's attributes, including its granted
	// permissions under the "permissions" key.
	Claims map[string]interface{} `json:"claims,omitempty"`

	// Action is the permission being requested, e.g. "entity:add".
	Action string `json:"action"`

	// Resource is the entity the action targets.
	Resource string `json:"resource"`
}
