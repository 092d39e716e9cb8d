package policy

import (
	"time"
)

// GetBuiltinPolicies returns the policies every deployment evaluates.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		accountScopePolicy(),
		grantedPermissionPolicy(),
	}
}

// accountScopePolicy denies requests whose identity carries no account.
func accountScopePolicy() Policy {
	return Policy{
		Name:        "account-scope",
		Description: "Denies requests from identities without an account scope",
		Severity:    SeverityError,
		Enabled:     true,
		CreatedAt:   time.Now(),
		Rego: `package fluxfn.authz

import rego.v1

deny contains violation if {
	not input.accountId
	violation := {
		"message": "identity has no account scope",
		"severity": "error",
	}
}

deny contains violation if {
	input.accountId == ""
	violation := {
		"message": "identity has no account scope",
		"severity": "error",
	}
}
`,
	}
}

// grantedPermissionPolicy requires the requested action to appear in the
// identity's granted permissions. A grant matches when its action equals the
// requested action (or is the "*" wildcard) and its resource is a prefix of
// the requested resource.
func grantedPermissionPolicy() Policy {
	return Policy{
		Name:        "granted-permission",
		Description: "Requires the requested action to be covered by a granted permission",
		Severity:    SeverityError,
		Enabled:     true,
		CreatedAt:   time.Now(),
		Rego: `package fluxfn.authz

import rego.v1

grant_matches(grant) if {
	grant.action == input.action
	startswith(input.resource, grant.resource)
}

grant_matches(grant) if {
	grant.action == "*"
	startswith(input.resource, grant.resource)
}

deny contains violation if {
	count([g | some g in input.claims.permissions; grant_matches(g)]) == 0
	violation := {
		"message": sprintf("action '%s' on '%s' is not covered by any grant", [input.action, input.resource]),
		"severity": "error",
	}
}
`,
	}
}
