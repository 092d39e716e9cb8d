// Package policy provides the authorization evaluator for the control plane.
// Permission checks are expressed as Rego policies evaluated with OPA; the
// built-in policies require an account scope and a matching permission
// grant, and deployments can register additional policies at startup.
package policy
