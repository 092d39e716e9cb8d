// Package config loads and validates the fluxfn service configuration.
//
// Configuration comes from three layers, later layers override earlier
// ones: built-in defaults, a YAML file, and FLUXFN_* environment
// variables. The merged result is validated with struct tags before it
// is handed to the rest of the service.
//
// A Watcher can re-read the file on change so long-running processes
// pick up operational knobs without a restart. A reload that fails
// validation is rejected and the running configuration stays in effect.
package config
