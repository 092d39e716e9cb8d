// Package store provides the entity store adapter for the control plane.
// It includes SQLite-based storage with WAL mode, connection pooling,
// embedded schema migrations, and the serializable transaction scope the
// engine's multi-row writes depend on.
package store
