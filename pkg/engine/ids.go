package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Subordinate identifiers compose a child row's id from its parent's kind and
// surrogate key: "<parentType>/<parentDatabaseID>/<entityID>". Sessions hang
// off integrations this way, identities off connectors, instances off their
// parent integration.

const subordinateSeparator = "/"

// SubordinateID is the decomposed form of a subordinate identifier.
type SubordinateID struct {
	// ParentEntityType is the kind of the owning row.
	ParentEntityType EntityType `json:"parentEntityType"`

	// ParentEntityID is the owning row's database id (or api id, when
	// decomposed from a stored reference).
	ParentEntityID string `json:"parentEntityId"`

	// EntityID is the subordinate's own identifier.
	EntityID string `json:"entityId"`
}

// ComposeSubordinateID builds the stored identifier for a subordinate row.
func ComposeSubordinateID(parentType EntityType, parentDatabaseID, entityID string) string {
	return strings.Join([]string{string(parentType), parentDatabaseID, entityID}, subordinateSeparator)
}

// DecomposeSubordinateID splits a stored subordinate identifier.
func DecomposeSubordinateID(id string) (SubordinateID, error) {
	parts := strings.SplitN(id, subordinateSeparator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return SubordinateID{}, NewInternalError(nil, "malformed subordinate id '%s'", id)
	}
	return SubordinateID{
		ParentEntityType: EntityType(parts[0]),
		ParentEntityID:   parts[1],
		EntityID:         parts[2],
	}, nil
}

// Reference converts the decomposed id into a session reference.
func (s SubordinateID) Reference() SessionReference {
	return SessionReference{
		ParentEntityType: s.ParentEntityType,
		ParentEntityID:   s.ParentEntityID,
		EntityID:         s.EntityID,
	}
}

// NewID mints a fresh identifier for an entity of the given kind. The kind
// prefix keeps ids self-describing in logs and stored references.
func NewID(entityType EntityType) string {
	prefix := map[EntityType]string{
		EntityTypeSession:   "ses",
		EntityTypeInstance:  "ins",
		EntityTypeIdentity:  "idn",
		EntityTypeOperation: "opn",
	}[entityType]
	if prefix == "" {
		prefix = "ent"
	}
	return fmt.Sprintf("%s-%s", prefix, strings.ReplaceAll(uuid.New().String(), "-", ""))
}
