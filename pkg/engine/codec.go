package engine

import (
	"encoding/json"
)

// Sessions are persisted inside the generic entity envelope: the trunk/leaf
// document lives in Entity.Data with a "mode" discriminator. These helpers
// convert between the typed session structs and stored rows.

type trunkDoc struct {
	Mode                SessionMode    `json:"mode"`
	ParentID            string         `json:"parentId"`
	Components          []Step         `json:"components"`
	RedirectURL         string         `json:"redirectUrl"`
	ReplacementTargetID string         `json:"replacementTargetId,omitempty"`
	Output              *SessionOutput `json:"output,omitempty"`
}

type leafDoc struct {
	Mode                SessionMode                 `json:"mode"`
	Name                string                      `json:"name"`
	Target              StepTarget                  `json:"target"`
	Input               Data                        `json:"input,omitempty"`
	Output              Data                        `json:"output,omitempty"`
	PreviousOutput      Data                        `json:"previousOutput,omitempty"`
	DependsOn           map[string]SessionReference `json:"dependsOn,omitempty"`
	ParentID            string                      `json:"parentId"`
	ReplacementTargetID string                      `json:"replacementTargetId,omitempty"`
}

func toData(doc interface{}) (Data, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, NewInternalError(err, "failed to encode session document")
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, NewInternalError(err, "failed to encode session document")
	}
	return data, nil
}

func fromData(data Data, doc interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return NewInternalError(err, "failed to decode session document")
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return NewInternalError(err, "failed to decode session document")
	}
	return nil
}

// sessionMode reads the discriminator of a stored session row.
func sessionMode(entity *Entity) SessionMode {
	if entity.Data == nil {
		return ""
	}
	mode, _ := entity.Data["mode"].(string)
	return SessionMode(mode)
}

// trunkToEntity encodes a trunk session into its stored row.
func trunkToEntity(t *TrunkSession) (*Entity, error) {
	data, err := toData(trunkDoc{
		Mode:                SessionModeTrunk,
		ParentID:            t.ParentID,
		Components:          t.Components,
		RedirectURL:         t.RedirectURL,
		ReplacementTargetID: t.ReplacementTargetID,
		Output:              t.Output,
	})
	if err != nil {
		return nil, err
	}
	return &Entity{
		EntityKey:  t.EntityKey,
		EntityType: EntityTypeSession,
		Data:       data,
		Tags:       t.Tags,
		Expires:    t.Expires,
	}, nil
}

// entityToTrunk decodes a stored session row as a trunk session. Callers must
// have checked the mode first; a leaf row fails with a mode error.
func entityToTrunk(entity *Entity) (*TrunkSession, error) {
	if mode := sessionMode(entity); mode != SessionModeTrunk {
		return nil, NewModeError("invalid session type '%s' for '%s'", mode, entity.ID).
			WithResource(entity.ID)
	}
	var doc trunkDoc
	if err := fromData(entity.Data, &doc); err != nil {
		return nil, err
	}
	return &TrunkSession{
		EntityKey:           entity.EntityKey,
		ParentID:            doc.ParentID,
		Components:          doc.Components,
		RedirectURL:         doc.RedirectURL,
		ReplacementTargetID: doc.ReplacementTargetID,
		Output:              doc.Output,
		Tags:                entity.Tags,
		Expires:             entity.Expires,
	}, nil
}

// leafToEntity encodes a leaf session into its stored row.
func leafToEntity(l *LeafSession) (*Entity, error) {
	data, err := toData(leafDoc{
		Mode:                SessionModeLeaf,
		Name:                l.Name,
		Target:              l.Target,
		Input:               l.Input,
		Output:              l.Output,
		PreviousOutput:      l.PreviousOutput,
		DependsOn:           l.DependsOn,
		ParentID:            l.ParentID,
		ReplacementTargetID: l.ReplacementTargetID,
	})
	if err != nil {
		return nil, err
	}
	return &Entity{
		EntityKey:  l.EntityKey,
		EntityType: EntityTypeSession,
		Data:       data,
		Tags:       l.Tags,
	}, nil
}

// entityToLeaf decodes a stored session row as a leaf session.
func entityToLeaf(entity *Entity) (*LeafSession, error) {
	if mode := sessionMode(entity); mode != SessionModeLeaf {
		return nil, NewModeError("invalid session type '%s' for '%s'", mode, entity.ID).
			WithResource(entity.ID)
	}
	var doc leafDoc
	if err := fromData(entity.Data, &doc); err != nil {
		return nil, err
	}
	return &LeafSession{
		EntityKey:           entity.EntityKey,
		Name:                doc.Name,
		Target:              doc.Target,
		Input:               doc.Input,
		Output:              doc.Output,
		PreviousOutput:      doc.PreviousOutput,
		DependsOn:           doc.DependsOn,
		ParentID:            doc.ParentID,
		ReplacementTargetID: doc.ReplacementTargetID,
		Tags:                entity.Tags,
	}, nil
}

// operationToEntity encodes an operation record into its stored row.
func operationToEntity(o *Operation) (*Entity, error) {
	data, err := toData(struct {
		Verb       OperationVerb     `json:"verb"`
		Type       EntityType        `json:"type"`
		StatusCode int               `json:"statusCode"`
		Message    string            `json:"message,omitempty"`
		Location   OperationLocation `json:"location"`
		Payload    Data              `json:"payload,omitempty"`
	}{o.Verb, o.Type, o.StatusCode, o.Message, o.Location, o.Payload})
	if err != nil {
		return nil, err
	}
	return &Entity{
		EntityKey:  o.EntityKey,
		EntityType: EntityTypeOperation,
		Data:       data,
	}, nil
}

// entityToOperation decodes a stored operation row.
func entityToOperation(entity *Entity) (*Operation, error) {
	var doc struct {
		Verb       OperationVerb     `json:"verb"`
		Type       EntityType        `json:"type"`
		StatusCode int               `json:"statusCode"`
		Message    string            `json:"message,omitempty"`
		Location   OperationLocation `json:"location"`
		Payload    Data              `json:"payload,omitempty"`
	}
	if err := fromData(entity.Data, &doc); err != nil {
		return nil, err
	}
	return &Operation{
		EntityKey:  entity.EntityKey,
		Verb:       doc.Verb,
		Type:       doc.Type,
		StatusCode: doc.StatusCode,
		Message:    doc.Message,
		Location:   doc.Location,
		Payload:    doc.Payload,
	}, nil
}
