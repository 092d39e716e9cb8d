package engine

import (
	"context"
	"net/url"
	"time"
)

// CreateSession starts a new multi-step workflow against a workflow-root
// entity. The returned trunk session owns the validated, ordered step list.
func (o *Orchestrator) CreateSession(ctx context.Context, parentType EntityType, parentKey EntityKey, details SessionParameters) (*Result, error) {
	if parentType != EntityTypeIntegration {
		return nil, NewModeError("entity kind '%s' does not support sessions", parentType).
			WithResource(parentKey.ID)
	}
	parent, err := o.store.Get(ctx, parentType, parentKey)
	if err != nil {
		return nil, err
	}

	var declared struct {
		Components []Step `json:"components"`
	}
	if err := fromData(parent.Data, &declared); err != nil {
		return nil, err
	}

	steps, err := selectSteps(declared.Components, details.Steps)
	if err != nil {
		return nil, err
	}
	for name, input := range details.Input {
		step := stepByName(steps, name)
		if step == nil {
			return nil, NewValidationError("input provided for unknown step '%s'", name)
		}
		step.Input = step.Input.Merge(input)
	}
	if err := validateStepOrder(steps); err != nil {
		return nil, err
	}

	tags := details.Tags
	if details.ExtendTags {
		tags = parent.Tags.Merge(details.Tags)
	}

	replacementTargetID := ""
	if details.InstanceID != "" {
		replacementTargetID = ComposeSubordinateID(parentType, parent.DatabaseID, details.InstanceID)
	}

	expires := time.Now().Add(o.sessionTTL).UTC()
	trunk := &TrunkSession{
		EntityKey: EntityKey{
			AccountID:      parentKey.AccountID,
			SubscriptionID: parentKey.SubscriptionID,
			ID:             ComposeSubordinateID(parentType, parent.DatabaseID, NewID(EntityTypeSession)),
		},
		ParentID:            parentKey.ID,
		Components:          steps,
		RedirectURL:         details.RedirectURL,
		ReplacementTargetID: replacementTargetID,
		Tags:                tags,
		Expires:             &expires,
	}

	entity, err := trunkToEntity(trunk)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.Create(ctx, entity); err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("session_id", trunk.ID).
		Str("parent_id", parentKey.ID).
		Int("steps", len(steps)).
		Msg("Session created")
	o.metrics.RecordSessionCreated(string(parentType))

	return &Result{StatusCode: 200, Value: trunk}, nil
}

// StartSession creates the first step's leaf session and returns the
// redirect that sends the caller into its configuration flow.
func (o *Orchestrator) StartSession(ctx context.Context, key EntityKey) (*Result, error) {
	trunk, err := o.loadTrunk(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(trunk.Components) == 0 {
		// Nothing to configure; terminate immediately.
		target, err := terminalRedirectURL(trunk, "", "")
		if err != nil {
			return nil, err
		}
		return &Result{
			StatusCode: 302,
			Value:      &Redirect{Mode: RedirectModeURL, URL: target},
		}, nil
	}
	instance, err := o.sessionInstance(ctx, trunk)
	if err != nil {
		return nil, err
	}
	leaf, err := o.createLeafSession(ctx, trunk, 0, instance)
	if err != nil {
		return nil, err
	}
	redirect, err := leafRedirect(leaf)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: 302, Value: redirect}, nil
}

// GetSession loads a session in either mode.
func (o *Orchestrator) GetSession(ctx context.Context, key EntityKey) (*Result, error) {
	entity, err := o.store.Get(ctx, EntityTypeSession, key)
	if err != nil {
		return nil, err
	}
	switch sessionMode(entity) {
	case SessionModeTrunk:
		trunk, err := entityToTrunk(entity)
		if err != nil {
			return nil, err
		}
		// Bound steps expose the bare child session id, not the composed
		// subordinate form.
		for i := range trunk.Components {
			step := &trunk.Components[i]
			if step.ChildSessionID == "" {
				continue
			}
			sid, err := DecomposeSubordinateID(step.ChildSessionID)
			if err != nil {
				return nil, err
			}
			step.ChildSessionID = sid.EntityID
		}
		return &Result{StatusCode: 200, Value: trunk}, nil
	case SessionModeLeaf:
		leaf, err := entityToLeaf(entity)
		if err != nil {
			return nil, err
		}
		return &Result{StatusCode: 200, Value: leaf}, nil
	default:
		return nil, NewInternalError(nil, "session '%s' has no mode", key.ID)
	}
}

// PutSession captures the caller's output on a leaf session. Pure data
// capture; no workflow transition happens here.
func (o *Orchestrator) PutSession(ctx context.Context, key EntityKey, output Data, tags Tags) (*Result, error) {
	leaf, err := o.loadLeaf(ctx, key)
	if err != nil {
		return nil, err
	}
	leaf.Output = output
	leaf.Tags = leaf.Tags.Merge(tags)

	entity, err := leafToEntity(leaf)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.Update(ctx, entity); err != nil {
		return nil, err
	}
	return &Result{StatusCode: 200, Value: leaf}, nil
}

// FinishSession advances the workflow past a completed leaf: it either
// creates the next step's leaf session and redirects into it, or terminates
// the workflow by redirecting to the trunk's redirectUrl, carrying the
// session id and any error the leaf reported.
func (o *Orchestrator) FinishSession(ctx context.Context, key EntityKey) (*Result, error) {
	leaf, err := o.loadLeaf(ctx, key)
	if err != nil {
		return nil, err
	}
	trunk, err := o.loadTrunkByID(ctx, leaf.AccountID, leaf.SubscriptionID, leaf.ParentID)
	if err != nil {
		return nil, NewInternalError(err, "leaf session '%s' has a corrupt parent '%s'", leaf.ID, leaf.ParentID)
	}
	index := stepIndexByChild(trunk.Components, leaf.ID)
	if index < 0 {
		return nil, NewInternalError(nil, "leaf session '%s' is orphaned from parent '%s'", leaf.ID, leaf.ParentID)
	}

	errCode, errDescription := leaf.ErrorOutput()
	if errCode != "" || index == len(trunk.Components)-1 {
		target, err := terminalRedirectURL(trunk, errCode, errDescription)
		if err != nil {
			return nil, err
		}
		o.metrics.RecordSessionFinished(errCode == "")
		return &Result{
			StatusCode: 302,
			Value:      &Redirect{Mode: RedirectModeURL, URL: target},
		}, nil
	}

	instance, err := o.sessionInstance(ctx, trunk)
	if err != nil {
		return nil, err
	}
	next, err := o.createLeafSession(ctx, trunk, index+1, instance)
	if err != nil {
		return nil, err
	}
	redirect, err := leafRedirect(next)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: 302, Value: redirect}, nil
}

// createLeafSession materializes the leaf session for one step of a trunk.
// Re-entry for an already-bound step returns the existing leaf unchanged.
// The leaf insert and the trunk update that records childSessionId commit in
// one transaction.
func (o *Orchestrator) createLeafSession(ctx context.Context, trunk *TrunkSession, index int, instance *Entity) (*LeafSession, error) {
	step := &trunk.Components[index]
	scope := EntityKey{AccountID: trunk.AccountID, SubscriptionID: trunk.SubscriptionID}

	if step.ChildSessionID != "" {
		existing, err := o.store.Get(ctx, EntityTypeSession, EntityKey{
			AccountID:      scope.AccountID,
			SubscriptionID: scope.SubscriptionID,
			ID:             step.ChildSessionID,
		})
		if err != nil {
			return nil, err
		}
		return entityToLeaf(existing)
	}

	dependsOn := make(map[string]SessionReference, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		depStep := stepByName(trunk.Components, dep)
		if depStep == nil || depStep.ChildSessionID == "" {
			return nil, NewValidationError(
				"step '%s' depends on '%s' which has no session yet", step.Name, dep)
		}
		sid, err := DecomposeSubordinateID(depStep.ChildSessionID)
		if err != nil {
			return nil, err
		}
		dependsOn[dep] = sid.Reference()
	}

	trunkSID, err := DecomposeSubordinateID(trunk.ID)
	if err != nil {
		return nil, err
	}
	leaf := &LeafSession{
		EntityKey: EntityKey{
			AccountID:      scope.AccountID,
			SubscriptionID: scope.SubscriptionID,
			ID: ComposeSubordinateID(
				trunkSID.ParentEntityType, trunkSID.ParentEntityID, NewID(EntityTypeSession)),
		},
		Name:      step.Name,
		Target:    step.Target,
		Input:     step.Input,
		DependsOn: dependsOn,
		ParentID:  trunk.ID,
		Tags:      trunk.Tags,
	}
	if instance != nil {
		if err := o.seedFromInstance(ctx, leaf, step, instance); err != nil {
			return nil, err
		}
	}

	step.ChildSessionID = leaf.ID
	leafEntity, err := leafToEntity(leaf)
	if err != nil {
		return nil, err
	}
	trunkEntity, err := trunkToEntity(trunk)
	if err != nil {
		return nil, err
	}
	err = o.store.InTransaction(ctx, func(tx Store) error {
		if _, err := tx.Create(ctx, leafEntity); err != nil {
			return err
		}
		_, err := tx.Update(ctx, trunkEntity)
		return err
	})
	if err != nil {
		step.ChildSessionID = ""
		return nil, err
	}

	o.logger.Debug().
		Str("session_id", trunk.ID).
		Str("leaf_id", leaf.ID).
		Str("step", step.Name).
		Msg("Leaf session created")
	return leaf, nil
}

// sessionInstance loads the instance a reconfiguration session replaces.
// Returns nil when the session creates a fresh instance.
func (o *Orchestrator) sessionInstance(ctx context.Context, trunk *TrunkSession) (*Entity, error) {
	if trunk.ReplacementTargetID == "" {
		return nil, nil
	}
	return o.store.Get(ctx, EntityTypeInstance, EntityKey{
		AccountID:      trunk.AccountID,
		SubscriptionID: trunk.SubscriptionID,
		ID:             trunk.ReplacementTargetID,
	})
}

// seedFromInstance pre-populates a reconfiguration leaf from the existing
// instance. Workflow-root steps read the instance's own data; other steps
// load the previously provisioned sub-entity named by the instance's
// per-step slice.
func (o *Orchestrator) seedFromInstance(ctx context.Context, leaf *LeafSession, step *Step, instance *Entity) error {
	if step.Target.EntityType == EntityTypeIntegration {
		leaf.Output = instance.Data
		leaf.PreviousOutput = instance.Data
		return nil
	}

	slice, ok := instance.Data[step.Name].(map[string]interface{})
	if !ok {
		return nil
	}
	subID, _ := slice["entityId"].(string)
	if subID == "" {
		return nil
	}
	subType, _ := slice["entityType"].(string)
	if subType == "" {
		subType = string(subEntityType(step.Target.EntityType))
	}
	sub, err := o.store.Get(ctx, EntityType(subType), EntityKey{
		AccountID:      leaf.AccountID,
		SubscriptionID: leaf.SubscriptionID,
		ID:             subID,
	})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	leaf.Output = sub.Data
	leaf.PreviousOutput = sub.Data
	leaf.ReplacementTargetID = subID
	return nil
}

// loadTrunk loads a session and requires trunk mode.
func (o *Orchestrator) loadTrunk(ctx context.Context, key EntityKey) (*TrunkSession, error) {
	entity, err := o.store.Get(ctx, EntityTypeSession, key)
	if err != nil {
		return nil, err
	}
	return entityToTrunk(entity)
}

func (o *Orchestrator) loadTrunkByID(ctx context.Context, accountID, subscriptionID, id string) (*TrunkSession, error) {
	return o.loadTrunk(ctx, EntityKey{AccountID: accountID, SubscriptionID: subscriptionID, ID: id})
}

// loadLeaf loads a session and requires leaf mode.
func (o *Orchestrator) loadLeaf(ctx context.Context, key EntityKey) (*LeafSession, error) {
	entity, err := o.store.Get(ctx, EntityTypeSession, key)
	if err != nil {
		return nil, err
	}
	return entityToLeaf(entity)
}

// selectSteps applies the caller's optional subset/reorder to the parent's
// declared step list.
func selectSteps(declared []Step, names []string) ([]Step, error) {
	var steps []Step
	if len(names) == 0 {
		for _, step := range declared {
			if !step.Skip {
				steps = append(steps, step)
			}
		}
	} else {
		for _, name := range names {
			step := stepByName(declared, name)
			if step == nil {
				return nil, NewValidationError("unknown step '%s'", name)
			}
			steps = append(steps, *step)
		}
	}
	if len(steps) == 0 {
		return nil, NewValidationError("no steps matched the session request")
	}
	// Copy so session mutations never alias the parent's declared list.
	out := make([]Step, len(steps))
	copy(out, steps)
	return out, nil
}

// validateStepOrder walks the list in declaration order and requires every
// dependsOn entry to name an earlier step. This is deliberately not a full
// topological cycle check.
func validateStepOrder(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return NewValidationError(
					"step '%s' depends on '%s' which is not defined before it", step.Name, dep)
			}
		}
		seen[step.Name] = true
	}
	return nil
}

func stepByName(steps []Step, name string) *Step {
	for i := range steps {
		if steps[i].Name == name {
			return &steps[i]
		}
	}
	return nil
}

func stepIndexByChild(steps []Step, childID string) int {
	for i := range steps {
		if steps[i].ChildSessionID == childID {
			return i
		}
	}
	return -1
}

// subEntityType maps a step's target kind to the sub-entity kind it
// provisions on commit.
func subEntityType(target EntityType) EntityType {
	if target == EntityTypeConnector {
		return EntityTypeIdentity
	}
	return EntityTypeInstance
}

// leafRedirect builds the redirect that sends a caller into a leaf's
// configuration flow.
func leafRedirect(leaf *LeafSession) (*Redirect, error) {
	sid, err := DecomposeSubordinateID(leaf.ID)
	if err != nil {
		return nil, err
	}
	return &Redirect{
		Mode: RedirectModeTarget,
		Target: &StepRedirect{
			AccountID:      leaf.AccountID,
			SubscriptionID: leaf.SubscriptionID,
			SessionID:      sid.EntityID,
			EntityType:     leaf.Target.EntityType,
			EntityID:       leaf.Target.EntityID,
			Path:           leaf.Target.Path,
		},
	}, nil
}

// terminalRedirectURL composes the workflow's final redirect, preserving any
// query parameters already present on the configured redirectUrl.
func terminalRedirectURL(trunk *TrunkSession, errCode, errDescription string) (string, error) {
	target, err := url.Parse(trunk.RedirectURL)
	if err != nil {
		return "", NewValidationError("invalid redirect url '%s'", trunk.RedirectURL)
	}
	sid, err := DecomposeSubordinateID(trunk.ID)
	if err != nil {
		return "", err
	}
	query := target.Query()
	query.Set("session", sid.EntityID)
	if errCode != "" {
		query.Set("error", errCode)
		if errDescription != "" {
			query.Set("errorDescription", errDescription)
		}
	}
	target.RawQuery = query.Encode()
	return target.String(), nil
}
