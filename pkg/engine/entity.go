package engine

import (
	"context"
	"time"
)

// buildWaitTimeout bounds how long a deferred provisioning task polls an
// in-progress function build.
const buildWaitTimeout = 2 * time.Minute

// GetEntity loads an entity of the given kind.
func (o *Orchestrator) GetEntity(ctx context.Context, entityType EntityType, key EntityKey) (*Result, error) {
	entity, err := o.store.Get(ctx, entityType, key)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: 200, Value: entity}, nil
}

// CreateEntity validates, persists and asynchronously provisions a new
// entity. The caller receives an operation handle immediately; the entity
// starts in state creating and becomes active (or invalid) when the deferred
// provisioning completes.
func (o *Orchestrator) CreateEntity(ctx context.Context, identity Identity, entity *Entity) (*Result, error) {
	if err := entity.EntityType.Validate(); err != nil {
		return nil, NewValidationError("%s", err.Error())
	}
	if err := o.checkPermission(ctx, identity, "entity:add", entity.ID); err != nil {
		return nil, err
	}
	hooks := o.hooksFor(entity.EntityType)
	if hooks != nil {
		if err := hooks.Sanitize(entity); err != nil {
			return nil, err
		}
	}

	entity.State = StateCreating
	entity.OperationState = &OperationState{Operation: VerbCreating, Status: OperationProcessing}
	created, err := o.store.Create(ctx, entity)
	if err != nil {
		return nil, err
	}

	return o.InOperation(ctx, entity.EntityType, created.Key(), VerbCreating, true,
		func(taskCtx context.Context, operationID string) (Data, error) {
			err := o.provisionEntity(taskCtx, hooks, created)
			o.finishProvisioning(taskCtx, created, VerbCreating, err)
			return nil, err
		})
}

// UpdateEntity validates and persists changes to an existing entity, then
// re-provisions its function asynchronously. A stale version fails with a
// conflict before anything is written. Update failures leave the entity's
// lifecycle state untouched.
func (o *Orchestrator) UpdateEntity(ctx context.Context, identity Identity, entity *Entity) (*Result, error) {
	if err := o.checkPermission(ctx, identity, "entity:update", entity.ID); err != nil {
		return nil, err
	}
	current, err := o.store.Get(ctx, entity.EntityType, entity.Key())
	if err != nil {
		return nil, err
	}
	if entity.Version != 0 && entity.Version != current.Version {
		return nil, NewConflictError(
			"entity '%s' was modified concurrently", entity.ID).WithResource(entity.ID)
	}
	hooks := o.hooksFor(entity.EntityType)
	if hooks != nil {
		if err := hooks.Sanitize(entity); err != nil {
			return nil, err
		}
	}

	entity.State = current.State
	entity.Version = current.Version
	entity.OperationState = &OperationState{Operation: VerbUpdating, Status: OperationProcessing}
	updated, err := o.store.Update(ctx, entity)
	if err != nil {
		return nil, err
	}

	return o.InOperation(ctx, entity.EntityType, updated.Key(), VerbUpdating, true,
		func(taskCtx context.Context, operationID string) (Data, error) {
			err := o.provisionEntity(taskCtx, hooks, updated)
			o.finishProvisioning(taskCtx, updated, VerbUpdating, err)
			return nil, err
		})
}

// DeleteEntity removes an entity and tears down its hosted function. The
// row is deleted synchronously; function teardown is deferred and a missing
// function is not an error.
func (o *Orchestrator) DeleteEntity(ctx context.Context, identity Identity, entityType EntityType, key EntityKey) (*Result, error) {
	if err := o.checkPermission(ctx, identity, "entity:delete", key.ID); err != nil {
		return nil, err
	}
	entity, err := o.store.Get(ctx, entityType, key)
	if err != nil {
		return nil, err
	}
	if err := o.store.Delete(ctx, entityType, key); err != nil {
		return nil, err
	}

	return o.InOperation(ctx, entityType, key, VerbDeleting, true,
		func(taskCtx context.Context, operationID string) (Data, error) {
			if o.provider == nil || o.hooksFor(entity.EntityType) == nil {
				return nil, nil
			}
			return nil, o.provider.DeleteFunction(taskCtx, functionParams(entity))
		})
}

// Dispatch routes a request into an entity's hosted function, guarded by
// the per-tenant concurrency gate. The gate slot is released when the
// provider call returns, success or not.
func (o *Orchestrator) Dispatch(ctx context.Context, entityType EntityType, key EntityKey, req *InvokeRequest) (*InvokeResponse, error) {
	if o.provider == nil {
		return nil, NewInternalError(nil, "no compute provider configured")
	}
	entity, err := o.store.Get(ctx, entityType, key)
	if err != nil {
		return nil, err
	}
	if entity.State != StateActive {
		return nil, NewProvisioningError(nil,
			"entity '%s' is not active (state '%s')", key.ID, entity.State).WithResource(key.ID)
	}

	if o.gate != nil {
		release, err := o.gate.Acquire(key.SubscriptionID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	req.Params = functionParams(entity)
	return o.provider.ExecuteFunction(ctx, req)
}

// GetEntityTags returns an entity's tag set.
func (o *Orchestrator) GetEntityTags(ctx context.Context, entityType EntityType, key EntityKey) (*Result, error) {
	tags, err := o.store.GetTags(ctx, entityType, key)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: 200, Value: tags}, nil
}

// SetEntityTag sets one tag on an entity.
func (o *Orchestrator) SetEntityTag(ctx context.Context, entityType EntityType, key EntityKey, tagKey, tagValue string) (*Result, error) {
	if err := o.store.SetTag(ctx, entityType, key, tagKey, tagValue); err != nil {
		return nil, err
	}
	return o.GetEntityTags(ctx, entityType, key)
}

// DeleteEntityTag removes one tag from an entity.
func (o *Orchestrator) DeleteEntityTag(ctx context.Context, entityType EntityType, key EntityKey, tagKey string) (*Result, error) {
	if err := o.store.DeleteTag(ctx, entityType, key, tagKey); err != nil {
		return nil, err
	}
	return o.GetEntityTags(ctx, entityType, key)
}

// provisionEntity creates or replaces the hosted function backing an entity.
// Kinds without hooks, or hooks that produce no spec, need no function.
func (o *Orchestrator) provisionEntity(ctx context.Context, hooks EntityHooks, entity *Entity) error {
	if hooks == nil || o.provider == nil {
		return nil
	}
	spec, err := hooks.BuildFunctionSpec(entity)
	if err != nil {
		return NewProvisioningError(err, "failed to build function spec for '%s'", entity.ID)
	}
	if spec == nil {
		return nil
	}
	spec.Security = hooks.SecuritySpec(entity)

	params := functionParams(entity)
	build, err := o.provider.CreateFunction(ctx, params, spec)
	if err != nil {
		return NewProvisioningError(err, "failed to create function for '%s'", entity.ID)
	}
	if build.BuildID != "" {
		if err := o.provider.WaitForBuild(ctx, params, build.BuildID, buildWaitTimeout); err != nil {
			return NewProvisioningError(err, "build failed for '%s'", entity.ID)
		}
	}
	return nil
}

// finishProvisioning records the terminal provisioning outcome on the entity
// row. Create failures invalidate the entity; update failures leave the
// prior state in place.
func (o *Orchestrator) finishProvisioning(ctx context.Context, entity *Entity, verb OperationVerb, provisionErr error) {
	current, err := o.store.Get(ctx, entity.EntityType, entity.Key())
	if err != nil {
		o.logger.Error().Err(err).
			Str("entity_id", entity.ID).
			Msg("Failed to load entity after provisioning")
		return
	}
	if provisionErr == nil {
		current.State = StateActive
		current.OperationState = &OperationState{Operation: verb, Status: OperationSuccess}
	} else {
		if verb == VerbCreating {
			current.State = StateInvalid
		}
		current.OperationState = &OperationState{
			Operation: verb,
			Status:    OperationFailed,
			Message:   provisionErr.Error(),
		}
	}
	if _, err := o.store.Update(ctx, current); err != nil {
		o.logger.Error().Err(err).
			Str("entity_id", entity.ID).
			Msg("Failed to record provisioning outcome")
	}
}

// functionParams derives the compute backend address for an entity's
// function. The entity kind is the boundary, so kinds never collide.
func functionParams(entity *Entity) FunctionParams {
	return FunctionParams{
		AccountID:      entity.AccountID,
		SubscriptionID: entity.SubscriptionID,
		BoundaryID:     string(entity.EntityType),
		FunctionID:     entity.ID,
	}
}
