package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fluxfn/fluxfn/pkg/telemetry"
)

// Tag keys stamped onto committed instances and sub-entities.
const (
	// TagSessionMaster records the trunk session that produced the row.
	TagSessionMaster = "session.master"

	// TagParentEntity records the workflow-root entity the row belongs to.
	TagParentEntity = "fluxfn.parentEntityId"
)

// CommitSession turns a finished trunk session into a live instance. The
// pre-checks, the instance placeholder write and the returned instance id are
// synchronous; the actual merge runs as a deferred task and callers poll the
// instance row for its outcome.
func (o *Orchestrator) CommitSession(ctx context.Context, key EntityKey) (*Result, error) {
	trunk, err := o.loadTrunk(ctx, key)
	if err != nil {
		return nil, err
	}

	// Every step must be bound to a leaf, and no leaf may already carry an
	// error, before any instance row is touched.
	leaves := make([]*LeafSession, len(trunk.Components))
	for i := range trunk.Components {
		step := &trunk.Components[i]
		if step.ChildSessionID == "" {
			return nil, NewIncompleteError("step '%s' is not complete", step.Name)
		}
		leaf, err := o.loadLeaf(ctx, EntityKey{
			AccountID:      trunk.AccountID,
			SubscriptionID: trunk.SubscriptionID,
			ID:             step.ChildSessionID,
		})
		if err != nil {
			return nil, err
		}
		if code, description := leaf.ErrorOutput(); code != "" {
			return nil, NewProvisioningError(nil,
				"step '%s' failed: %s %s", step.Name, code, description)
		}
		leaves[i] = leaf
	}

	trunkSID, err := DecomposeSubordinateID(trunk.ID)
	if err != nil {
		return nil, err
	}
	creating := trunk.ReplacementTargetID == ""
	instanceID := trunk.ReplacementTargetID
	verb := VerbUpdating
	if creating {
		instanceID = ComposeSubordinateID(
			trunkSID.ParentEntityType, trunkSID.ParentEntityID, NewID(EntityTypeInstance))
		verb = VerbCreating
	}
	instanceKey := EntityKey{
		AccountID:      trunk.AccountID,
		SubscriptionID: trunk.SubscriptionID,
		ID:             instanceID,
	}

	// Placeholder write so concurrent observers see in-flight status
	// immediately. Updates keep the prior lifecycle state.
	if creating {
		_, err = o.store.Create(ctx, &Entity{
			EntityKey:      instanceKey,
			EntityType:     EntityTypeInstance,
			State:          StateCreating,
			Tags:           Tags{TagParentEntity: trunk.ParentID},
			OperationState: &OperationState{Operation: verb, Status: OperationProcessing},
		})
	} else {
		var current *Entity
		current, err = o.store.Get(ctx, EntityTypeInstance, instanceKey)
		if err == nil {
			current.OperationState = &OperationState{Operation: verb, Status: OperationProcessing}
			_, err = o.store.Update(ctx, current)
		}
	}
	if err != nil {
		return nil, err
	}

	// Record the minted instance id on the trunk row so a repeat commit
	// reconfigures the same instance instead of minting another.
	if creating {
		trunk.ReplacementTargetID = instanceID
		trunkEntity, err := trunkToEntity(trunk)
		if err != nil {
			return nil, err
		}
		if _, err := o.store.Update(ctx, trunkEntity); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	opResult, err := o.InOperation(ctx, EntityTypeSession, trunk.Key(), verb, false,
		func(taskCtx context.Context, operationID string) (Data, error) {
			spanCtx, span := o.tracer.StartCommitSpan(taskCtx, trunk.ID, instanceID)
			defer span.End()
			persistErr := o.persistTrunkSession(spanCtx, trunk, leaves, instanceKey, creating)
			o.metrics.RecordCommit(persistErr == nil, time.Since(start))
			if persistErr != nil {
				telemetry.RecordError(span, persistErr)
				o.logger.Error().Err(persistErr).
					Str("session_id", trunk.ID).
					Str("instance_id", instanceID).
					Msg("Session commit failed")
				o.markCommitFailed(spanCtx, instanceKey, verb, creating, persistErr)
				return nil, persistErr
			}
			telemetry.RecordSuccess(span)
			return Data{"instanceId": instanceID}, nil
		})
	if err != nil {
		return nil, err
	}
	handle, _ := opResult.Value.(OperationHandle)

	o.logger.Info().
		Str("session_id", trunk.ID).
		Str("instance_id", instanceID).
		Str("operation_id", handle.OperationID).
		Bool("reconfiguration", !creating).
		Msg("Session commit scheduled")

	return &Result{
		StatusCode: 202,
		Value: map[string]interface{}{
			"instanceId":  instanceID,
			"operationId": handle.OperationID,
		},
	}, nil
}

// leafResult is the resolved outcome of one step, computed before the commit
// transaction opens.
type leafResult struct {
	step Step
	leaf *LeafSession

	// errCode/errDescription are set when the leaf reported a failure.
	errCode        string
	errDescription string

	// subEntity is the sub-entity row to write, nil for workflow-root steps.
	subEntity *Entity
	subIsNew  bool

	// contribution is the slice this step merges into the instance data.
	contribution Data
}

// persistTrunkSession performs the all-or-nothing merge of a trunk session
// into its instance. Leaves are resolved concurrently (the DAG check at
// creation time guarantees resolution only needs each dependency to exist),
// then every write happens inside one transaction.
func (o *Orchestrator) persistTrunkSession(ctx context.Context, trunk *TrunkSession, leaves []*LeafSession, instanceKey EntityKey, creating bool) error {
	trunkSID, err := DecomposeSubordinateID(trunk.ID)
	if err != nil {
		return err
	}

	results := make([]*leafResult, len(leaves))
	errs := make([]error, len(leaves))
	var wg sync.WaitGroup
	for i := range leaves {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.persistLeafSession(ctx, trunk.Components[i], leaves[i], trunkSID.EntityID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	verb := VerbUpdating
	if creating {
		verb = VerbCreating
	}

	return o.store.InTransaction(ctx, func(tx Store) error {
		for _, res := range results {
			if res.subEntity == nil {
				continue
			}
			var err error
			if res.subIsNew {
				_, err = tx.Create(ctx, res.subEntity)
			} else {
				_, err = tx.Update(ctx, res.subEntity)
			}
			if err != nil {
				return err
			}
		}

		// Any reported leaf error aborts after the writes so the rollback
		// covers every sub-entity materialized above.
		for _, res := range results {
			if res.errCode != "" {
				return NewProvisioningError(nil, "step '%s' failed: %s %s",
					res.step.Name, res.errCode, res.errDescription)
			}
		}

		// Re-fetch inside the transaction so concurrent unrelated writes to
		// the instance are not clobbered.
		instance, err := tx.Get(ctx, EntityTypeInstance, instanceKey)
		if err != nil {
			return err
		}

		// Merge order: existing, session, master, per-leaf, parent.
		tags := instance.Tags.Merge(trunk.Tags)
		tags = tags.Merge(Tags{TagSessionMaster: trunkSID.EntityID})
		data := instance.Data
		for _, res := range results {
			tags = tags.Merge(res.leaf.Tags)
			data = data.Merge(res.contribution)
		}
		tags = tags.Merge(Tags{TagParentEntity: trunk.ParentID})

		instance.Data = data
		instance.Tags = tags
		instance.State = StateActive
		instance.OperationState = &OperationState{Operation: verb, Status: OperationSuccess}
		if _, err := tx.Update(ctx, instance); err != nil {
			return err
		}

		trunk.Output = &SessionOutput{
			AccountID:        trunk.AccountID,
			SubscriptionID:   trunk.SubscriptionID,
			ParentEntityType: trunkSID.ParentEntityType,
			ParentEntityID:   trunk.ParentID,
			EntityType:       EntityTypeInstance,
			EntityID:         instanceKey.ID,
			Tags:             tags,
		}
		trunkEntity, err := trunkToEntity(trunk)
		if err != nil {
			return err
		}
		_, err = tx.Update(ctx, trunkEntity)
		return err
	})
}

// persistLeafSession resolves one step's contribution to the instance. A
// workflow-root step folds its output directly into the instance data; any
// other step materializes a sub-entity under its target's parent row and
// contributes a reference slice keyed by step name.
func (o *Orchestrator) persistLeafSession(ctx context.Context, step Step, leaf *LeafSession, masterID string) (*leafResult, error) {
	res := &leafResult{step: step, leaf: leaf}
	res.errCode, res.errDescription = leaf.ErrorOutput()
	if res.errCode != "" {
		return res, nil
	}

	if step.Target.EntityType == EntityTypeIntegration {
		res.contribution = leaf.Output
		return res, nil
	}

	parent, err := o.store.Get(ctx, step.Target.EntityType, EntityKey{
		AccountID:      leaf.AccountID,
		SubscriptionID: leaf.SubscriptionID,
		ID:             step.Target.EntityID,
	})
	if err != nil {
		return nil, err
	}

	subType := subEntityType(step.Target.EntityType)
	subID := leaf.ReplacementTargetID
	res.subIsNew = subID == ""
	if res.subIsNew {
		subID = ComposeSubordinateID(step.Target.EntityType, parent.DatabaseID, NewID(subType))
	}

	res.subEntity = &Entity{
		EntityKey: EntityKey{
			AccountID:      leaf.AccountID,
			SubscriptionID: leaf.SubscriptionID,
			ID:             subID,
		},
		EntityType: subType,
		Data:       leaf.Output,
		Tags: leaf.Tags.Merge(Tags{
			TagSessionMaster: masterID,
			TagParentEntity:  step.Target.EntityID,
		}),
		State: StateActive,
	}
	res.contribution = Data{
		step.Name: map[string]interface{}{
			"entityId":         subID,
			"entityType":       string(subType),
			"parentEntityId":   step.Target.EntityID,
			"parentEntityType": string(step.Target.EntityType),
		},
	}
	return res, nil
}

// markCommitFailed records a deferred commit failure on the instance row.
// Newly created instances become invalid; reconfigured instances keep their
// prior lifecycle state.
func (o *Orchestrator) markCommitFailed(ctx context.Context, instanceKey EntityKey, verb OperationVerb, creating bool, cause error) {
	instance, err := o.store.Get(ctx, EntityTypeInstance, instanceKey)
	if err != nil {
		o.logger.Error().Err(err).
			Str("instance_id", instanceKey.ID).
			Msg("Failed to load instance after commit failure")
		return
	}
	if creating {
		instance.State = StateInvalid
	}
	instance.OperationState = &OperationState{
		Operation: verb,
		Status:    OperationFailed,
		Message:   cause.Error(),
	}
	if _, err := o.store.Update(ctx, instance); err != nil {
		o.logger.Error().Err(err).
			Str("instance_id", instanceKey.ID).
			Msg("Failed to mark instance after commit failure")
	}
}
