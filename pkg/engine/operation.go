package engine

import (
	"context"
	"strings"

	"github.com/fluxfn/fluxfn/pkg/telemetry"
)

// OperationBody is the deferred work tracked by an operation record. It
// receives the operation id so it can correlate its own writes.
type OperationBody func(ctx context.Context, operationID string) (Data, error)

// InOperation persists a pollable operation record at 202, schedules body as
// a deferred continuation and returns immediately. The record transitions to
// a terminal status exactly once, when body completes.
func (o *Orchestrator) InOperation(ctx context.Context, entityType EntityType, key EntityKey, verb OperationVerb, statusOnly bool, body OperationBody) (*Result, error) {
	if err := verb.Validate(); err != nil {
		return nil, NewValidationError("%s", err.Error())
	}

	operation := &Operation{
		EntityKey: EntityKey{
			AccountID:      key.AccountID,
			SubscriptionID: key.SubscriptionID,
			ID:             NewID(EntityTypeOperation),
		},
		Verb:       verb,
		Type:       entityType,
		StatusCode: 202,
		Location: OperationLocation{
			AccountID:      key.AccountID,
			SubscriptionID: key.SubscriptionID,
			EntityID:       key.ID,
			EntityType:     entityType,
		},
	}
	entity, err := operationToEntity(operation)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.Create(ctx, entity); err != nil {
		return nil, err
	}

	err = o.queue.Submit("operation", func(taskCtx context.Context) {
		spanCtx, span := o.tracer.StartOperationSpan(taskCtx, string(verb), operation.ID)
		payload, bodyErr := body(spanCtx, operation.ID)
		if bodyErr != nil {
			telemetry.RecordError(span, bodyErr)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
		o.completeOperation(taskCtx, operation, payload, bodyErr)
	})
	if err != nil {
		// The record must still reach a terminal state so pollers are never
		// stranded on a task that was never admitted.
		o.completeOperation(ctx, operation, nil, err)
		return nil, err
	}

	o.metrics.RecordOperationStarted(string(verb), string(entityType))
	return &Result{
		StatusCode: 202,
		Value: OperationHandle{
			StatusCode:  202,
			OperationID: operation.ID,
			Target:      operation.Location,
			StatusOnly:  statusOnly,
		},
	}, nil
}

// GetByOperation polls an operation record scoped to an expected subject
// kind. While processing or after a terminal failure the result mirrors the
// operation itself (202, or the terminal error code with its message). On
// terminal success the subject entity is resolved instead: session-rooted
// operations resolve to the instance the committed trunk produced, every
// other kind resolves through the operation's location.
func (o *Orchestrator) GetByOperation(ctx context.Context, entityType EntityType, key EntityKey) (*Result, error) {
	entity, err := o.store.Get(ctx, EntityTypeOperation, key)
	if err != nil {
		return nil, err
	}
	operation, err := entityToOperation(entity)
	if err != nil {
		return nil, err
	}
	if operation.Location.EntityType != entityType {
		return nil, NewNotFoundError(
			"operation '%s' does not exist for entity type '%s'", key.ID, entityType).
			WithResource(key.ID)
	}
	if !operation.IsTerminal() || operation.StatusCode != 200 {
		return &Result{StatusCode: operation.StatusCode, Value: operation}, nil
	}
	subject, err := o.resolveOperationSubject(ctx, operation)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return &Result{StatusCode: operation.StatusCode, Value: operation}, nil
	}
	return &Result{StatusCode: 200, Value: subject}, nil
}

// resolveOperationSubject loads the entity a succeeded operation acted on.
// Deletions leave nothing to resolve and return nil.
func (o *Orchestrator) resolveOperationSubject(ctx context.Context, operation *Operation) (*Entity, error) {
	if operation.Verb == VerbDeleting {
		return nil, nil
	}
	subjectKey := EntityKey{
		AccountID:      operation.Location.AccountID,
		SubscriptionID: operation.Location.SubscriptionID,
		ID:             operation.Location.EntityID,
	}
	if operation.Location.EntityType != EntityTypeSession {
		return o.store.Get(ctx, operation.Location.EntityType, subjectKey)
	}

	// A session operation is a commit; the trunk's recorded output names the
	// instance it produced.
	trunk, err := o.loadTrunk(ctx, subjectKey)
	if err != nil {
		return nil, err
	}
	if trunk.Output == nil {
		return nil, NewNotFoundError("session '%s' has no committed output", trunk.ID).
			WithResource(trunk.ID)
	}
	return o.store.Get(ctx, trunk.Output.EntityType, EntityKey{
		AccountID:      trunk.Output.AccountID,
		SubscriptionID: trunk.Output.SubscriptionID,
		ID:             trunk.Output.EntityID,
	})
}

// completeOperation writes the single terminal update for an operation. A
// record that somehow already reached a terminal state is left untouched.
func (o *Orchestrator) completeOperation(ctx context.Context, operation *Operation, payload Data, bodyErr error) {
	opKey := operation.Key()
	current, err := o.store.Get(ctx, EntityTypeOperation, opKey)
	if err == nil {
		if stored, decodeErr := entityToOperation(current); decodeErr == nil && stored.IsTerminal() {
			return
		}
	}

	switch {
	case bodyErr == nil:
		operation.StatusCode = 200
		operation.Payload = payload
	case isDuplicateKey(bodyErr):
		operation.StatusCode = 400
		operation.Message = "duplicate key"
	default:
		operation.StatusCode = ErrorStatus(bodyErr)
		operation.Message = bodyErr.Error()
	}

	entity, err := operationToEntity(operation)
	if err == nil {
		_, err = o.store.Update(ctx, entity)
	}
	if err != nil {
		o.logger.Error().Err(err).
			Str("operation_id", operation.ID).
			Msg("Failed to finalize operation record")
		return
	}
	o.metrics.RecordOperationCompleted(string(operation.Verb), operation.StatusCode)
}

// isDuplicateKey recognizes uniqueness-constraint failures from any store
// backend, plus conflict-classified errors raised by the store adapter.
func isDuplicateKey(err error) bool {
	if IsConflict(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
