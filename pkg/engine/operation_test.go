package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func startOperation(t *testing.T, orch *Orchestrator, body OperationBody) OperationHandle {
	t.Helper()
	result, err := orch.InOperation(context.Background(),
		EntityTypeConnector, scopedKey("conn-1"), VerbCreating, false, body)
	if err != nil {
		t.Fatalf("InOperation failed: %v", err)
	}
	if result.StatusCode != 202 {
		t.Fatalf("Expected 202, got %d", result.StatusCode)
	}
	return result.Value.(OperationHandle)
}

func pollOperation(t *testing.T, orch *Orchestrator, entityType EntityType, operationID string) *Result {
	t.Helper()
	result, err := orch.GetByOperation(context.Background(), entityType, scopedKey(operationID))
	if err != nil {
		t.Fatalf("GetByOperation failed: %v", err)
	}
	return result
}

func TestInOperation_Success(t *testing.T) {
	st := newMockStore()
	orch := newTestOrchestrator(t, st)
	createConnector(t, st, "conn-1")

	done := make(chan struct{})
	handle := startOperation(t, orch, func(ctx context.Context, operationID string) (Data, error) {
		<-done
		return Data{"created": true}, nil
	})

	if handle.Target.EntityID != "conn-1" || handle.Target.EntityType != EntityTypeConnector {
		t.Errorf("Unexpected operation target: %+v", handle.Target)
	}

	// Still processing while the body runs.
	result := pollOperation(t, orch, EntityTypeConnector, handle.OperationID)
	if result.StatusCode != 202 {
		t.Errorf("Expected 202 while processing, got %d", result.StatusCode)
	}
	if _, ok := result.Value.(*Operation); !ok {
		t.Errorf("Expected the operation record while processing, got %T", result.Value)
	}

	close(done)
	waitFor(t, func() bool {
		return pollOperation(t, orch, EntityTypeConnector, handle.OperationID).StatusCode == 200
	})

	// A terminal success resolves the subject entity rather than the record.
	entity := pollOperation(t, orch, EntityTypeConnector, handle.OperationID).Value.(*Entity)
	if entity.ID != "conn-1" || entity.EntityType != EntityTypeConnector {
		t.Errorf("Expected the subject connector, got %s %s", entity.EntityType, entity.ID)
	}

	// The terminal state is written exactly once; polling again is stable.
	if code := pollOperation(t, orch, EntityTypeConnector, handle.OperationID).StatusCode; code != 200 {
		t.Errorf("Expected stable terminal 200, got %d", code)
	}
}

func TestInOperation_BodyError(t *testing.T) {
	st := newMockStore()
	orch := newTestOrchestrator(t, st)

	handle := startOperation(t, orch, func(ctx context.Context, operationID string) (Data, error) {
		return nil, NewNotFoundError("connector 'conn-1' not found")
	})

	waitFor(t, func() bool {
		return pollOperation(t, orch, EntityTypeConnector, handle.OperationID).StatusCode != 202
	})

	result := pollOperation(t, orch, EntityTypeConnector, handle.OperationID)
	if result.StatusCode != 404 {
		t.Errorf("Expected 404, got %d", result.StatusCode)
	}
	operation := result.Value.(*Operation)
	if operation.Message == "" {
		t.Error("Expected failure message on operation record")
	}
}

func TestInOperation_DuplicateKey(t *testing.T) {
	st := newMockStore()
	orch := newTestOrchestrator(t, st)

	handle := startOperation(t, orch, func(ctx context.Context, operationID string) (Data, error) {
		return nil, NewConflictError("duplicate key: conn-1")
	})

	waitFor(t, func() bool {
		return pollOperation(t, orch, EntityTypeConnector, handle.OperationID).StatusCode != 202
	})

	result := pollOperation(t, orch, EntityTypeConnector, handle.OperationID)
	if result.StatusCode != 400 {
		t.Errorf("Expected 400 for duplicate key, got %d", result.StatusCode)
	}
	operation := result.Value.(*Operation)
	if operation.Message != "duplicate key" {
		t.Errorf("Expected duplicate key message, got %q", operation.Message)
	}
}

func TestInOperation_InvalidVerb(t *testing.T) {
	st := newMockStore()
	orch := newTestOrchestrator(t, st)

	_, err := orch.InOperation(context.Background(),
		EntityTypeConnector, scopedKey("conn-1"), OperationVerb("bogus"), false,
		func(ctx context.Context, operationID string) (Data, error) { return nil, nil })
	if err == nil || !IsValidation(err) {
		t.Fatalf("Expected validation error for bogus verb, got %v", err)
	}
}

func TestInOperation_QueueRejectStillFinalizes(t *testing.T) {
	st := newMockStore()
	queue := NewTaskQueue(1, 1, nil, zerolog.Nop())
	orch, err := New(Options{Store: st, Queue: queue, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	queue.Close()

	_, err = orch.InOperation(context.Background(),
		EntityTypeConnector, scopedKey("conn-1"), VerbCreating, false,
		func(ctx context.Context, operationID string) (Data, error) { return nil, nil })
	if err == nil || !IsThrottled(err) {
		t.Fatalf("Expected throttled error, got %v", err)
	}

	// The record must still be terminal so pollers are not stranded.
	if st.rowCount(EntityTypeOperation) != 1 {
		t.Fatalf("Expected one operation row, got %d", st.rowCount(EntityTypeOperation))
	}
	var stored *Operation
	st.mu.Lock()
	for _, row := range st.rows {
		if row.EntityType == EntityTypeOperation {
			stored, _ = entityToOperation(row)
		}
	}
	st.mu.Unlock()
	if stored == nil {
		t.Fatal("Operation row not decodable")
	}
	if !stored.IsTerminal() {
		t.Error("Expected rejected operation finalized")
	}
	if stored.StatusCode != 429 {
		t.Errorf("Expected 429, got %d", stored.StatusCode)
	}
}

func TestGetByOperation_NotFound(t *testing.T) {
	st := newMockStore()
	orch := newTestOrchestrator(t, st)

	_, err := orch.GetByOperation(context.Background(), EntityTypeConnector, scopedKey("opn-missing"))
	if err == nil || !IsNotFound(err) {
		t.Fatalf("Expected not-found error, got %v", err)
	}
}

func TestGetByOperation_KindMismatch(t *testing.T) {
	st := newMockStore()
	orch := newTestOrchestrator(t, st)
	createConnector(t, st, "conn-1")

	handle := startOperation(t, orch, func(ctx context.Context, operationID string) (Data, error) {
		return nil, nil
	})
	waitFor(t, func() bool {
		return pollOperation(t, orch, EntityTypeConnector, handle.OperationID).StatusCode != 202
	})

	// The operation belongs to a connector; asking for it under another
	// entity type must behave as if it does not exist.
	_, err := orch.GetByOperation(context.Background(), EntityTypeIntegration, scopedKey(handle.OperationID))
	if err == nil || !IsNotFound(err) {
		t.Fatalf("Expected not-found error for mismatched entity type, got %v", err)
	}
}
