package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxfn/fluxfn/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "fluxfn.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func testEntity(id string) *engine.Entity {
	return &engine.Entity{
		EntityKey: engine.EntityKey{
			AccountID:      "acc-1",
			SubscriptionID: "sub-1",
			ID:             id,
		},
		EntityType: engine.EntityTypeIntegration,
		Data:       engine.Data{"handler": "./integration", "files": map[string]interface{}{"integration.js": "module.exports = {}"}},
		Tags:       engine.Tags{"env": "test"},
		State:      engine.StateActive,
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testEntity("integ-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.DatabaseID == "" {
		t.Error("expected store-assigned database id")
	}
	if created.Version != 1 {
		t.Errorf("expected version 1, got %d", created.Version)
	}

	got, err := s.Get(ctx, engine.EntityTypeIntegration, created.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != engine.StateActive {
		t.Errorf("expected state active, got %s", got.State)
	}
	if got.Tags["env"] != "test" {
		t.Errorf("tags not round-tripped: %v", got.Tags)
	}
	if got.Data["handler"] != "./integration" {
		t.Errorf("data not round-tripped: %v", got.Data)
	}
	if got.DatabaseID != created.DatabaseID {
		t.Errorf("database id changed between create and get: %s vs %s", created.DatabaseID, got.DatabaseID)
	}
}

func TestSQLiteStore_CreateDuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, testEntity("integ-1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.Create(ctx, testEntity("integ-1"))
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate key, got %v", err)
	}
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), engine.EntityTypeIntegration, engine.EntityKey{
		AccountID: "acc-1", SubscriptionID: "sub-1", ID: "absent",
	})
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteStore_ExpiredRowsAreAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	expired := testEntity("ses-expired")
	expired.EntityType = engine.EntityTypeSession
	expired.Expires = &past
	if _, err := s.Create(ctx, expired); err != nil {
		t.Fatalf("create expired: %v", err)
	}

	live := testEntity("ses-live")
	live.EntityType = engine.EntityTypeSession
	live.Expires = &future
	if _, err := s.Create(ctx, live); err != nil {
		t.Fatalf("create live: %v", err)
	}

	if _, err := s.Get(ctx, engine.EntityTypeSession, expired.Key()); !engine.IsNotFound(err) {
		t.Fatalf("expected expired row to read as absent, got %v", err)
	}
	got, err := s.Get(ctx, engine.EntityTypeSession, live.Key())
	if err != nil {
		t.Fatalf("get live: %v", err)
	}
	if got.Expires == nil {
		t.Error("expected expires to survive the round trip")
	}
}

func TestSQLiteStore_UpdateIncrementsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testEntity("integ-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	created.Data["handler"] = "./changed"
	updated, err := s.Update(ctx, created)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != created.Version+1 {
		t.Errorf("expected version %d, got %d", created.Version+1, updated.Version)
	}
	if updated.Data["handler"] != "./changed" {
		t.Errorf("update did not persist data: %v", updated.Data)
	}
}

func TestSQLiteStore_UpdateStaleVersionConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testEntity("integ-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Advance the row behind the stale handle.
	fresh := *created
	if _, err := s.Update(ctx, &fresh); err != nil {
		t.Fatalf("concurrent update: %v", err)
	}

	stale := *created
	stale.Data = engine.Data{"handler": "./stale"}
	_, err = s.Update(ctx, &stale)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
}

func TestSQLiteStore_UpdateMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Update(context.Background(), testEntity("absent"))
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testEntity("integ-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, engine.EntityTypeIntegration, created.Key()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, engine.EntityTypeIntegration, created.Key()); !engine.IsNotFound(err) {
		t.Fatalf("expected row to be gone, got %v", err)
	}
	if err := s.Delete(ctx, engine.EntityTypeIntegration, created.Key()); !engine.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSQLiteStore_Tags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testEntity("integ-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	key := created.Key()

	if err := s.SetTag(ctx, engine.EntityTypeIntegration, key, "team", "platform"); err != nil {
		t.Fatalf("SetTag: %v", err)
	}
	tags, err := s.GetTags(ctx, engine.EntityTypeIntegration, key)
	if err != nil {
		t.Fatalf("GetTags: %v", err)
	}
	if tags["team"] != "platform" || tags["env"] != "test" {
		t.Errorf("unexpected tags: %v", tags)
	}

	if err := s.DeleteTag(ctx, engine.EntityTypeIntegration, key, "env"); err != nil {
		t.Fatalf("DeleteTag: %v", err)
	}
	tags, err = s.GetTags(ctx, engine.EntityTypeIntegration, key)
	if err != nil {
		t.Fatalf("GetTags after delete: %v", err)
	}
	if _, ok := tags["env"]; ok {
		t.Errorf("tag env should be deleted: %v", tags)
	}

	// Tag mutation bumps the version like any other write.
	got, err := s.Get(ctx, engine.EntityTypeIntegration, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version <= created.Version {
		t.Errorf("expected version to advance past %d, got %d", created.Version, got.Version)
	}
}

func TestSQLiteStore_InTransactionCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.InTransaction(ctx, func(tx engine.Store) error {
		if _, err := tx.Create(ctx, testEntity("integ-1")); err != nil {
			return err
		}
		_, err := tx.Create(ctx, testEntity("integ-2"))
		return err
	})
	if err != nil {
		t.Fatalf("InTransaction: %v", err)
	}

	for _, id := range []string{"integ-1", "integ-2"} {
		key := engine.EntityKey{AccountID: "acc-1", SubscriptionID: "sub-1", ID: id}
		if _, err := s.Get(ctx, engine.EntityTypeIntegration, key); err != nil {
			t.Errorf("expected %s after commit: %v", id, err)
		}
	}
}

func TestSQLiteStore_InTransactionRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTransaction(ctx, func(tx engine.Store) error {
		if _, err := tx.Create(ctx, testEntity("integ-1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected body error to surface, got %v", err)
	}

	key := engine.EntityKey{AccountID: "acc-1", SubscriptionID: "sub-1", ID: "integ-1"}
	if _, err := s.Get(ctx, engine.EntityTypeIntegration, key); !engine.IsNotFound(err) {
		t.Fatalf("expected write to be rolled back, got %v", err)
	}
}

func TestSQLiteStore_InTransactionReusesScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.InTransaction(ctx, func(tx engine.Store) error {
		if _, err := tx.Create(ctx, testEntity("integ-1")); err != nil {
			return err
		}
		// A nested call must join the open transaction rather than
		// deadlock trying to begin a second one.
		return tx.InTransaction(ctx, func(inner engine.Store) error {
			key := engine.EntityKey{AccountID: "acc-1", SubscriptionID: "sub-1", ID: "integ-1"}
			_, err := inner.Get(ctx, engine.EntityTypeIntegration, key)
			return err
		})
	})
	if err != nil {
		t.Fatalf("nested InTransaction: %v", err)
	}
}

func TestSQLiteStore_DeleteExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	for i, exp := range []*time.Time{&past, &past, &future, nil} {
		e := testEntity("ses-" + string(rune('a'+i)))
		e.EntityType = engine.EntityTypeSession
		e.Expires = exp
		if _, err := s.Create(ctx, e); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	swept, err := s.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if swept != 2 {
		t.Errorf("expected 2 rows swept, got %d", swept)
	}

	// The unexpired and non-ephemeral rows survive.
	for _, id := range []string{"ses-c", "ses-d"} {
		key := engine.EntityKey{AccountID: "acc-1", SubscriptionID: "sub-1", ID: id}
		if _, err := s.Get(ctx, engine.EntityTypeSession, key); err != nil {
			t.Errorf("expected %s to survive sweep: %v", id, err)
		}
	}
}
