package sqlite_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
	"github.com/warp/production-engine/store/sqlite"
)

var t0 = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func batchRecord(id, number string, lots ...string) generic.Record {
	return generic.Record{
		Kind:       generic.KindBatch,
		TenantID:   "tenant-a",
		ID:         id,
		NaturalKey: number,
		RefID:      "mo-1",
		Status:     "in_progress",
		UniqueKeys: lots,
		Payload:    json.RawMessage(`{"id":"` + id + `"}`),
		UpdatedAt:  t0,
	}
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func TestSQLite_InsertGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Insert(ctx, batchRecord("b-1", "B-1", "OUT-1")))

	got, err := s.Get(ctx, generic.KindBatch, "tenant-a", "b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "B-1", got.NaturalKey)
	assert.Equal(t, []string{"OUT-1"}, got.UniqueKeys)
	assert.JSONEq(t, `{"id":"b-1"}`, string(got.Payload))
	assert.True(t, got.UpdatedAt.Equal(t0))

	next := batchRecord("b-1", "B-1", "OUT-1", "OUT-2")
	next.Status = "completed"
	require.NoError(t, s.Update(ctx, next, 1))

	got, err = s.Get(ctx, generic.KindBatch, "tenant-a", "b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, []string{"OUT-1", "OUT-2"}, got.UniqueKeys)
}

func TestSQLite_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Get(ctx, generic.KindBatch, "tenant-a", "missing")
	assert.ErrorIs(t, err, generic.ErrEntityNotFound)

	err = s.Update(ctx, batchRecord("missing", "B-9"), 1)
	assert.ErrorIs(t, err, generic.ErrEntityNotFound)
}

func TestSQLite_StaleVersion(t *testing.T) {
	// GIVEN: A record already updated once
	// WHEN: Another writer saves against version 1
	// THEN: The write is rejected as a concurrent modification

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Insert(ctx, batchRecord("b-1", "B-1")))
	require.NoError(t, s.Update(ctx, batchRecord("b-1", "B-1"), 1))

	err := s.Update(ctx, batchRecord("b-1", "B-1"), 1)

	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(err))
}

func TestSQLite_Uniqueness(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Insert(ctx, batchRecord("b-1", "B-1", "OUT-1")))

	t.Run("same id", func(t *testing.T) {
		err := s.Insert(ctx, batchRecord("b-1", "B-2"))
		assert.ErrorIs(t, err, generic.ErrDuplicateKey)
	})

	t.Run("same natural key", func(t *testing.T) {
		err := s.Insert(ctx, batchRecord("b-2", "B-1"))
		assert.ErrorIs(t, err, generic.ErrDuplicateKey)
	})

	t.Run("same output lot", func(t *testing.T) {
		err := s.Insert(ctx, batchRecord("b-3", "B-3", "OUT-1"))
		assert.ErrorIs(t, err, generic.ErrDuplicateKey)

		_, err = s.Get(ctx, generic.KindBatch, "tenant-a", "b-3")
		assert.ErrorIs(t, err, generic.ErrEntityNotFound, "failed insert leaves nothing behind")
	})

	t.Run("other tenant", func(t *testing.T) {
		rec := batchRecord("b-1", "B-1", "OUT-1")
		rec.TenantID = "tenant-b"
		assert.NoError(t, s.Insert(ctx, rec))
	})

	t.Run("released lot can be reused", func(t *testing.T) {
		require.NoError(t, s.Update(ctx, batchRecord("b-1", "B-1", "OUT-9"), 1))
		assert.NoError(t, s.Insert(ctx, batchRecord("b-4", "B-4", "OUT-1")))
	})

	t.Run("records without natural key", func(t *testing.T) {
		run := generic.Record{Kind: generic.KindMobileRun, TenantID: "tenant-a", ID: "r-1", Payload: json.RawMessage(`{}`)}
		require.NoError(t, s.Insert(ctx, run))
		run.ID = "r-2"
		assert.NoError(t, s.Insert(ctx, run))
	})
}

func TestSQLite_List(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Insert(ctx, batchRecord("b-2", "B-2")))
	require.NoError(t, s.Insert(ctx, batchRecord("b-1", "B-1")))
	other := batchRecord("b-3", "B-3")
	other.RefID = "mo-2"
	other.Status = "quarantine"
	require.NoError(t, s.Insert(ctx, other))
	foreign := batchRecord("b-0", "B-0")
	foreign.TenantID = "tenant-b"
	require.NoError(t, s.Insert(ctx, foreign))

	all, err := s.List(ctx, generic.KindBatch, generic.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"b-1", "b-2", "b-3", "b-0"}, ids(all))

	byRef, err := s.List(ctx, generic.KindBatch, generic.Filter{TenantID: "tenant-a", RefID: "mo-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-1", "b-2"}, ids(byRef))

	byStatus, err := s.List(ctx, generic.KindBatch, generic.Filter{Status: "quarantine"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-3"}, ids(byStatus))

	limited, err := s.List(ctx, generic.KindBatch, generic.Filter{TenantID: "tenant-a", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-1"}, ids(limited))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[generic.KindBatch])
}

func ids(records []generic.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTx_Rollback(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.WithTx(ctx, func(tx generic.SnapshotStore) error {
		require.NoError(t, tx.Insert(ctx, batchRecord("b-1", "B-1")))
		_, err := tx.Get(ctx, generic.KindBatch, "tenant-a", "b-1")
		require.NoError(t, err, "visible inside the transaction")
		return tx.Insert(ctx, batchRecord("b-2", "B-1"))
	})
	require.ErrorIs(t, err, generic.ErrDuplicateKey)

	_, err = s.Get(ctx, generic.KindBatch, "tenant-a", "b-1")
	assert.ErrorIs(t, err, generic.ErrEntityNotFound)
}

func TestSQLite_WithTx_Commit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.WithTx(ctx, func(tx generic.SnapshotStore) error {
		if err := tx.Insert(ctx, batchRecord("b-1", "B-1")); err != nil {
			return err
		}
		return tx.Update(ctx, batchRecord("b-1", "B-1"), 1)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, generic.KindBatch, "tenant-a", "b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestSQLite_Audit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	entries := []generic.AuditEntry{
		{ID: "a-1", Timestamp: t0, TenantID: "tenant-a", ActorID: "op-1", Action: generic.AuditCreated, Kind: generic.KindBatch, EntityID: "b-1", Version: 1},
		{ID: "a-2", Timestamp: t0.Add(time.Minute), TenantID: "tenant-a", ActorID: "qa-1", Action: generic.AuditTransition, Kind: generic.KindBatch, EntityID: "b-1", Version: 2, Payload: map[string]any{"operation": "release"}},
		{ID: "a-3", Timestamp: t0.Add(2 * time.Minute), TenantID: "tenant-b", ActorID: "op-1", Action: generic.AuditCreated, Kind: generic.KindBatch, EntityID: "b-1", Version: 1},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(ctx, e))
	}
	assert.ErrorIs(t, s.Append(ctx, entries[0]), generic.ErrDuplicateKey)

	entityID := "b-1"
	trail, err := s.Query(ctx, generic.AuditFilter{TenantID: "tenant-a", EntityID: &entityID})
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "a-1", trail[0].ID)
	assert.Equal(t, "release", trail[1].Payload["operation"])
	assert.True(t, trail[1].Timestamp.Equal(t0.Add(time.Minute)))

	transitions, err := s.Query(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditTransition}})
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "qa-1", transitions[0].ActorID)

	from := t0.Add(90 * time.Second)
	recent, err := s.Query(ctx, generic.AuditFilter{From: &from})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "tenant-b", recent[0].TenantID)

	require.NoError(t, s.Reset(ctx))
	trail, err = s.Query(ctx, generic.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestSQLite_Audit_SubSecondOrdering(t *testing.T) {
	// GIVEN: Entries within the same second, one on the whole second
	ctx := context.Background()
	s := newStore(t)
	whole := generic.AuditEntry{ID: "a-1", Timestamp: t0, TenantID: "tenant-a", Action: generic.AuditCreated, Kind: generic.KindBatch, EntityID: "b-1", Version: 1}
	half := generic.AuditEntry{ID: "a-2", Timestamp: t0.Add(500 * time.Millisecond), TenantID: "tenant-a", Action: generic.AuditTransition, Kind: generic.KindBatch, EntityID: "b-1", Version: 2}
	late := generic.AuditEntry{ID: "a-3", Timestamp: t0.Add(1250 * time.Millisecond), TenantID: "tenant-a", Action: generic.AuditTransition, Kind: generic.KindBatch, EntityID: "b-1", Version: 3}
	for _, e := range []generic.AuditEntry{late, half, whole} {
		require.NoError(t, s.Append(ctx, e))
	}

	// WHEN: Querying the trail and a sub-second window
	trail, err := s.Query(ctx, generic.AuditFilter{})
	require.NoError(t, err)
	from, to := t0.Add(250*time.Millisecond), t0.Add(time.Second)
	window, err := s.Query(ctx, generic.AuditFilter{From: &from, To: &to})
	require.NoError(t, err)

	// THEN: Entries come back in time order and the window holds only the half second
	require.Len(t, trail, 3)
	assert.Equal(t, []string{"a-1", "a-2", "a-3"}, []string{trail[0].ID, trail[1].ID, trail[2].ID})
	assert.True(t, trail[1].Timestamp.Equal(half.Timestamp))
	require.Len(t, window, 1)
	assert.Equal(t, "a-2", window[0].ID)
}

func TestSQLite_Audit_CorruptPayload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Append(ctx, generic.AuditEntry{
		ID: "a-1", Timestamp: t0, TenantID: "tenant-a", Action: generic.AuditCreated,
		Kind: generic.KindBatch, EntityID: "b-1", Version: 1, Payload: map[string]any{"operation": "create"},
	}))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE audit_log SET payload_json = '{"operation":' WHERE id = 'a-1'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = s.Query(ctx, generic.AuditFilter{})

	assert.ErrorContains(t, err, "audit entry a-1")
}

// =============================================================================
// SERVICE ON SQLITE
// =============================================================================

func TestSQLite_ServiceLifecycle(t *testing.T) {
	// GIVEN: The production service backed by SQLite
	// WHEN: Running an order through to a released batch
	// THEN: Versions, indexes and the audit trail are persisted

	ctx := context.Background()
	s := newStore(t)
	clock := generic.NewFixedClock(t0)
	f := production.NewFactory(clock, &generic.SequenceIDs{Prefix: "id"}, production.DefaultPolicy())
	svc := production.NewService(s, s, f)

	order, err := svc.CreateMixOrder(ctx, production.NewMixOrderInput{
		TenantID:    "tenant-a",
		OrderNumber: "MO-001",
		Type:        production.OrderPlant,
		RecipeID:    "recipe-1",
		TargetQtyKg: generic.Kg(100),
		PlannedAt:   t0.Add(time.Hour),
		CreatedBy:   "op-1",
	})
	require.NoError(t, err)
	target := production.Target{TenantID: "tenant-a", ID: order.Value.ID(), Actor: "op-1"}
	_, err = svc.StageMixOrder(ctx, target)
	require.NoError(t, err)
	_, err = svc.StartMixOrder(ctx, target)
	require.NoError(t, err)

	batch, err := svc.CreateBatch(ctx, production.NewBatchInput{
		TenantID:      "tenant-a",
		BatchNumber:   "B-1",
		MixOrderID:    order.Value.ID(),
		ProducedQtyKg: generic.Kg(100),
		StartAt:       t0,
		Inputs: []production.BatchInput{
			{IngredientLotID: "LOT-1", PlannedKg: generic.Kg(100), ActualKg: generic.Kg(100)},
		},
		Outputs: []production.BatchOutputLot{{
			LotNumber:   "OUT-1",
			QtyKg:       generic.Kg(100),
			Packing:     production.Packing{Form: production.PackingBulk},
			Destination: production.DestinationInventory,
		}},
		CreatedBy: "op-1",
	})
	require.NoError(t, err)

	completed, err := svc.CompleteMixOrder(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, int64(4), completed.Version)

	bt := production.Target{TenantID: "tenant-a", ID: batch.Value.ID(), Actor: "qa-1"}
	_, err = svc.CompleteBatch(ctx, bt, t0.Add(time.Hour))
	require.NoError(t, err)
	released, err := svc.ReleaseBatch(ctx, bt)
	require.NoError(t, err)
	assert.Equal(t, production.BatchReleased, released.Value.Status())

	reloaded, err := svc.Batch(ctx, "tenant-a", batch.Value.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(3), reloaded.Version)

	byOrder, err := svc.Batches(ctx, generic.Filter{TenantID: "tenant-a", RefID: order.Value.ID()})
	require.NoError(t, err)
	assert.Len(t, byOrder, 1)

	trail, err := svc.AuditTrail(ctx, generic.AuditFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Len(t, trail, 7)
}
