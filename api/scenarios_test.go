/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:

	Tests that each scenario correctly sets up the expected state:
	- Mix orders end in the expected status
	- Batches carry the expected status, labels and lineage
	- Mobile runs carry cleanings and calibration ages
	- Everything lands in the demo tenant with an audit trail

These tests ensure scenarios work correctly and can be used as integration tests.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
)

func findOrder(t *testing.T, h *Handler, number string) *production.MixOrder {
	t.Helper()
	orders, err := h.Service.MixOrders(context.Background(), generic.Filter{TenantID: ScenarioTenant})
	require.NoError(t, err)
	for _, v := range orders {
		if v.Value.OrderNumber() == number {
			return v.Value
		}
	}
	t.Fatalf("mix order %s not found", number)
	return nil
}

func findBatch(t *testing.T, h *Handler, number string) generic.Versioned[*production.Batch] {
	t.Helper()
	batches, err := h.Service.Batches(context.Background(), generic.Filter{TenantID: ScenarioTenant})
	require.NoError(t, err)
	for _, v := range batches {
		if v.Value.BatchNumber() == number {
			return v
		}
	}
	t.Fatalf("batch %s not found", number)
	return generic.Versioned[*production.Batch]{}
}

func TestScenario_PlantShift(t *testing.T) {
	// GIVEN: Plant shift scenario
	// WHEN: Loading the scenario
	// THEN: The order is completed with its steps and the batch is released

	handler := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.loadPlantShiftScenario(ctx))

	order := findOrder(t, handler, "MO-PLANT-001")
	assert.Equal(t, production.MixOrderCompleted, order.Status())
	assert.Len(t, order.Steps(), 2)
	assert.Empty(t, order.ActiveSteps(), "every step ended")

	batch := findBatch(t, handler, "B-PLANT-001")
	assert.Equal(t, production.BatchReleased, batch.Value.Status())
	assert.Equal(t, order.ID(), batch.Value.MixOrderID())
	assert.True(t, batch.Value.TotalInputKg().Equal(generic.Kg(1002)))
	assert.True(t, batch.Value.TotalOutputKg().Equal(generic.Kg(995)))
}

func TestScenario_QualityRecall(t *testing.T) {
	// GIVEN: Quality recall scenario
	// WHEN: Loading the scenario
	// THEN: The recalled batch is rejected and the rework batch points back at it

	handler := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.loadQualityRecallScenario(ctx))

	recalled := findBatch(t, handler, "B-RECALL-001")
	assert.Equal(t, production.BatchRejected, recalled.Value.Status())
	assert.Equal(t, []string{
		"QUARANTINED: mycotoxin screening",
		"REJECTED: aflatoxin above limit",
	}, recalled.Value.Labels())

	rework := findBatch(t, handler, "B-REWORK-001")
	assert.Equal(t, []string{recalled.Value.ID()}, rework.Value.ParentBatches())

	trace, err := handler.Service.Traceability(ctx, ScenarioTenant, rework.Value.ID())
	require.NoError(t, err)
	assert.True(t, trace.IsRework)
	assert.Contains(t, trace.Labels, "REWORK")
	assert.True(t, trace.TotalInputKg.Equal(generic.Kg(500)))

	assert.Equal(t, production.MixOrderCompleted, findOrder(t, handler, "MO-RECALL-001").Status())
}

func TestScenario_MobileCleaning(t *testing.T) {
	// GIVEN: Mobile cleaning scenario
	// WHEN: Loading the scenario
	// THEN: Unit-1 has an open flush, unit-2 has an expired calibration

	handler := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.loadMobileCleaningScenario(ctx))

	order := findOrder(t, handler, "MO-MOBILE-001")
	assert.True(t, order.IsMobile())
	assert.Equal(t, "unit-1", order.MobileUnitID())

	runs, err := handler.Service.MobileRuns(ctx, generic.Filter{TenantID: ScenarioTenant, RefID: "unit-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	active, ok := runs[0].Value.ActiveCleaningSequence()
	require.True(t, ok)
	assert.Equal(t, production.CleaningFlush, active.Type)
	assert.Equal(t, active.ID, runs[0].Value.CleaningSequenceID())

	report, err := handler.Service.CalibrationReport(ctx, ScenarioTenant, 0)
	require.NoError(t, err)
	require.Len(t, report, 1)
	assert.Equal(t, "unit-2", report[0].MobileUnitID)
	assert.InDelta(t, 45.0, report[0].AgeDays, 0.01)
}

func TestScenario_SnapshotImport(t *testing.T) {
	// GIVEN: Snapshot import scenario
	// WHEN: Loading the scenario
	// THEN: Records arrive at version 1 with "imported" audit entries

	handler := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.loadSnapshotImportScenario(ctx))

	assert.Equal(t, production.MixOrderCompleted, findOrder(t, handler, "MO-LEGACY-001").Status())
	batch := findBatch(t, handler, "B-LEGACY-001")
	assert.Equal(t, production.BatchReleased, batch.Value.Status())
	assert.Equal(t, int64(1), batch.Version)

	entries, err := handler.Service.AuditTrail(ctx, generic.AuditFilter{
		TenantID: ScenarioTenant,
		Actions:  []generic.AuditAction{generic.AuditImported},
	})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestScenario_LoadOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: s.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			rec = api.do(http.MethodGet, "/api/scenarios/current", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, s.ID, decode[ScenarioDTO](t, rec).ID)
		})
	}

	t.Run("unknown", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("reset", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/scenarios/reset", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = api.do(http.MethodGet, "/api/tenants/"+ScenarioTenant+"/mix-orders", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())

		rec = api.do(http.MethodGet, "/api/scenarios/current", nil)
		assert.JSONEq(t, `null`, rec.Body.String())
	})
}
