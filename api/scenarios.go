/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	production data for testing and demos. Every scenario goes through the
	production service, so versions and the audit trail look exactly like
	real traffic.

AVAILABLE SCENARIOS:

	plant-shift:      Plant order from draft to completed with a released batch
	quality-recall:   Released batch pulled back into quarantine and reworked
	mobile-cleaning:  Mobile order, active run with flush, stale calibration
	snapshot-import:  Existing records brought in as snapshot documents

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create mix orders and walk them through their lifecycle
 3. Record batches against the orders
 4. Start mobile runs, log cleanings and calibrations

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "quality-recall"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
	All scenario data lives in tenant "demo".

SEE ALSO:
  - handlers.go: Handler and helpers
  - factory/document.go: Snapshot documents used by snapshot-import
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/production-engine/factory"
	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
)

// ScenarioTenant owns all scenario data.
const ScenarioTenant = "demo"

const (
	scenarioActor    = "scenario"
	scenarioCustomer = "6f1d2c7a-8a43-4d1e-9c59-3a2f0b7e5d10"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "plant-shift",
		Name:        "Plant Shift",
		Description: "Plant mix order staged, run through weigh/mix steps and completed with a released batch",
		Category:    "plant",
	},
	{
		ID:          "quality-recall",
		Name:        "Quality Recall",
		Description: "Released batch put back into quarantine, rejected, and reworked into a new batch",
		Category:    "quality",
	},
	{
		ID:          "mobile-cleaning",
		Name:        "Mobile Cleaning",
		Description: "Mobile unit on a farm with a flush sequence, plus a second unit with an expired calibration",
		Category:    "mobile",
	},
	{
		ID:          "snapshot-import",
		Name:        "Snapshot Import",
		Description: "Completed order and batch imported as snapshot documents instead of replayed transitions",
		Category:    "import",
	},
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"plant-shift":     h.loadPlantShiftScenario,
		"quality-recall":  h.loadQualityRecallScenario,
		"mobile-cleaning": h.loadMobileCleaningScenario,
		"snapshot-import": h.loadSnapshotImportScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	load, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadPlantShiftScenario(ctx context.Context) error {
	svc := h.Service
	now := svc.Factory.Clock().Now()

	order, err := h.runningPlantOrder(ctx, "MO-PLANT-001", now.Add(-3*time.Hour))
	if err != nil {
		return err
	}
	t := scenarioTarget(order.ID())

	// Weigh then mix; each step ends before the next one opens
	if _, err := svc.AddMixStep(ctx, t, production.MixStep{Type: production.StepWeigh, StartedAt: now.Add(-3 * time.Hour), EquipmentID: "scale-1"}); err != nil {
		return err
	}
	if _, err := svc.EndMixStep(ctx, t, 0, now.Add(-150*time.Minute), &production.StepActuals{MassKg: generic.DecimalPtr(generic.Kg(1002))}); err != nil {
		return err
	}
	if _, err := svc.AddMixStep(ctx, t, production.MixStep{Type: production.StepMix, StartedAt: now.Add(-150 * time.Minute), EquipmentID: "mixer-2"}); err != nil {
		return err
	}
	energy := generic.MustParseDecimal("12.5")
	if _, err := svc.EndMixStep(ctx, t, 1, now.Add(-2*time.Hour), &production.StepActuals{EnergyKWh: &energy}); err != nil {
		return err
	}

	batch, err := svc.CreateBatch(ctx, production.NewBatchInput{
		TenantID:      ScenarioTenant,
		BatchNumber:   "B-PLANT-001",
		MixOrderID:    order.ID(),
		ProducedQtyKg: generic.Kg(995),
		StartAt:       now.Add(-3 * time.Hour),
		Inputs: []production.BatchInput{
			scenarioInput("LOT-WHEAT-0425", 600),
			scenarioInput("LOT-SOY-0425", 300),
			scenarioInput("LOT-PREMIX-0425", 102),
		},
		Outputs: []production.BatchOutputLot{
			scenarioOutput("OUT-PLANT-001-A", 500, production.PackingBag),
			scenarioOutput("OUT-PLANT-001-B", 495, production.PackingBulk),
		},
		CreatedBy: scenarioActor,
	})
	if err != nil {
		return err
	}

	if _, err := svc.CompleteMixOrder(ctx, t); err != nil {
		return err
	}
	bt := scenarioTarget(batch.Value.ID())
	if _, err := svc.CompleteBatch(ctx, bt, now.Add(-2*time.Hour)); err != nil {
		return err
	}
	_, err = svc.ReleaseBatch(ctx, bt)
	return err
}

func (h *Handler) loadQualityRecallScenario(ctx context.Context) error {
	svc := h.Service
	now := svc.Factory.Clock().Now()

	order, err := h.runningPlantOrder(ctx, "MO-RECALL-001", now.Add(-48*time.Hour))
	if err != nil {
		return err
	}

	recalled, err := h.releasedBatch(ctx, order.ID(), "B-RECALL-001", "OUT-RECALL-001", now.Add(-48*time.Hour))
	if err != nil {
		return err
	}
	rt := scenarioTarget(recalled.ID())
	if _, err := svc.QuarantineBatch(ctx, rt, "mycotoxin screening"); err != nil {
		return err
	}
	if _, err := svc.RejectBatch(ctx, rt, "aflatoxin above limit"); err != nil {
		return err
	}

	// The rework batch re-processes part of the rejected lot
	_, err = svc.CreateBatch(ctx, production.NewBatchInput{
		TenantID:      ScenarioTenant,
		BatchNumber:   "B-REWORK-001",
		MixOrderID:    order.ID(),
		ProducedQtyKg: generic.Kg(480),
		StartAt:       now.Add(-2 * time.Hour),
		ParentBatches: []string{recalled.ID()},
		Labels:        []string{"REWORK"},
		Inputs: []production.BatchInput{
			scenarioInput("OUT-RECALL-001", 400),
			scenarioInput("LOT-BINDER-0425", 100),
		},
		Outputs:   []production.BatchOutputLot{scenarioOutput("OUT-REWORK-001", 480, production.PackingBulk)},
		CreatedBy: scenarioActor,
	})
	if err != nil {
		return err
	}
	_, err = svc.CompleteMixOrder(ctx, scenarioTarget(order.ID()))
	return err
}

func (h *Handler) loadMobileCleaningScenario(ctx context.Context) error {
	svc := h.Service
	now := svc.Factory.Clock().Now()
	farm := production.Location{Lat: 52.0907, Lng: 5.1214, Address: "Dorpsstraat 12, Houten"}

	_, err := svc.CreateMixOrder(ctx, production.NewMixOrderInput{
		TenantID:     ScenarioTenant,
		OrderNumber:  "MO-MOBILE-001",
		Type:         production.OrderMobile,
		RecipeID:     "recipe-dairy-mash",
		TargetQtyKg:  generic.Kg(2500),
		PlannedAt:    now.Add(2 * time.Hour),
		Location:     &farm,
		CustomerID:   scenarioCustomer,
		MobileUnitID: "unit-1",
		CreatedBy:    scenarioActor,
	})
	if err != nil {
		return err
	}

	run, err := svc.CreateMobileRun(ctx, production.NewMobileRunInput{
		TenantID:     ScenarioTenant,
		MobileUnitID: "unit-1",
		VehicleID:    "truck-12",
		OperatorID:   "driver-1",
		Site:         production.Site{CustomerID: scenarioCustomer, Location: farm},
		PowerSource:  production.PowerGenerator,
		CalibrationCheck: production.CalibrationCheck{
			ScaleOK: true, MoistureOK: true, TemperatureOK: true,
			Date:        now.Add(-72 * time.Hour),
			ValidatedBy: "tech-1",
		},
		StartAt:   now.Add(-time.Hour),
		CreatedBy: scenarioActor,
	})
	if err != nil {
		return err
	}
	flush := generic.Kg(150)
	if _, err := svc.AddCleaningSequence(ctx, scenarioTarget(run.Value.ID()), production.NewCleaningSequence{
		Type:            production.CleaningFlush,
		StartedAt:       now.Add(-30 * time.Minute),
		UsedMaterialSKU: "SKU-FLUSH-WHEAT",
		FlushMassKg:     &flush,
		ValidatedBy:     "driver-1",
	}); err != nil {
		return err
	}

	// A second unit still running on a calibration from last quarter
	_, err = svc.CreateMobileRun(ctx, production.NewMobileRunInput{
		TenantID:     ScenarioTenant,
		MobileUnitID: "unit-2",
		OperatorID:   "driver-2",
		Site:         production.Site{CustomerID: scenarioCustomer, Location: farm},
		PowerSource:  production.PowerGrid,
		CalibrationCheck: production.CalibrationCheck{
			ScaleOK: true, MoistureOK: true, TemperatureOK: true,
			Date:        now.Add(-45 * 24 * time.Hour),
			ValidatedBy: "tech-2",
		},
		StartAt:   now.Add(-4 * time.Hour),
		CreatedBy: scenarioActor,
	})
	return err
}

// loadSnapshotImportScenario builds finished records in memory, exports them
// as documents and imports the bundle, the way an ERP migration would.
func (h *Handler) loadSnapshotImportScenario(ctx context.Context) error {
	entities := h.Service.Factory
	now := entities.Clock().Now()

	order, err := entities.NewMixOrder(production.NewMixOrderInput{
		TenantID:    ScenarioTenant,
		OrderNumber: "MO-LEGACY-001",
		Type:        production.OrderPlant,
		RecipeID:    "recipe-pig-grower",
		TargetQtyKg: generic.Kg(800),
		PlannedAt:   now.Add(-7 * 24 * time.Hour),
		Notes:       "migrated from legacy ERP",
		CreatedBy:   scenarioActor,
	})
	if err != nil {
		return err
	}
	for _, step := range []func(*production.MixOrder) (*production.MixOrder, error){
		func(m *production.MixOrder) (*production.MixOrder, error) { return m.Stage(scenarioActor) },
		func(m *production.MixOrder) (*production.MixOrder, error) { return m.Start(scenarioActor) },
		func(m *production.MixOrder) (*production.MixOrder, error) { return m.Complete(scenarioActor) },
	} {
		if order, err = step(order); err != nil {
			return err
		}
	}

	end := now.Add(-7*24*time.Hour + 2*time.Hour)
	batch, err := entities.NewBatch(production.NewBatchInput{
		TenantID:      ScenarioTenant,
		BatchNumber:   "B-LEGACY-001",
		MixOrderID:    order.ID(),
		ProducedQtyKg: generic.Kg(798),
		StartAt:       now.Add(-7 * 24 * time.Hour),
		EndAt:         &end,
		Inputs:        []production.BatchInput{scenarioInput("LOT-BARLEY-0325", 800)},
		Outputs:       []production.BatchOutputLot{scenarioOutput("OUT-LEGACY-001", 798, production.PackingSilo)},
		CreatedBy:     scenarioActor,
	})
	if err != nil {
		return err
	}
	if batch, err = batch.Release(scenarioActor); err != nil {
		return err
	}

	var bundle factory.Bundle
	for _, e := range []any{batch, order} {
		doc, err := h.Documents.ToDocument(e)
		if err != nil {
			return err
		}
		bundle.Documents = append(bundle.Documents, doc)
	}
	parsed, err := h.Documents.FromBundle(bundle)
	if err != nil {
		return err
	}
	for _, e := range parsed {
		if _, err := h.Service.Import(ctx, scenarioActor, e.Value); err != nil {
			return fmt.Errorf("import %s %s: %w", e.Kind, e.ID(), err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) runningPlantOrder(ctx context.Context, number string, plannedAt time.Time) (*production.MixOrder, error) {
	svc := h.Service
	v, err := svc.CreateMixOrder(ctx, production.NewMixOrderInput{
		TenantID:    ScenarioTenant,
		OrderNumber: number,
		Type:        production.OrderPlant,
		RecipeID:    "recipe-layer-feed",
		TargetQtyKg: generic.Kg(1000),
		PlannedAt:   plannedAt,
		CreatedBy:   scenarioActor,
	})
	if err != nil {
		return nil, err
	}
	t := scenarioTarget(v.Value.ID())
	if _, err := svc.StageMixOrder(ctx, t); err != nil {
		return nil, err
	}
	started, err := svc.StartMixOrder(ctx, t)
	if err != nil {
		return nil, err
	}
	return started.Value, nil
}

func (h *Handler) releasedBatch(ctx context.Context, orderID, number, lot string, start time.Time) (*production.Batch, error) {
	svc := h.Service
	v, err := svc.CreateBatch(ctx, production.NewBatchInput{
		TenantID:      ScenarioTenant,
		BatchNumber:   number,
		MixOrderID:    orderID,
		ProducedQtyKg: generic.Kg(1000),
		StartAt:       start,
		Inputs: []production.BatchInput{
			scenarioInput("LOT-MAIZE-0425", 700),
			scenarioInput("LOT-SUNFLOWER-0425", 300),
		},
		Outputs:   []production.BatchOutputLot{scenarioOutput(lot, 1000, production.PackingBulk)},
		CreatedBy: scenarioActor,
	})
	if err != nil {
		return nil, err
	}
	t := scenarioTarget(v.Value.ID())
	if _, err := svc.CompleteBatch(ctx, t, start.Add(90*time.Minute)); err != nil {
		return nil, err
	}
	released, err := svc.ReleaseBatch(ctx, t)
	if err != nil {
		return nil, err
	}
	return released.Value, nil
}

func scenarioTarget(id string) production.Target {
	return production.Target{TenantID: ScenarioTenant, ID: id, Actor: scenarioActor}
}

func scenarioInput(lot string, kg float64) production.BatchInput {
	return production.BatchInput{IngredientLotID: lot, PlannedKg: generic.Kg(kg), ActualKg: generic.Kg(kg)}
}

func scenarioOutput(lot string, kg float64, form production.PackingForm) production.BatchOutputLot {
	return production.BatchOutputLot{
		LotNumber:   lot,
		QtyKg:       generic.Kg(kg),
		Packing:     production.Packing{Form: form},
		Destination: production.DestinationInventory,
	}
}
