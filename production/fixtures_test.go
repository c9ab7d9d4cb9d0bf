package production_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	tenantA    = "tenant-a"
	tenantB    = "tenant-b"
	customerID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"
	operator   = "op-1"
)

var t0 = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

func newTestFactory() (*production.Factory, *generic.FixedClock) {
	clock := generic.NewFixedClock(t0)
	ids := &generic.SequenceIDs{Prefix: "id"}
	return production.NewFactory(clock, ids, production.DefaultPolicy()), clock
}

func at(d time.Duration) time.Time { return t0.Add(d) }

func kg(v float64) decimal.Decimal { return generic.Kg(v) }

func plantOrderInput() production.NewMixOrderInput {
	return production.NewMixOrderInput{
		TenantID:    tenantA,
		OrderNumber: "MO-001",
		Type:        production.OrderPlant,
		RecipeID:    "recipe-layer-feed",
		TargetQtyKg: kg(1000),
		PlannedAt:   at(24 * time.Hour),
		CreatedBy:   operator,
	}
}

func mobileOrderInput() production.NewMixOrderInput {
	in := plantOrderInput()
	in.OrderNumber = "MO-M-001"
	in.Type = production.OrderMobile
	in.Location = &production.Location{Lat: 52.37, Lng: 4.89, Address: "Farm Road 1"}
	in.CustomerID = customerID
	in.MobileUnitID = "unit-7"
	return in
}

func newPlantOrder(t *testing.T, f *production.Factory) *production.MixOrder {
	t.Helper()
	m, err := f.NewMixOrder(plantOrderInput())
	require.NoError(t, err)
	return m
}

func runningOrder(t *testing.T, f *production.Factory) *production.MixOrder {
	t.Helper()
	m := newPlantOrder(t, f)
	m, err := m.Stage(operator)
	require.NoError(t, err)
	m, err = m.Start(operator)
	require.NoError(t, err)
	return m
}

func input(lot string, actual float64) production.BatchInput {
	return production.BatchInput{IngredientLotID: lot, PlannedKg: kg(actual), ActualKg: kg(actual)}
}

func output(lot string, qty float64) production.BatchOutputLot {
	return production.BatchOutputLot{
		LotNumber:   lot,
		QtyKg:       kg(qty),
		Packing:     production.Packing{Form: production.PackingBulk},
		Destination: production.DestinationInventory,
	}
}

func batchInput(mixOrderID string) production.NewBatchInput {
	return production.NewBatchInput{
		TenantID:      tenantA,
		BatchNumber:   "B-2025-001",
		MixOrderID:    mixOrderID,
		ProducedQtyKg: kg(100),
		StartAt:       at(time.Hour),
		Inputs:        []production.BatchInput{input("LOT-CORN-1", 60), input("LOT-SOY-1", 40)},
		Outputs:       []production.BatchOutputLot{output("OUT-1", 100)},
		CreatedBy:     operator,
	}
}

func newBatch(t *testing.T, f *production.Factory) *production.Batch {
	t.Helper()
	b, err := f.NewBatch(batchInput("mo-1"))
	require.NoError(t, err)
	return b
}

func passingCalibration(date time.Time) production.CalibrationCheck {
	return production.CalibrationCheck{
		ScaleOK:       true,
		MoistureOK:    true,
		TemperatureOK: true,
		Date:          date,
		ValidatedBy:   "tech-1",
	}
}

func mobileRunInput() production.NewMobileRunInput {
	return production.NewMobileRunInput{
		TenantID:     tenantA,
		MobileUnitID: "unit-7",
		OperatorID:   operator,
		Site: production.Site{
			CustomerID: customerID,
			Location:   production.Location{Lat: 52.37, Lng: 4.89, Address: "Farm Road 1"},
		},
		CalibrationCheck: passingCalibration(t0.Add(-48 * time.Hour)),
		StartAt:          t0,
		CreatedBy:        operator,
	}
}

func newMobileRun(t *testing.T, f *production.Factory) *production.MobileRun {
	t.Helper()
	r, err := f.NewMobileRun(mobileRunInput())
	require.NoError(t, err)
	return r
}

func flush(start time.Time, massKg float64) production.NewCleaningSequence {
	return production.NewCleaningSequence{
		Type:        production.CleaningFlush,
		StartedAt:   start,
		FlushMassKg: generic.DecimalPtr(kg(massKg)),
		ValidatedBy: "tech-1",
	}
}
