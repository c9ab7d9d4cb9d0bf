package production_test

import (
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
)

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestBatch_New_StartsInQuarantineAndOwnsItsLots(t *testing.T) {
	f, _ := newTestFactory()

	b := newBatch(t, f)

	assert.Equal(t, "id-1", b.ID())
	assert.Equal(t, production.BatchQuarantine, b.Status())
	assert.True(t, b.IsInProgress())
	for _, in := range b.Inputs() {
		assert.Equal(t, b.ID(), in.BatchID)
	}
	outputs := b.Outputs()
	require.Len(t, outputs, 1)
	assert.Equal(t, "id-2", outputs[0].ID, "missing output ids are generated")
	assert.Equal(t, b.ID(), outputs[0].BatchID)
}

func TestBatch_MassBalance(t *testing.T) {
	// GIVEN: 100 kg of inputs and the default 5% tolerance
	// WHEN: Recording various output totals
	// THEN: Up to 105 kg is accepted, anything above is a business rule violation

	tests := []struct {
		name   string
		output float64
		ok     bool
	}{
		{"under input", 95, true},
		{"within tolerance", 104, true},
		{"at tolerance", 105, true},
		{"over tolerance", 106, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestFactory()
			in := batchInput("mo-1")
			in.Outputs = []production.BatchOutputLot{output("OUT-1", tt.output)}

			b, err := f.NewBatch(in)

			if tt.ok {
				require.NoError(t, err)
				assert.True(t, b.TotalOutputKg().Equal(kg(tt.output)))
				return
			}
			require.ErrorIs(t, err, generic.ErrBusinessRule)
			assert.Contains(t, err.Error(), "mass balance")
		})
	}
}

func TestBatch_MassBalance_UsesPolicyTolerance(t *testing.T) {
	policy := production.DefaultPolicy()
	policy.MassBalanceTolerance = generic.DecimalPtr(generic.MustParseDecimal("0.10"))
	f := production.NewFactory(generic.NewFixedClock(t0), &generic.SequenceIDs{Prefix: "id"}, policy)
	in := batchInput("mo-1")
	in.Outputs = []production.BatchOutputLot{output("OUT-1", 108)}

	_, err := f.NewBatch(in)

	assert.NoError(t, err)
}

func TestBatch_MassBalance_ZeroToleranceIsStrict(t *testing.T) {
	// GIVEN: a policy that allows no output above input
	policy := production.DefaultPolicy()
	policy.MassBalanceTolerance = generic.DecimalPtr(decimal.Zero)
	f := production.NewFactory(generic.NewFixedClock(t0), &generic.SequenceIDs{Prefix: "id"}, policy)
	assert.True(t, f.Policy().Tolerance().IsZero())

	// WHEN: output exceeds input by 1 kg
	in := batchInput("mo-1")
	in.Outputs = []production.BatchOutputLot{output("OUT-1", 101)}
	_, err := f.NewBatch(in)

	// THEN: mass balance fails, an exact match still passes
	require.ErrorIs(t, err, generic.ErrBusinessRule)
	in.Outputs = []production.BatchOutputLot{output("OUT-1", 100)}
	_, err = f.NewBatch(in)
	assert.NoError(t, err)
}

func TestBatch_New_BusinessRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*production.NewBatchInput)
		field  string
	}{
		{"lowercase batch number", func(in *production.NewBatchInput) { in.BatchNumber = "b-001" }, "batch_number"},
		{"end before start", func(in *production.NewBatchInput) { in.EndAt = generic.TimePtr(t0) }, "end_at"},
		{"duplicate ingredient lot", func(in *production.NewBatchInput) {
			in.Inputs = []production.BatchInput{input("LOT-1", 50), input("LOT-1", 50)}
		}, "inputs[1].ingredient_lot_id"},
		{"duplicate output lot number", func(in *production.NewBatchInput) {
			in.Outputs = []production.BatchOutputLot{output("OUT-1", 50), output("OUT-1", 50)}
		}, "outputs[1].lot_number"},
		{"duplicate parent", func(in *production.NewBatchInput) { in.ParentBatches = []string{"p-1", "p-1"} }, "parent_batches[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestFactory()
			in := batchInput("mo-1")
			tt.mutate(&in)

			_, err := f.NewBatch(in)

			require.ErrorIs(t, err, generic.ErrBusinessRule)
			var ve *generic.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Issues[0].Field)
		})
	}
}

func TestBatch_New_SchemaRules(t *testing.T) {
	f, _ := newTestFactory()
	in := batchInput("")
	in.ProducedQtyKg = kg(-1)
	in.Outputs = []production.BatchOutputLot{{LotNumber: "OUT-1", QtyKg: kg(10), Packing: production.Packing{Form: "crate"}, Destination: production.DestinationInventory}}

	_, err := f.NewBatch(in)

	require.ErrorIs(t, err, generic.ErrSchemaValidation)
	assert.Contains(t, err.Error(), "mix_order_id")
	assert.Contains(t, err.Error(), "produced_qty_kg")
	assert.Contains(t, err.Error(), "outputs[0].packing.form")
}

func TestBatch_SnapshotRoundTrip(t *testing.T) {
	f, _ := newTestFactory()
	b := newBatch(t, f)
	b, err := b.AddOutput(production.BatchOutputLot{
		LotNumber:       "OUT-2",
		QtyKg:           kg(2.5),
		Packing:         production.Packing{Form: production.PackingBag, Size: generic.DecimalPtr(kg(25)), Unit: "kg"},
		Destination:     production.DestinationDirectFarm,
		GMPPlusMarkings: []string{"GMP+ FSA"},
	}, operator)
	require.NoError(t, err)

	first, err := json.Marshal(b)
	require.NoError(t, err)
	parsed, err := f.ParseBatch(first)
	require.NoError(t, err)
	second, err := json.Marshal(parsed)
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
}

func TestBatch_FromSnapshot_RevalidatesMassBalance(t *testing.T) {
	f, _ := newTestFactory()
	s := newBatch(t, f).Snapshot()
	s.Outputs[0].QtyKg = kg(200)

	_, err := f.BatchFromSnapshot(s)

	assert.ErrorIs(t, err, generic.ErrBusinessRule)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestBatch_Lifecycle_RecallAfterRelease(t *testing.T) {
	// GIVEN: A completed, released batch
	// WHEN: A quality recall puts it back into quarantine, then it is rejected
	// THEN: Each step leaves a reason label behind

	f, _ := newTestFactory()
	b := newBatch(t, f)

	completed, err := b.Complete(at(5*time.Hour), operator)
	require.NoError(t, err)
	released, err := completed.Release("qa-1")
	require.NoError(t, err)
	recalled, err := released.Quarantine("quality recall", "qa-1")
	require.NoError(t, err)
	rejected, err := recalled.Reject("mycotoxin", "qa-1")
	require.NoError(t, err)

	assert.Equal(t, production.BatchReleased, released.Status())
	assert.Equal(t, production.BatchQuarantine, recalled.Status())
	assert.Contains(t, recalled.Labels(), "QUARANTINED: quality recall")
	assert.Equal(t, production.BatchRejected, rejected.Status())
	assert.Equal(t, []string{"QUARANTINED: quality recall", "REJECTED: mycotoxin"}, rejected.Labels())
	assert.Equal(t, 4.0, completed.DurationHours())
}

func TestBatch_ReleaseRequiresCompletion(t *testing.T) {
	f, _ := newTestFactory()
	b := newBatch(t, f)

	_, err := b.Release(operator)

	var te *generic.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "quarantine and in progress", te.Status)
	assert.False(t, b.CanRelease())
}

func TestBatch_CompleteOnlyOnce(t *testing.T) {
	f, _ := newTestFactory()
	b, err := newBatch(t, f).Complete(at(2*time.Hour), operator)
	require.NoError(t, err)

	_, err = b.Complete(at(3*time.Hour), operator)

	require.ErrorIs(t, err, generic.ErrInvalidTransition)
	assert.Equal(t, at(2*time.Hour), *b.EndAt())
}

func TestBatch_CompleteBeforeStartIsRejected(t *testing.T) {
	f, _ := newTestFactory()

	_, err := newBatch(t, f).Complete(at(30*time.Minute), operator)

	assert.ErrorIs(t, err, generic.ErrBusinessRule)
}

func TestBatch_RejectWithoutReasonLabelsPlainly(t *testing.T) {
	f, _ := newTestFactory()

	rejected, err := newBatch(t, f).Reject("", operator)

	require.NoError(t, err)
	assert.Equal(t, []string{"REJECTED"}, rejected.Labels())
}

func TestBatch_TransitionGuards(t *testing.T) {
	// GIVEN: A batch at every point of its lifecycle
	f, _ := newTestFactory()
	inProgress := newBatch(t, f)
	completed, err := inProgress.Complete(at(5*time.Hour), operator)
	require.NoError(t, err)
	released, err := completed.Release("qa-1")
	require.NoError(t, err)
	rejected, err := completed.Reject("mycotoxin", "qa-1")
	require.NoError(t, err)

	batches := []struct {
		name    string
		batch   *production.Batch
		allowed []string
	}{
		{"in progress", inProgress, []string{"complete", "reject"}},
		{"completed in quarantine", completed, []string{"release", "reject"}},
		{"released", released, []string{"reject", "quarantine"}},
		{"rejected", rejected, nil},
	}
	transitions := map[string]func(*production.Batch) (*production.Batch, error){
		"complete":   func(b *production.Batch) (*production.Batch, error) { return b.Complete(at(6*time.Hour), operator) },
		"release":    func(b *production.Batch) (*production.Batch, error) { return b.Release(operator) },
		"reject":     func(b *production.Batch) (*production.Batch, error) { return b.Reject("", operator) },
		"quarantine": func(b *production.Batch) (*production.Batch, error) { return b.Quarantine("", operator) },
	}

	// WHEN: Every transition is applied at every point
	// THEN: Disallowed pairs fail, and no receiver changes
	denied := 0
	for _, bb := range batches {
		for name, apply := range transitions {
			t.Run(bb.name+"/"+name, func(t *testing.T) {
				before, err := json.Marshal(bb.batch)
				require.NoError(t, err)

				result, err := apply(bb.batch)

				if slices.Contains(bb.allowed, name) {
					require.NoError(t, err)
					assert.NotNil(t, result)
				} else {
					denied++
					assert.Nil(t, result)
					require.ErrorIs(t, err, generic.ErrInvalidTransition)
					var te *generic.TransitionError
					require.ErrorAs(t, err, &te)
					assert.Equal(t, name, te.Transition)
				}
				after, err := json.Marshal(bb.batch)
				require.NoError(t, err)
				assert.JSONEq(t, string(before), string(after))
			})
		}
	}
	assert.Equal(t, 10, denied)
}

func TestBatch_RejectFromReleased(t *testing.T) {
	f, _ := newTestFactory()
	b, err := newBatch(t, f).Complete(at(2*time.Hour), operator)
	require.NoError(t, err)
	b, err = b.Release(operator)
	require.NoError(t, err)

	rejected, err := b.Reject("customer complaint", operator)

	require.NoError(t, err)
	assert.True(t, rejected.IsRejected())
}

// =============================================================================
// APPENDS
// =============================================================================

func TestBatch_AddInput(t *testing.T) {
	f, _ := newTestFactory()
	b := newBatch(t, f)

	added, err := b.AddInput(input("LOT-MINERALS-1", 5), operator)
	require.NoError(t, err)
	assert.Equal(t, []string{"LOT-CORN-1", "LOT-SOY-1", "LOT-MINERALS-1"}, added.IngredientLotIDs())
	assert.True(t, added.TotalInputKg().Equal(kg(105)))

	_, err = added.AddInput(input("LOT-SOY-1", 5), operator)
	var de *generic.DuplicateError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "LOT-SOY-1", de.Value)
}

func TestBatch_AddOutput(t *testing.T) {
	f, _ := newTestFactory()
	b := newBatch(t, f)

	t.Run("duplicate lot number", func(t *testing.T) {
		_, err := b.AddOutput(output("OUT-1", 1), operator)
		assert.ErrorIs(t, err, generic.ErrDuplicate)
	})
	t.Run("breaks mass balance", func(t *testing.T) {
		_, err := b.AddOutput(output("OUT-2", 10), operator)
		assert.ErrorIs(t, err, generic.ErrBusinessRule)
	})
	t.Run("foreign batch id", func(t *testing.T) {
		out := output("OUT-2", 1)
		out.BatchID = "other"
		_, err := b.AddOutput(out, operator)
		assert.ErrorIs(t, err, generic.ErrBusinessRule)
	})
	t.Run("within balance", func(t *testing.T) {
		added, err := b.AddOutput(output("OUT-2", 4), operator)
		require.NoError(t, err)
		assert.Equal(t, []string{"OUT-1", "OUT-2"}, added.OutputLotNumbers())
	})
}

func TestBatch_LabelsAndParentsAreIdempotent(t *testing.T) {
	f, _ := newTestFactory()
	b, err := newBatch(t, f).AddLabel("organic", operator)
	require.NoError(t, err)

	same, err := b.AddLabel("organic", operator)
	require.NoError(t, err)
	assert.Same(t, b, same)

	unchanged, err := b.RemoveLabel("absent", operator)
	require.NoError(t, err)
	assert.Same(t, b, unchanged)

	removed, err := b.RemoveLabel("organic", operator)
	require.NoError(t, err)
	assert.Empty(t, removed.Labels())

	reworked, err := b.AddParentBatch("parent-1", operator)
	require.NoError(t, err)
	assert.True(t, reworked.IsRework())
	again, err := reworked.AddParentBatch("parent-1", operator)
	require.NoError(t, err)
	assert.Same(t, reworked, again)

	_, err = b.AddParentBatch(b.ID(), operator)
	assert.ErrorIs(t, err, generic.ErrBusinessRule)
}

// =============================================================================
// DERIVED QUERIES AND TRACEABILITY
// =============================================================================

func TestBatch_Yield(t *testing.T) {
	f, _ := newTestFactory()
	in := batchInput("mo-1")
	in.Outputs = []production.BatchOutputLot{output("OUT-1", 90), output("OUT-2", 8)}

	b, err := f.NewBatch(in)
	require.NoError(t, err)

	assert.True(t, b.Yield().Equal(kg(98)), "got %s", b.Yield())
}

func TestBatch_TraceabilityData(t *testing.T) {
	f, _ := newTestFactory()
	in := batchInput("mo-1")
	in.ParentBatches = []string{"parent-1"}
	gmp := output("OUT-2", 4)
	gmp.GMPPlusMarkings = []string{"GMP+ B1"}
	in.Outputs = append(in.Outputs, gmp)
	b, err := f.NewBatch(in)
	require.NoError(t, err)

	rec := b.TraceabilityData()

	assert.Equal(t, b.ID(), rec.BatchID)
	assert.Equal(t, "mo-1", rec.MixOrderID)
	assert.Len(t, rec.Inputs, 2)
	assert.Len(t, rec.Outputs, 2)
	assert.Equal(t, "LOT-CORN-1", rec.Inputs[0].IngredientLotID)
	assert.Equal(t, "OUT-2", rec.Outputs[1].LotNumber)
	assert.Equal(t, production.PackingBulk, rec.Outputs[0].PackingForm)
	assert.Empty(t, rec.Outputs[0].GMPPlusMarkings)
	assert.True(t, rec.TotalInputKg.Equal(kg(100)))
	assert.True(t, rec.TotalOutputKg.Equal(kg(104)))
	assert.True(t, rec.IsRework)
	assert.True(t, rec.GMPPlus)
}
