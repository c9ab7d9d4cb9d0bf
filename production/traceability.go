package production

import (
	"time"

	"github.com/shopspring/decimal"
)

// TraceabilityRecord is the flattened lineage of one batch: what went into
// it, what came out and where it went. Downstream systems rebuild the
// chain of custody from this structure alone.
type TraceabilityRecord struct {
	BatchID       string          `json:"batch_id"`
	BatchNumber   string          `json:"batch_number"`
	TenantID      string          `json:"tenant_id"`
	MixOrderID    string          `json:"mix_order_id"`
	Status        BatchStatus     `json:"status"`
	StartAt       time.Time       `json:"start_at"`
	EndAt         *time.Time      `json:"end_at,omitempty"`
	ProducedQtyKg decimal.Decimal `json:"produced_qty_kg"`
	TotalInputKg  decimal.Decimal `json:"total_input_kg"`
	TotalOutputKg decimal.Decimal `json:"total_output_kg"`
	YieldPercent  decimal.Decimal `json:"yield_percent"`
	Inputs        []TraceInput    `json:"inputs"`
	Outputs       []TraceOutput   `json:"outputs"`
	ParentBatches []string        `json:"parent_batches"`
	Labels        []string        `json:"labels"`
	IsRework      bool            `json:"is_rework"`
	GMPPlus       bool            `json:"gmp_plus"`
}

// TraceInput is one consumed ingredient lot.
type TraceInput struct {
	BatchID         string          `json:"batch_id"`
	IngredientLotID string          `json:"ingredient_lot_id"`
	PlannedKg       decimal.Decimal `json:"planned_kg"`
	ActualKg        decimal.Decimal `json:"actual_kg"`
}

// TraceOutput is one produced lot with its packing and destination.
type TraceOutput struct {
	LotID           string           `json:"lot_id"`
	BatchID         string           `json:"batch_id"`
	LotNumber       string           `json:"lot_number"`
	QtyKg           decimal.Decimal  `json:"qty_kg"`
	PackingForm     PackingForm      `json:"packing_form"`
	PackingSize     *decimal.Decimal `json:"packing_size,omitempty"`
	PackingUnit     string           `json:"packing_unit,omitempty"`
	Destination     Destination      `json:"destination"`
	GMPPlusMarkings []string         `json:"gmp_plus_markings"`
}

// TraceabilityData flattens the batch for regulatory export.
func (b *Batch) TraceabilityData() TraceabilityRecord {
	s := b.s.clone()

	inputs := make([]TraceInput, len(s.Inputs))
	for i, in := range s.Inputs {
		inputs[i] = TraceInput{
			BatchID:         in.BatchID,
			IngredientLotID: in.IngredientLotID,
			PlannedKg:       in.PlannedKg,
			ActualKg:        in.ActualKg,
		}
	}

	outputs := make([]TraceOutput, len(s.Outputs))
	for i, out := range s.Outputs {
		markings := out.GMPPlusMarkings
		if markings == nil {
			markings = []string{}
		}
		outputs[i] = TraceOutput{
			LotID:           out.ID,
			BatchID:         out.BatchID,
			LotNumber:       out.LotNumber,
			QtyKg:           out.QtyKg,
			PackingForm:     out.Packing.Form,
			PackingSize:     out.Packing.Size,
			PackingUnit:     out.Packing.Unit,
			Destination:     out.Destination,
			GMPPlusMarkings: markings,
		}
	}

	return TraceabilityRecord{
		BatchID:       s.ID,
		BatchNumber:   s.BatchNumber,
		TenantID:      s.TenantID,
		MixOrderID:    s.MixOrderID,
		Status:        s.Status,
		StartAt:       s.StartAt,
		EndAt:         s.EndAt,
		ProducedQtyKg: s.ProducedQtyKg,
		TotalInputKg:  b.TotalInputKg(),
		TotalOutputKg: b.TotalOutputKg(),
		YieldPercent:  b.Yield(),
		Inputs:        inputs,
		Outputs:       outputs,
		ParentBatches: s.ParentBatches,
		Labels:        s.Labels,
		IsRework:      b.IsRework(),
		GMPPlus:       b.HasGMPPlusMarking(),
	}
}
