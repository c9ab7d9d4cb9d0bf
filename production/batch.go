/*
batch.go - Batch lifecycle, mass balance and lineage

STATE MACHINE:

	            complete(endAt) sets endAt once
	Quarantine ──release (completed only)──▶ Released
	     ▲                                      │
	     └──────────────quarantine──────────────┘

	reject: any state except Rejected ──▶ Rejected

MASS BALANCE:
  Total output kg may not exceed total input kg * (1 + tolerance). The
  tolerance comes from Policy (5% by default). A violation is a hard
  validation failure on every construction path, not a warning.

LINEAGE:
  ParentBatches links a rework or blend batch to the batches whose material
  it consumed. TraceabilityData flattens inputs, outputs and lineage for
  regulatory export.
*/
package production

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/production-engine/generic"
)

const batchEntity = "batch"

const (
	labelRejected    = "REJECTED"
	labelQuarantined = "QUARANTINED"
)

// BatchSnapshot is the serialized form of a batch.
type BatchSnapshot struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	BatchNumber   string           `json:"batch_number"`
	MixOrderID    string           `json:"mix_order_id"`
	ProducedQtyKg decimal.Decimal  `json:"produced_qty_kg"`
	StartAt       time.Time        `json:"start_at"`
	EndAt         *time.Time       `json:"end_at,omitempty"`
	Status        BatchStatus      `json:"status"`
	ParentBatches []string         `json:"parent_batches"`
	Labels        []string         `json:"labels"`
	Inputs        []BatchInput     `json:"inputs"`
	Outputs       []BatchOutputLot `json:"outputs"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	CreatedBy     string           `json:"created_by,omitempty"`
	UpdatedBy     string           `json:"updated_by,omitempty"`
}

func (s BatchSnapshot) clone() BatchSnapshot {
	s.EndAt = cloneTime(s.EndAt)
	s.ParentBatches = append([]string{}, s.ParentBatches...)
	s.Labels = append([]string{}, s.Labels...)
	s.Inputs = append([]BatchInput{}, s.Inputs...)
	outputs := make([]BatchOutputLot, len(s.Outputs))
	for i, out := range s.Outputs {
		outputs[i] = out.clone()
	}
	s.Outputs = outputs
	return s
}

// NewBatchInput is everything a new batch needs except the fields the
// factory assigns. Input and output BatchIDs and empty output ids are filled in.
type NewBatchInput struct {
	TenantID      string
	BatchNumber   string
	MixOrderID    string
	ProducedQtyKg decimal.Decimal
	StartAt       time.Time
	EndAt         *time.Time
	ParentBatches []string
	Labels        []string
	Inputs        []BatchInput
	Outputs       []BatchOutputLot
	CreatedBy     string
}

// Batch is an immutable batch. Build it through a Factory.
type Batch struct {
	s BatchSnapshot
	f *Factory
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// NewBatch creates a batch in quarantine with a fresh id and timestamps.
func (f *Factory) NewBatch(in NewBatchInput) (*Batch, error) {
	now := f.now()
	id := f.newID()

	inputs := make([]BatchInput, len(in.Inputs))
	for i, input := range in.Inputs {
		input.BatchID = id
		inputs[i] = input
	}
	outputs := make([]BatchOutputLot, len(in.Outputs))
	for i, out := range in.Outputs {
		outputs[i] = f.prepareOutput(id, out)
	}

	return f.BatchFromSnapshot(BatchSnapshot{
		ID:            id,
		TenantID:      in.TenantID,
		BatchNumber:   in.BatchNumber,
		MixOrderID:    in.MixOrderID,
		ProducedQtyKg: in.ProducedQtyKg,
		StartAt:       in.StartAt,
		EndAt:         cloneTime(in.EndAt),
		Status:        BatchQuarantine,
		ParentBatches: in.ParentBatches,
		Labels:        in.Labels,
		Inputs:        inputs,
		Outputs:       outputs,
		CreatedAt:     now,
		UpdatedAt:     now,
		CreatedBy:     in.CreatedBy,
		UpdatedBy:     in.CreatedBy,
	})
}

func (f *Factory) prepareOutput(batchID string, out BatchOutputLot) BatchOutputLot {
	out = out.clone()
	if out.ID == "" {
		out.ID = f.newID()
	}
	out.BatchID = batchID
	return out
}

// BatchFromSnapshot rebuilds a batch, re-validating everything including
// mass balance.
func (f *Factory) BatchFromSnapshot(s BatchSnapshot) (*Batch, error) {
	s = s.clone()
	if err := validateBatch(s, f.policy); err != nil {
		return nil, err
	}
	return &Batch{s: s, f: f}, nil
}

// ParseBatch decodes a JSON snapshot and rebuilds the batch.
func (f *Factory) ParseBatch(data []byte) (*Batch, error) {
	var s BatchSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, malformed(batchEntity, err)
	}
	return f.BatchFromSnapshot(s)
}

func validateBatch(s BatchSnapshot, policy Policy) error {
	c := newChecker(batchEntity)
	c.nonEmpty("id", s.ID)
	c.nonEmpty("tenant_id", s.TenantID)
	c.nonEmpty("batch_number", s.BatchNumber)
	c.nonEmpty("mix_order_id", s.MixOrderID)
	c.positive("produced_qty_kg", s.ProducedQtyKg)
	c.notZeroTime("start_at", s.StartAt)
	c.require(s.Status.Valid(), "status", "unknown status %q", s.Status)
	for i, parent := range s.ParentBatches {
		c.nonEmpty(indexed("parent_batches", i), parent)
	}
	for i, label := range s.Labels {
		c.nonEmpty(indexed("labels", i), label)
	}
	for i, in := range s.Inputs {
		c.input(indexed("inputs", i), in)
	}
	for i, out := range s.Outputs {
		c.output(indexed("outputs", i), out)
	}
	c.notZeroTime("created_at", s.CreatedAt)
	c.notZeroTime("updated_at", s.UpdatedAt)
	if c.failed() {
		return c.err(generic.ErrSchemaValidation)
	}

	c.require(batchNumberPattern.MatchString(s.BatchNumber), "batch_number",
		"must match [A-Z0-9-_]+, got %q", s.BatchNumber)
	c.after("end_at", s.EndAt, s.StartAt)

	lots := make(map[string]bool, len(s.Inputs))
	for i, in := range s.Inputs {
		field := indexed("inputs", i)
		c.require(in.BatchID == s.ID, field+".batch_id", "must reference batch %s", s.ID)
		c.require(!lots[in.IngredientLotID], field+".ingredient_lot_id", "duplicate ingredient lot %q", in.IngredientLotID)
		lots[in.IngredientLotID] = true
	}

	numbers := make(map[string]bool, len(s.Outputs))
	ids := make(map[string]bool, len(s.Outputs))
	for i, out := range s.Outputs {
		field := indexed("outputs", i)
		c.require(out.BatchID == s.ID, field+".batch_id", "must reference batch %s", s.ID)
		c.require(!numbers[out.LotNumber], field+".lot_number", "duplicate lot number %q", out.LotNumber)
		c.require(!ids[out.ID], field+".id", "duplicate output id %q", out.ID)
		numbers[out.LotNumber] = true
		ids[out.ID] = true
	}

	parents := make(map[string]bool, len(s.ParentBatches))
	for i, parent := range s.ParentBatches {
		field := indexed("parent_batches", i)
		c.require(parent != s.ID, field, "batch cannot be its own parent")
		c.require(!parents[parent], field, "duplicate parent batch %q", parent)
		parents[parent] = true
	}

	in, out := totalInput(s), totalOutput(s)
	limit := policy.MaxOutputFor(in)
	c.require(!out.GreaterThan(limit), "outputs",
		"mass balance exceeded: output %s kg > input %s kg + %s%% tolerance (max %s kg)",
		out, in, policy.Tolerance().Mul(hundred), limit)

	return c.err(generic.ErrBusinessRule)
}

func totalInput(s BatchSnapshot) decimal.Decimal {
	kg := make([]decimal.Decimal, len(s.Inputs))
	for i, in := range s.Inputs {
		kg[i] = in.ActualKg
	}
	return generic.Sum(kg...)
}

func totalOutput(s BatchSnapshot) decimal.Decimal {
	kg := make([]decimal.Decimal, len(s.Outputs))
	for i, out := range s.Outputs {
		kg[i] = out.QtyKg
	}
	return generic.Sum(kg...)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Snapshot returns a deep copy of the serialized state.
func (b *Batch) Snapshot() BatchSnapshot { return b.s.clone() }

func (b *Batch) MarshalJSON() ([]byte, error) { return json.Marshal(b.s) }

func (b *Batch) ID() string                { return b.s.ID }
func (b *Batch) TenantID() string          { return b.s.TenantID }
func (b *Batch) BatchNumber() string       { return b.s.BatchNumber }
func (b *Batch) MixOrderID() string        { return b.s.MixOrderID }
func (b *Batch) Status() BatchStatus       { return b.s.Status }
func (b *Batch) Labels() []string          { return append([]string{}, b.s.Labels...) }
func (b *Batch) ParentBatches() []string   { return append([]string{}, b.s.ParentBatches...) }
func (b *Batch) Inputs() []BatchInput      { return append([]BatchInput{}, b.s.Inputs...) }
func (b *Batch) Outputs() []BatchOutputLot { return b.s.clone().Outputs }
func (b *Batch) EndAt() *time.Time         { return cloneTime(b.s.EndAt) }
func (b *Batch) UpdatedAt() time.Time      { return b.s.UpdatedAt }

// =============================================================================
// STATE QUERIES AND GUARDS
// =============================================================================

func (b *Batch) IsReleased() bool     { return b.s.Status == BatchReleased }
func (b *Batch) IsInQuarantine() bool { return b.s.Status == BatchQuarantine }
func (b *Batch) IsRejected() bool     { return b.s.Status == BatchRejected }
func (b *Batch) IsCompleted() bool    { return b.s.EndAt != nil }
func (b *Batch) IsInProgress() bool   { return b.s.EndAt == nil }
func (b *Batch) IsRework() bool       { return len(b.s.ParentBatches) > 0 }

// HasGMPPlusMarking reports whether any output lot carries a GMP+ marking.
func (b *Batch) HasGMPPlusMarking() bool {
	for _, out := range b.s.Outputs {
		if len(out.GMPPlusMarkings) > 0 {
			return true
		}
	}
	return false
}

func (b *Batch) CanRelease() bool    { return b.IsInQuarantine() && b.IsCompleted() }
func (b *Batch) CanReject() bool     { return !b.IsRejected() }
func (b *Batch) CanQuarantine() bool { return b.IsReleased() }

// =============================================================================
// TRANSITIONS
// =============================================================================

// Complete sets the end time. Completion happens once.
func (b *Batch) Complete(endAt time.Time, updatedBy string) (*Batch, error) {
	if b.IsCompleted() {
		return nil, &generic.TransitionError{Entity: batchEntity, Transition: "complete", Status: "completed"}
	}
	next := b.s.clone()
	next.EndAt = &endAt
	return b.rebuild(next, updatedBy)
}

// Release moves a completed batch out of quarantine.
func (b *Batch) Release(updatedBy string) (*Batch, error) {
	if !b.CanRelease() {
		return nil, b.transitionError("release")
	}
	next := b.s.clone()
	next.Status = BatchReleased
	return b.rebuild(next, updatedBy)
}

// Reject rejects the batch from any state but Rejected. A released batch
// can be rejected directly.
func (b *Batch) Reject(reason, updatedBy string) (*Batch, error) {
	if !b.CanReject() {
		return nil, b.transitionError("reject")
	}
	next := b.s.clone()
	next.Status = BatchRejected
	next.Labels = append(next.Labels, reasonLabel(labelRejected, reason))
	return b.rebuild(next, updatedBy)
}

// Quarantine puts a released batch back on hold, e.g. after a later quality failure.
func (b *Batch) Quarantine(reason, updatedBy string) (*Batch, error) {
	if !b.CanQuarantine() {
		return nil, b.transitionError("quarantine")
	}
	next := b.s.clone()
	next.Status = BatchQuarantine
	next.Labels = append(next.Labels, reasonLabel(labelQuarantined, reason))
	return b.rebuild(next, updatedBy)
}

func (b *Batch) transitionError(name string) error {
	status := string(b.s.Status)
	if b.IsInQuarantine() && b.IsInProgress() {
		status = "quarantine and in progress"
	}
	return &generic.TransitionError{Entity: batchEntity, Transition: name, Status: status}
}

func (b *Batch) rebuild(next BatchSnapshot, updatedBy string) (*Batch, error) {
	next.UpdatedAt = b.f.now()
	next.UpdatedBy = updatedBy
	return b.f.BatchFromSnapshot(next)
}

func reasonLabel(tag, reason string) string {
	if reason == "" {
		return tag
	}
	return tag + ": " + reason
}

// =============================================================================
// APPENDS
// =============================================================================

// AddInput records consumption of an ingredient lot. Each lot appears once.
func (b *Batch) AddInput(in BatchInput, updatedBy string) (*Batch, error) {
	for _, existing := range b.s.Inputs {
		if existing.IngredientLotID == in.IngredientLotID {
			return nil, &generic.DuplicateError{Entity: batchEntity, Field: "ingredient_lot_id", Value: in.IngredientLotID}
		}
	}
	if in.BatchID == "" {
		in.BatchID = b.s.ID
	}
	next := b.s.clone()
	next.Inputs = append(next.Inputs, in)
	return b.rebuild(next, updatedBy)
}

// AddOutput records an output lot. Lot numbers are unique within the batch,
// and the new total must still satisfy mass balance.
func (b *Batch) AddOutput(out BatchOutputLot, updatedBy string) (*Batch, error) {
	for _, existing := range b.s.Outputs {
		if existing.LotNumber == out.LotNumber {
			return nil, &generic.DuplicateError{Entity: batchEntity, Field: "lot_number", Value: out.LotNumber}
		}
	}
	if out.BatchID != "" && out.BatchID != b.s.ID {
		return nil, &generic.ValidationError{
			Entity: batchEntity,
			Kind:   generic.ErrBusinessRule,
			Issues: []generic.Issue{{Field: "batch_id", Message: "must reference batch " + b.s.ID}},
		}
	}
	next := b.s.clone()
	next.Outputs = append(next.Outputs, b.f.prepareOutput(b.s.ID, out))
	return b.rebuild(next, updatedBy)
}

// AddLabel appends a label. Adding a present label returns the batch unchanged.
func (b *Batch) AddLabel(label, updatedBy string) (*Batch, error) {
	if contains(b.s.Labels, label) {
		return b, nil
	}
	next := b.s.clone()
	next.Labels = append(next.Labels, label)
	return b.rebuild(next, updatedBy)
}

// RemoveLabel drops every occurrence of label. Removing an absent label
// returns the batch unchanged.
func (b *Batch) RemoveLabel(label, updatedBy string) (*Batch, error) {
	if !contains(b.s.Labels, label) {
		return b, nil
	}
	next := b.s.clone()
	kept := next.Labels[:0]
	for _, l := range next.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	next.Labels = kept
	return b.rebuild(next, updatedBy)
}

// AddParentBatch links a parent batch for rework lineage. Idempotent.
func (b *Batch) AddParentBatch(parentID, updatedBy string) (*Batch, error) {
	if contains(b.s.ParentBatches, parentID) {
		return b, nil
	}
	next := b.s.clone()
	next.ParentBatches = append(next.ParentBatches, parentID)
	return b.rebuild(next, updatedBy)
}

func contains(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}

// =============================================================================
// DERIVED QUERIES
// =============================================================================

func (b *Batch) TotalInputKg() decimal.Decimal  { return totalInput(b.s) }
func (b *Batch) TotalOutputKg() decimal.Decimal { return totalOutput(b.s) }

// Yield is output as a percentage of input, zero without input.
func (b *Batch) Yield() decimal.Decimal {
	return generic.Percent(b.TotalOutputKg(), b.TotalInputKg())
}

// DurationHours spans start to end, or to now while in progress.
func (b *Batch) DurationHours() float64 {
	end := b.f.now()
	if b.s.EndAt != nil {
		end = *b.s.EndAt
	}
	return end.Sub(b.s.StartAt).Hours()
}

func (b *Batch) IngredientLotIDs() []string {
	ids := make([]string, len(b.s.Inputs))
	for i, in := range b.s.Inputs {
		ids[i] = in.IngredientLotID
	}
	return ids
}

func (b *Batch) OutputLotNumbers() []string {
	numbers := make([]string, len(b.s.Outputs))
	for i, out := range b.s.Outputs {
		numbers[i] = out.LotNumber
	}
	return numbers
}
