/*
mixorder.go - Mix order lifecycle state machine

STATE MACHINE:

	Draft ──stage──▶ Staged ──start──▶ Running ──complete──▶ Completed
	                   │                  │
	                   └──────hold────────┴──▶ Hold

	abort: any state except Completed and Aborted ──▶ Aborted

STEPS:
  Process steps (weigh, dose, grind, mix, flushing, transfer) are strictly
  sequential. A step can only be added once the previous one has ended.

INVARIANTS:
  - Mobile orders carry a location and a mobile unit id
  - Every ended step ends after it started
  - Customer ids are UUIDs
*/
package production

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/production-engine/generic"
)

const mixOrderEntity = "mix order"

// MixOrderSnapshot is the serialized form of a mix order.
type MixOrderSnapshot struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	OrderNumber  string          `json:"order_number"`
	Type         OrderType       `json:"type"`
	RecipeID     string          `json:"recipe_id"`
	TargetQtyKg  decimal.Decimal `json:"target_qty_kg"`
	PlannedAt    time.Time       `json:"planned_at"`
	Location     *Location       `json:"location,omitempty"`
	CustomerID   string          `json:"customer_id,omitempty"`
	MobileUnitID string          `json:"mobile_unit_id,omitempty"`
	Status       MixOrderStatus  `json:"status"`
	Notes        string          `json:"notes,omitempty"`
	Steps        []MixStep       `json:"steps"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CreatedBy    string          `json:"created_by,omitempty"`
	UpdatedBy    string          `json:"updated_by,omitempty"`
}

func (s MixOrderSnapshot) clone() MixOrderSnapshot {
	s.Location = cloneLocation(s.Location)
	steps := make([]MixStep, len(s.Steps))
	for i, step := range s.Steps {
		steps[i] = step.clone()
	}
	s.Steps = steps
	return s
}

// NewMixOrderInput is everything a new mix order needs except the fields
// the factory assigns (id, status, timestamps).
type NewMixOrderInput struct {
	TenantID     string
	OrderNumber  string
	Type         OrderType
	RecipeID     string
	TargetQtyKg  decimal.Decimal
	PlannedAt    time.Time
	Location     *Location
	CustomerID   string
	MobileUnitID string
	Notes        string
	Steps        []MixStep
	CreatedBy    string
}

// MixOrder is an immutable mix order. Build it through a Factory.
type MixOrder struct {
	s MixOrderSnapshot
	f *Factory
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// NewMixOrder creates a draft mix order with a fresh id and timestamps.
func (f *Factory) NewMixOrder(in NewMixOrderInput) (*MixOrder, error) {
	now := f.now()
	steps := make([]MixStep, len(in.Steps))
	for i, step := range in.Steps {
		steps[i] = step.clone()
	}
	return f.MixOrderFromSnapshot(MixOrderSnapshot{
		ID:           f.newID(),
		TenantID:     in.TenantID,
		OrderNumber:  in.OrderNumber,
		Type:         in.Type,
		RecipeID:     in.RecipeID,
		TargetQtyKg:  in.TargetQtyKg,
		PlannedAt:    in.PlannedAt,
		Location:     cloneLocation(in.Location),
		CustomerID:   in.CustomerID,
		MobileUnitID: in.MobileUnitID,
		Status:       MixOrderDraft,
		Notes:        in.Notes,
		Steps:        steps,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    in.CreatedBy,
		UpdatedBy:    in.CreatedBy,
	})
}

// MixOrderFromSnapshot rebuilds a mix order, re-validating everything.
func (f *Factory) MixOrderFromSnapshot(s MixOrderSnapshot) (*MixOrder, error) {
	s = s.clone()
	if err := validateMixOrder(s); err != nil {
		return nil, err
	}
	return &MixOrder{s: s, f: f}, nil
}

// ParseMixOrder decodes a JSON snapshot and rebuilds the mix order.
func (f *Factory) ParseMixOrder(data []byte) (*MixOrder, error) {
	var s MixOrderSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, malformed(mixOrderEntity, err)
	}
	return f.MixOrderFromSnapshot(s)
}

func validateMixOrder(s MixOrderSnapshot) error {
	c := newChecker(mixOrderEntity)
	c.nonEmpty("id", s.ID)
	c.nonEmpty("tenant_id", s.TenantID)
	c.nonEmpty("order_number", s.OrderNumber)
	c.require(s.Type.Valid(), "type", "unknown order type %q", s.Type)
	c.nonEmpty("recipe_id", s.RecipeID)
	c.positive("target_qty_kg", s.TargetQtyKg)
	c.notZeroTime("planned_at", s.PlannedAt)
	if s.Location != nil {
		c.location("location", *s.Location)
	}
	c.uuid("customer_id", s.CustomerID)
	c.require(s.Status.Valid(), "status", "unknown status %q", s.Status)
	for i, step := range s.Steps {
		c.step(indexed("steps", i), step)
	}
	c.notZeroTime("created_at", s.CreatedAt)
	c.notZeroTime("updated_at", s.UpdatedAt)
	if c.failed() {
		return c.err(generic.ErrSchemaValidation)
	}

	if s.Type == OrderMobile {
		c.require(s.Location != nil, "location", "is required for mobile orders")
		c.require(s.MobileUnitID != "", "mobile_unit_id", "is required for mobile orders")
	}
	for i, step := range s.Steps {
		field := indexed("steps", i)
		c.after(field+".ended_at", step.EndedAt, step.StartedAt)
		// Only the last step may still be open.
		c.require(i == len(s.Steps)-1 || step.EndedAt != nil, field+".ended_at",
			"must be set before step %d starts", i+1)
	}
	return c.err(generic.ErrBusinessRule)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Snapshot returns a deep copy of the serialized state.
func (m *MixOrder) Snapshot() MixOrderSnapshot { return m.s.clone() }

func (m *MixOrder) MarshalJSON() ([]byte, error) { return json.Marshal(m.s) }

func (m *MixOrder) ID() string                   { return m.s.ID }
func (m *MixOrder) TenantID() string             { return m.s.TenantID }
func (m *MixOrder) OrderNumber() string          { return m.s.OrderNumber }
func (m *MixOrder) Type() OrderType              { return m.s.Type }
func (m *MixOrder) RecipeID() string             { return m.s.RecipeID }
func (m *MixOrder) TargetQtyKg() decimal.Decimal { return m.s.TargetQtyKg }
func (m *MixOrder) Status() MixOrderStatus       { return m.s.Status }
func (m *MixOrder) Notes() string                { return m.s.Notes }
func (m *MixOrder) MobileUnitID() string         { return m.s.MobileUnitID }
func (m *MixOrder) UpdatedAt() time.Time         { return m.s.UpdatedAt }
func (m *MixOrder) UpdatedBy() string            { return m.s.UpdatedBy }

// Steps returns a copy of the process steps in order.
func (m *MixOrder) Steps() []MixStep { return m.s.clone().Steps }

// =============================================================================
// STATE QUERIES AND GUARDS
// =============================================================================

func (m *MixOrder) IsDraft() bool     { return m.s.Status == MixOrderDraft }
func (m *MixOrder) IsStaged() bool    { return m.s.Status == MixOrderStaged }
func (m *MixOrder) IsRunning() bool   { return m.s.Status == MixOrderRunning }
func (m *MixOrder) IsOnHold() bool    { return m.s.Status == MixOrderHold }
func (m *MixOrder) IsCompleted() bool { return m.s.Status == MixOrderCompleted }
func (m *MixOrder) IsAborted() bool   { return m.s.Status == MixOrderAborted }
func (m *MixOrder) IsMobile() bool    { return m.s.Type == OrderMobile }
func (m *MixOrder) IsPlant() bool     { return m.s.Type == OrderPlant }

func (m *MixOrder) CanStage() bool    { return m.IsDraft() }
func (m *MixOrder) CanStart() bool    { return m.IsStaged() }
func (m *MixOrder) CanHold() bool     { return m.IsRunning() || m.IsStaged() }
func (m *MixOrder) CanComplete() bool { return m.IsRunning() }
func (m *MixOrder) CanAbort() bool    { return !m.IsCompleted() && !m.IsAborted() }

// =============================================================================
// TRANSITIONS
// =============================================================================

func (m *MixOrder) Stage(updatedBy string) (*MixOrder, error) {
	return m.transition("stage", m.CanStage(), MixOrderStaged, "", updatedBy)
}

func (m *MixOrder) Start(updatedBy string) (*MixOrder, error) {
	return m.transition("start", m.CanStart(), MixOrderRunning, "", updatedBy)
}

// Hold pauses a staged or running order. A non-empty reason is kept in the notes.
func (m *MixOrder) Hold(reason, updatedBy string) (*MixOrder, error) {
	return m.transition("hold", m.CanHold(), MixOrderHold, taggedNote("[HOLD]", reason), updatedBy)
}

func (m *MixOrder) Complete(updatedBy string) (*MixOrder, error) {
	return m.transition("complete", m.CanComplete(), MixOrderCompleted, "", updatedBy)
}

// Abort ends the order for good. A non-empty reason is kept in the notes.
func (m *MixOrder) Abort(reason, updatedBy string) (*MixOrder, error) {
	return m.transition("abort", m.CanAbort(), MixOrderAborted, taggedNote("[ABORTED]", reason), updatedBy)
}

func (m *MixOrder) transition(name string, allowed bool, to MixOrderStatus, note, updatedBy string) (*MixOrder, error) {
	if !allowed {
		return nil, &generic.TransitionError{Entity: mixOrderEntity, Transition: name, Status: string(m.s.Status)}
	}
	next := m.s.clone()
	next.Status = to
	next.Notes = appendLine(next.Notes, note)
	return m.rebuild(next, updatedBy)
}

func (m *MixOrder) rebuild(next MixOrderSnapshot, updatedBy string) (*MixOrder, error) {
	next.UpdatedAt = m.f.now()
	next.UpdatedBy = updatedBy
	return m.f.MixOrderFromSnapshot(next)
}

func taggedNote(tag, reason string) string {
	if reason == "" {
		return ""
	}
	return tag + " " + reason
}

// =============================================================================
// STEPS
// =============================================================================

// AddStep appends a step. Fails with *generic.SequencingError while the last
// step is still open.
func (m *MixOrder) AddStep(step MixStep, updatedBy string) (*MixOrder, error) {
	if n := len(m.s.Steps); n > 0 && m.s.Steps[n-1].IsOpen() {
		return nil, &generic.SequencingError{Entity: mixOrderEntity, OpenIndex: n - 1}
	}
	next := m.s.clone()
	next.Steps = append(next.Steps, step.clone())
	return m.rebuild(next, updatedBy)
}

// UpdateStep writes the non-nil fields of patch into the step at index.
func (m *MixOrder) UpdateStep(index int, patch MixStepPatch, updatedBy string) (*MixOrder, error) {
	if err := m.checkIndex(index); err != nil {
		return nil, err
	}
	next := m.s.clone()
	next.Steps[index] = patch.apply(next.Steps[index])
	return m.rebuild(next, updatedBy)
}

// EndStep closes the step at index, merging actuals over any recorded ones.
func (m *MixOrder) EndStep(index int, endedAt time.Time, actuals *StepActuals, updatedBy string) (*MixOrder, error) {
	if err := m.checkIndex(index); err != nil {
		return nil, err
	}
	if !m.s.Steps[index].IsOpen() {
		return nil, &generic.AlreadyEndedError{Entity: mixOrderEntity, What: "step", ID: stepLabel(index)}
	}
	next := m.s.clone()
	step := next.Steps[index]
	step.EndedAt = &endedAt
	if actuals != nil {
		merged := actuals.clone()
		if step.Actuals != nil {
			merged = step.Actuals.Merge(merged)
		}
		step.Actuals = &merged
	}
	next.Steps[index] = step
	return m.rebuild(next, updatedBy)
}

func (m *MixOrder) checkIndex(index int) error {
	if index < 0 || index >= len(m.s.Steps) {
		return &generic.IndexError{Entity: mixOrderEntity, Index: index, Len: len(m.s.Steps)}
	}
	return nil
}

func stepLabel(index int) string {
	return indexed("steps", index)
}

// =============================================================================
// DERIVED QUERIES
// =============================================================================

// DurationMinutes spans the first step's start to the last step's end, or
// to now while the last step is open. Zero without steps.
func (m *MixOrder) DurationMinutes() int64 {
	if len(m.s.Steps) == 0 {
		return 0
	}
	start := m.s.Steps[0].StartedAt
	end := m.f.now()
	if last := m.s.Steps[len(m.s.Steps)-1]; last.EndedAt != nil {
		end = *last.EndedAt
	}
	if end.Before(start) {
		return 0
	}
	return generic.WholeMinutes(end.Sub(start))
}

// TotalMassProcessed sums the measured mass of every step.
func (m *MixOrder) TotalMassProcessed() decimal.Decimal {
	total := decimal.Zero
	for _, step := range m.s.Steps {
		if step.Actuals != nil && step.Actuals.MassKg != nil {
			total = total.Add(*step.Actuals.MassKg)
		}
	}
	return total
}

// TotalEnergyConsumed sums the measured energy of every step.
func (m *MixOrder) TotalEnergyConsumed() decimal.Decimal {
	total := decimal.Zero
	for _, step := range m.s.Steps {
		if step.Actuals != nil && step.Actuals.EnergyKWh != nil {
			total = total.Add(*step.Actuals.EnergyKWh)
		}
	}
	return total
}

// ActiveSteps returns the steps that have not ended.
func (m *MixOrder) ActiveSteps() []MixStep {
	return m.filterSteps(true)
}

// CompletedSteps returns the steps that have ended.
func (m *MixOrder) CompletedSteps() []MixStep {
	return m.filterSteps(false)
}

func (m *MixOrder) filterSteps(open bool) []MixStep {
	result := []MixStep{}
	for _, step := range m.s.Steps {
		if step.IsOpen() == open {
			result = append(result, step.clone())
		}
	}
	return result
}
