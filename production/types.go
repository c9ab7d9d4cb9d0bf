/*
Package production implements the production-domain state machines.

PURPOSE:
  Three immutable aggregates carry the real invariants of production:

    MixOrder   A planned production run against a recipe, at a plant or on
               a mobile unit. Draft -> Staged -> Running -> Hold ->
               Completed/Aborted, with strictly sequential process steps.
    Batch      The traceable lot produced by one or more runs. Quarantine ->
               Released/Rejected, mass balance, lineage and output lots.
    MobileRun  One deployment of a mobile mixing unit at a customer site.
               Calibration check and serial cleaning sequences.

IMMUTABILITY:
  Every transition returns a NEW entity. The receiver is never modified.
  Every construction path (factory, snapshot load, transition) runs the
  same validation, so a corrupted record fails loudly on load.

COLLABORATORS:
  Entities never do I/O. Time and identifiers come from the Factory's
  injected Clock and IDGenerator; tunable limits come from Policy.

SEE ALSO:
  - schemas.go: Structural and business-rule validation
  - policies.go: Policy and the Factory for construction and reconstruction
  - service.go: Load -> transition -> save orchestration
*/
package production

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MIX ORDER ENUMS
// =============================================================================

type OrderType string

const (
	OrderPlant  OrderType = "plant"
	OrderMobile OrderType = "mobile"
)

func (t OrderType) Valid() bool { return t == OrderPlant || t == OrderMobile }

type MixOrderStatus string

const (
	MixOrderDraft     MixOrderStatus = "draft"
	MixOrderStaged    MixOrderStatus = "staged"
	MixOrderRunning   MixOrderStatus = "running"
	MixOrderHold      MixOrderStatus = "hold"
	MixOrderCompleted MixOrderStatus = "completed"
	MixOrderAborted   MixOrderStatus = "aborted"
)

func (s MixOrderStatus) Valid() bool {
	switch s {
	case MixOrderDraft, MixOrderStaged, MixOrderRunning, MixOrderHold, MixOrderCompleted, MixOrderAborted:
		return true
	}
	return false
}

type StepType string

const (
	StepWeigh    StepType = "weigh"
	StepDose     StepType = "dose"
	StepGrind    StepType = "grind"
	StepMix      StepType = "mix"
	StepFlushing StepType = "flushing"
	StepTransfer StepType = "transfer"
)

func (t StepType) Valid() bool {
	switch t {
	case StepWeigh, StepDose, StepGrind, StepMix, StepFlushing, StepTransfer:
		return true
	}
	return false
}

// =============================================================================
// BATCH ENUMS
// =============================================================================

type BatchStatus string

const (
	BatchReleased   BatchStatus = "released"
	BatchQuarantine BatchStatus = "quarantine"
	BatchRejected   BatchStatus = "rejected"
)

func (s BatchStatus) Valid() bool {
	return s == BatchReleased || s == BatchQuarantine || s == BatchRejected
}

type PackingForm string

const (
	PackingBulk PackingForm = "bulk"
	PackingBag  PackingForm = "bag"
	PackingSilo PackingForm = "silo"
)

func (f PackingForm) Valid() bool {
	return f == PackingBulk || f == PackingBag || f == PackingSilo
}

type Destination string

const (
	DestinationInventory  Destination = "inventory"
	DestinationDirectFarm Destination = "direct_farm"
)

func (d Destination) Valid() bool {
	return d == DestinationInventory || d == DestinationDirectFarm
}

// =============================================================================
// MOBILE RUN ENUMS
// =============================================================================

type PowerSource string

const (
	PowerGenerator PowerSource = "generator"
	PowerGrid      PowerSource = "grid"
	PowerBattery   PowerSource = "battery"
)

func (p PowerSource) Valid() bool {
	return p == PowerGenerator || p == PowerGrid || p == PowerBattery
}

type CleaningType string

const (
	CleaningDry    CleaningType = "dry_clean"
	CleaningVacuum CleaningType = "vacuum"
	CleaningFlush  CleaningType = "flush"
	CleaningWet    CleaningType = "wet_clean"
)

func (c CleaningType) Valid() bool {
	switch c {
	case CleaningDry, CleaningVacuum, CleaningFlush, CleaningWet:
		return true
	}
	return false
}

// =============================================================================
// VALUE SCHEMAS
// =============================================================================

// Location is a geographic point with a postal address.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

// StepActuals are the measured values of a process step. Nil means unmeasured.
type StepActuals struct {
	MassKg          *decimal.Decimal `json:"mass_kg,omitempty"`
	TimeSec         *int64           `json:"time_sec,omitempty"`
	EnergyKWh       *decimal.Decimal `json:"energy_kwh,omitempty"`
	MoisturePercent *decimal.Decimal `json:"moisture_percent,omitempty"`
}

// Merge returns a with every non-nil field of b written over it.
func (a StepActuals) Merge(b StepActuals) StepActuals {
	if b.MassKg != nil {
		a.MassKg = b.MassKg
	}
	if b.TimeSec != nil {
		a.TimeSec = b.TimeSec
	}
	if b.EnergyKWh != nil {
		a.EnergyKWh = b.EnergyKWh
	}
	if b.MoisturePercent != nil {
		a.MoisturePercent = b.MoisturePercent
	}
	return a
}

func (a StepActuals) clone() StepActuals {
	return StepActuals{
		MassKg:          cloneDecimal(a.MassKg),
		TimeSec:         cloneInt(a.TimeSec),
		EnergyKWh:       cloneDecimal(a.EnergyKWh),
		MoisturePercent: cloneDecimal(a.MoisturePercent),
	}
}

// MixStep is one process step of a mix order.
type MixStep struct {
	Type        StepType     `json:"type"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	EquipmentID string       `json:"equipment_id,omitempty"`
	Actuals     *StepActuals `json:"actuals,omitempty"`
}

// IsOpen reports whether the step has not ended.
func (s MixStep) IsOpen() bool { return s.EndedAt == nil }

func (s MixStep) clone() MixStep {
	s.EndedAt = cloneTime(s.EndedAt)
	if s.Actuals != nil {
		a := s.Actuals.clone()
		s.Actuals = &a
	}
	return s
}

// MixStepPatch holds the fields UpdateStep writes. Nil fields are left alone.
type MixStepPatch struct {
	Type        *StepType    `json:"type,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	EquipmentID *string      `json:"equipment_id,omitempty"`
	Actuals     *StepActuals `json:"actuals,omitempty"`
}

func (p MixStepPatch) apply(s MixStep) MixStep {
	if p.Type != nil {
		s.Type = *p.Type
	}
	if p.StartedAt != nil {
		s.StartedAt = *p.StartedAt
	}
	if p.EndedAt != nil {
		s.EndedAt = cloneTime(p.EndedAt)
	}
	if p.EquipmentID != nil {
		s.EquipmentID = *p.EquipmentID
	}
	if p.Actuals != nil {
		a := p.Actuals.clone()
		s.Actuals = &a
	}
	return s
}

// CalibrationCheck is the pre-run sensor verification of a mobile unit.
type CalibrationCheck struct {
	ScaleOK       bool      `json:"scale_ok"`
	MoistureOK    bool      `json:"moisture_ok"`
	TemperatureOK bool      `json:"temperature_ok"`
	Date          time.Time `json:"date"`
	ValidatedBy   string    `json:"validated_by"`
	Notes         string    `json:"notes,omitempty"`
}

// Valid reports whether every sensor passed.
func (c CalibrationCheck) Valid() bool {
	return c.ScaleOK && c.MoistureOK && c.TemperatureOK
}

// CleaningSequence documents one cleaning or flush of a mobile unit.
type CleaningSequence struct {
	ID              string           `json:"id"`
	Type            CleaningType     `json:"type"`
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	UsedMaterialSKU string           `json:"used_material_sku,omitempty"`
	FlushMassKg     *decimal.Decimal `json:"flush_mass_kg,omitempty"`
	ValidatedBy     string           `json:"validated_by"`
	Notes           string           `json:"notes,omitempty"`
}

// IsOpen reports whether the sequence has not ended.
func (c CleaningSequence) IsOpen() bool { return c.EndedAt == nil }

func (c CleaningSequence) clone() CleaningSequence {
	c.EndedAt = cloneTime(c.EndedAt)
	c.FlushMassKg = cloneDecimal(c.FlushMassKg)
	return c
}

// NewCleaningSequence is a cleaning sequence before an id is assigned.
type NewCleaningSequence struct {
	Type            CleaningType     `json:"type"`
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	UsedMaterialSKU string           `json:"used_material_sku,omitempty"`
	FlushMassKg     *decimal.Decimal `json:"flush_mass_kg,omitempty"`
	ValidatedBy     string           `json:"validated_by"`
	Notes           string           `json:"notes,omitempty"`
}

func (n NewCleaningSequence) withID(id string) CleaningSequence {
	return CleaningSequence{
		ID:              id,
		Type:            n.Type,
		StartedAt:       n.StartedAt,
		EndedAt:         cloneTime(n.EndedAt),
		UsedMaterialSKU: n.UsedMaterialSKU,
		FlushMassKg:     cloneDecimal(n.FlushMassKg),
		ValidatedBy:     n.ValidatedBy,
		Notes:           n.Notes,
	}
}

// Site is where a mobile run takes place.
type Site struct {
	CustomerID string   `json:"customer_id"`
	Location   Location `json:"location"`
}

// BatchInput records consumption of one ingredient lot.
type BatchInput struct {
	BatchID         string          `json:"batch_id"`
	IngredientLotID string          `json:"ingredient_lot_id"`
	PlannedKg       decimal.Decimal `json:"planned_kg"`
	ActualKg        decimal.Decimal `json:"actual_kg"`
}

// Packing describes how an output lot is packed.
type Packing struct {
	Form PackingForm      `json:"form"`
	Size *decimal.Decimal `json:"size,omitempty"`
	Unit string           `json:"unit,omitempty"`
}

// BatchOutputLot is one numbered quantity of produced material.
type BatchOutputLot struct {
	ID              string          `json:"id"`
	BatchID         string          `json:"batch_id"`
	LotNumber       string          `json:"lot_number"`
	QtyKg           decimal.Decimal `json:"qty_kg"`
	Packing         Packing         `json:"packing"`
	Destination     Destination     `json:"destination"`
	GMPPlusMarkings []string        `json:"gmp_plus_markings,omitempty"`
}

func (o BatchOutputLot) clone() BatchOutputLot {
	o.Packing.Size = cloneDecimal(o.Packing.Size)
	o.GMPPlusMarkings = cloneStrings(o.GMPPlusMarkings)
	return o
}

// =============================================================================
// CLONE HELPERS
// =============================================================================

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func cloneInt(i *int64) *int64 {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

func cloneLocation(l *Location) *Location {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}
