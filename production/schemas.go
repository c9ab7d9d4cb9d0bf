package production

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/production-engine/generic"
)

// Validation runs in two passes. The schema pass checks each field on its
// own; the rule pass checks invariants that span fields and only runs when
// the schema pass is clean. Each pass reports every issue it finds.

var batchNumberPattern = regexp.MustCompile(`^[A-Z0-9\-_]+$`)

const maxLotNumberLen = 100

var hundred = decimal.NewFromInt(100)

// checker accumulates issues for one entity.
type checker struct {
	entity string
	issues []generic.Issue
}

func newChecker(entity string) *checker {
	return &checker{entity: entity}
}

func (c *checker) require(ok bool, field, format string, args ...any) {
	if !ok {
		c.issues = append(c.issues, generic.Issue{Field: field, Message: fmt.Sprintf(format, args...)})
	}
}

func (c *checker) failed() bool { return len(c.issues) > 0 }

// err returns a *ValidationError of the given kind, or nil when clean.
func (c *checker) err(kind error) error {
	if len(c.issues) == 0 {
		return nil
	}
	return &generic.ValidationError{Entity: c.entity, Kind: kind, Issues: c.issues}
}

// =============================================================================
// FIELD CHECKS
// =============================================================================

func (c *checker) nonEmpty(field, value string) {
	c.require(value != "", field, "is required")
}

func (c *checker) notZeroTime(field string, t time.Time) {
	c.require(!t.IsZero(), field, "is required")
}

func (c *checker) positive(field string, d decimal.Decimal) {
	c.require(d.IsPositive(), field, "must be positive, got %s", d)
}

func (c *checker) nonNegative(field string, d *decimal.Decimal) {
	if d != nil {
		c.require(!d.IsNegative(), field, "must not be negative, got %s", d)
	}
}

func (c *checker) uuid(field, value string) {
	if value != "" {
		c.require(generic.IsUUID(value), field, "must be a UUID, got %q", value)
	}
}

func (c *checker) after(field string, end *time.Time, start time.Time) {
	if end != nil {
		c.require(end.After(start), field, "must be after %s", start.Format(time.RFC3339))
	}
}

// =============================================================================
// VALUE SCHEMAS
// =============================================================================

func (c *checker) location(field string, l Location) {
	c.require(l.Lat >= -90 && l.Lat <= 90, field+".lat", "must be within [-90,90], got %v", l.Lat)
	c.require(l.Lng >= -180 && l.Lng <= 180, field+".lng", "must be within [-180,180], got %v", l.Lng)
	c.nonEmpty(field+".address", l.Address)
}

func (c *checker) actuals(field string, a StepActuals) {
	c.nonNegative(field+".mass_kg", a.MassKg)
	c.nonNegative(field+".energy_kwh", a.EnergyKWh)
	if a.TimeSec != nil {
		c.require(*a.TimeSec >= 0, field+".time_sec", "must not be negative, got %d", *a.TimeSec)
	}
	if m := a.MoisturePercent; m != nil {
		c.require(!m.IsNegative() && !m.GreaterThan(hundred), field+".moisture_percent", "must be within [0,100], got %s", m)
	}
}

func (c *checker) step(field string, s MixStep) {
	c.require(s.Type.Valid(), field+".type", "unknown step type %q", s.Type)
	c.notZeroTime(field+".started_at", s.StartedAt)
	if s.Actuals != nil {
		c.actuals(field+".actuals", *s.Actuals)
	}
}

func (c *checker) calibration(field string, check CalibrationCheck) {
	c.notZeroTime(field+".date", check.Date)
	c.nonEmpty(field+".validated_by", check.ValidatedBy)
}

func (c *checker) cleaning(field string, s CleaningSequence) {
	c.nonEmpty(field+".id", s.ID)
	c.require(s.Type.Valid(), field+".type", "unknown cleaning type %q", s.Type)
	c.notZeroTime(field+".started_at", s.StartedAt)
	c.nonNegative(field+".flush_mass_kg", s.FlushMassKg)
	c.nonEmpty(field+".validated_by", s.ValidatedBy)
}

func (c *checker) input(field string, in BatchInput) {
	c.nonEmpty(field+".batch_id", in.BatchID)
	c.nonEmpty(field+".ingredient_lot_id", in.IngredientLotID)
	c.positive(field+".planned_kg", in.PlannedKg)
	c.positive(field+".actual_kg", in.ActualKg)
}

func (c *checker) output(field string, out BatchOutputLot) {
	c.nonEmpty(field+".id", out.ID)
	c.nonEmpty(field+".batch_id", out.BatchID)
	c.require(len(out.LotNumber) >= 1 && len(out.LotNumber) <= maxLotNumberLen,
		field+".lot_number", "must be 1-%d characters", maxLotNumberLen)
	c.positive(field+".qty_kg", out.QtyKg)
	c.require(out.Packing.Form.Valid(), field+".packing.form", "unknown packing form %q", out.Packing.Form)
	if out.Packing.Size != nil {
		c.positive(field+".packing.size", *out.Packing.Size)
	}
	c.require(out.Destination.Valid(), field+".destination", "unknown destination %q", out.Destination)
}

func indexed(field string, i int) string {
	return fmt.Sprintf("%s[%d]", field, i)
}

// malformed reports undecodable input as a schema failure.
func malformed(entity string, err error) error {
	return &generic.ValidationError{
		Entity: entity,
		Kind:   generic.ErrSchemaValidation,
		Issues: []generic.Issue{{Message: "malformed snapshot: " + err.Error()}},
	}
}
