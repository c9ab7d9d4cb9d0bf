package production

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/production-engine/generic"
)

// =============================================================================
// POLICY - Tunable business limits
// =============================================================================

// Policy carries the limits that are business policy rather than structure.
// Zero fields fall back to the defaults below, except MassBalanceTolerance
// where only nil does: an explicit zero means output may never exceed input.
type Policy struct {
	// MassBalanceTolerance is the fraction by which total output may exceed
	// total input. 0.05 allows 105 kg out of 100 kg in.
	MassBalanceTolerance *decimal.Decimal

	// CalibrationMaxDays is the default age after which a calibration check
	// counts as expired.
	CalibrationMaxDays int

	// CleaningWindow is how recently a cleaning sequence must have ended for
	// the next mix order on a mobile unit to go ahead without another one.
	CleaningWindow time.Duration
}

const (
	DefaultCalibrationMaxDays = 30
	DefaultCleaningWindow     = 24 * time.Hour
)

// DefaultMassBalanceTolerance is 5%.
var DefaultMassBalanceTolerance = decimal.NewFromFloat(0.05)

// DefaultPolicy returns the standard limits.
func DefaultPolicy() Policy {
	return Policy{
		MassBalanceTolerance: generic.DecimalPtr(DefaultMassBalanceTolerance),
		CalibrationMaxDays:   DefaultCalibrationMaxDays,
		CleaningWindow:       DefaultCleaningWindow,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.MassBalanceTolerance == nil {
		p.MassBalanceTolerance = d.MassBalanceTolerance
	}
	if p.CalibrationMaxDays == 0 {
		p.CalibrationMaxDays = d.CalibrationMaxDays
	}
	if p.CleaningWindow == 0 {
		p.CleaningWindow = d.CleaningWindow
	}
	return p
}

// Validate rejects negative limits.
func (p Policy) Validate() error {
	if p.Tolerance().IsNegative() {
		return fmt.Errorf("mass balance tolerance must not be negative, got %s", p.Tolerance())
	}
	if p.CalibrationMaxDays < 0 {
		return fmt.Errorf("calibration max days must not be negative, got %d", p.CalibrationMaxDays)
	}
	if p.CleaningWindow < 0 {
		return fmt.Errorf("cleaning window must not be negative, got %s", p.CleaningWindow)
	}
	return nil
}

// Tolerance returns the mass balance tolerance, the default when unset.
func (p Policy) Tolerance() decimal.Decimal {
	if p.MassBalanceTolerance == nil {
		return DefaultMassBalanceTolerance
	}
	return *p.MassBalanceTolerance
}

// MaxOutputFor returns the largest total output allowed for inputKg.
func (p Policy) MaxOutputFor(inputKg decimal.Decimal) decimal.Decimal {
	return inputKg.Mul(decimal.NewFromInt(1).Add(p.Tolerance()))
}

// =============================================================================
// FACTORY - Injected collaborators for construction and transitions
// =============================================================================

// Factory builds and rebuilds entities. Entities keep a reference to the
// factory that built them so transitions stamp time and ids from the same
// collaborators.
type Factory struct {
	clock  generic.Clock
	ids    generic.IDGenerator
	policy Policy
}

// NewFactory returns a factory. Nil collaborators fall back to the system
// clock and random UUIDs.
func NewFactory(clock generic.Clock, ids generic.IDGenerator, policy Policy) *Factory {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if ids == nil {
		ids = generic.UUIDGenerator{}
	}
	return &Factory{clock: clock, ids: ids, policy: policy.WithDefaults()}
}

func (f *Factory) Policy() Policy       { return f.policy }
func (f *Factory) Clock() generic.Clock { return f.clock }

func (f *Factory) now() time.Time { return f.clock.Now() }
func (f *Factory) newID() string  { return f.ids.NewID() }

// appendLine joins notes with a newline.
func appendLine(existing, line string) string {
	if existing == "" {
		return line
	}
	if line == "" {
		return existing
	}
	return existing + "\n" + line
}
