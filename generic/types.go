/*
Package generic provides the domain-agnostic primitives of the production engine.

PURPOSE:
  Types and interfaces shared by the production state machines and their
  collaborators: quantities, identifiers, clocks, the error taxonomy and
  the snapshot persistence contract. Nothing here knows about mix orders,
  batches or mobile runs.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity helpers: decimal arithmetic for kilograms, kWh and percentages
  - Kind: which aggregate a persisted snapshot belongs to
  - Versioned: a value paired with the store version it was read at

DESIGN PRINCIPLES:
  1. Immutability: Entities are values, transitions return new values
  2. Precision: Uses decimal.Decimal to avoid floating-point errors in mass balance
  3. Injection: Clock and IDGenerator are passed in, never called globally

SEE ALSO:
  - time.go: Clock and IDGenerator
  - store.go: Snapshot persistence interface
  - errors.go: Error taxonomy
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITIES
// =============================================================================

// Kg builds a decimal quantity from a float literal. Intended for tests and presets.
func Kg(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// MustParseDecimal parses s and panics on malformed input. Intended for
// literals in tests and presets.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DecimalPtr returns a pointer to d.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

// Sum adds up values. The zero value of the result is decimal.Zero.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Percent returns part/whole * 100, or zero when whole is zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100))
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// Kind identifies which aggregate a stored snapshot belongs to.
type Kind string

const (
	KindMixOrder  Kind = "mix_order"
	KindBatch     Kind = "batch"
	KindMobileRun Kind = "mobile_run"
)

// Valid reports whether k is one of the known aggregate kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMixOrder, KindBatch, KindMobileRun:
		return true
	}
	return false
}

// Versioned pairs a value with the store version it was read at.
// The version is handed back on save for optimistic concurrency.
type Versioned[T any] struct {
	Value   T
	Version int64
}
