package generic

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// Clock supplies the current time to factories and transitions.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Use in tests.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// =============================================================================
// ID GENERATOR - Injected identifier source
// =============================================================================

// IDGenerator produces unique identifiers for new entities and members.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random (v4) UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// SequenceIDs issues prefix-1, prefix-2, ... Use in tests.
type SequenceIDs struct {
	Prefix string

	mu   sync.Mutex
	next int
}

func (s *SequenceIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%d", s.Prefix, s.next)
}

// IsUUID reports whether s parses as a 128-bit UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// WholeMinutes truncates d to whole minutes.
func WholeMinutes(d time.Duration) int64 { return int64(d / time.Minute) }

// DaysBetween returns the fractional number of days from -> to.
func DaysBetween(from, to time.Time) float64 { return to.Sub(from).Hours() / 24 }
