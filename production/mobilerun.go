/*
mobilerun.go - Mobile unit deployment, calibration and cleaning

LIFECYCLE:
  A run is active from creation until Finish sets its end time. The run
  carries the current calibration check (earlier checks are kept in
  CalibrationHistory) and the cleaning sequences performed on the unit.

CLEANING:
  Cleaning sequences are serial: a new one cannot start while another is
  open. ValidateCleaningRequired and RequiredCleaningType are pure policy
  functions that scheduling consults before the next mix order on the unit:

    medicated -> non-medicated        cleaning required, WetClean
    no cleaning ended within window   cleaning required, Flush
*/
package production

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/production-engine/generic"
)

const mobileRunEntity = "mobile run"

// MobileRunSnapshot is the serialized form of a mobile run.
type MobileRunSnapshot struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenant_id"`
	MobileUnitID       string             `json:"mobile_unit_id"`
	VehicleID          string             `json:"vehicle_id,omitempty"`
	OperatorID         string             `json:"operator_id"`
	Site               Site               `json:"site"`
	PowerSource        PowerSource        `json:"power_source"`
	CalibrationCheck   CalibrationCheck   `json:"calibration_check"`
	CalibrationHistory []CalibrationCheck `json:"calibration_history"`
	StartAt            time.Time          `json:"start_at"`
	EndAt              *time.Time         `json:"end_at,omitempty"`
	CleaningSequenceID string             `json:"cleaning_sequence_id,omitempty"`
	CleaningSequences  []CleaningSequence `json:"cleaning_sequences"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	CreatedBy          string             `json:"created_by,omitempty"`
	UpdatedBy          string             `json:"updated_by,omitempty"`
}

func (s MobileRunSnapshot) clone() MobileRunSnapshot {
	s.EndAt = cloneTime(s.EndAt)
	s.CalibrationHistory = append([]CalibrationCheck{}, s.CalibrationHistory...)
	sequences := make([]CleaningSequence, len(s.CleaningSequences))
	for i, seq := range s.CleaningSequences {
		sequences[i] = seq.clone()
	}
	s.CleaningSequences = sequences
	return s
}

// NewMobileRunInput is everything a new mobile run needs except the fields
// the factory assigns. PowerSource defaults to generator.
type NewMobileRunInput struct {
	TenantID          string
	MobileUnitID      string
	VehicleID         string
	OperatorID        string
	Site              Site
	PowerSource       PowerSource
	CalibrationCheck  CalibrationCheck
	StartAt           time.Time
	EndAt             *time.Time
	CleaningSequences []NewCleaningSequence
	CreatedBy         string
}

// MobileRun is an immutable mobile run. Build it through a Factory.
type MobileRun struct {
	s MobileRunSnapshot
	f *Factory
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// NewMobileRun creates an active run with a fresh id and timestamps.
func (f *Factory) NewMobileRun(in NewMobileRunInput) (*MobileRun, error) {
	now := f.now()
	power := in.PowerSource
	if power == "" {
		power = PowerGenerator
	}
	sequences := make([]CleaningSequence, len(in.CleaningSequences))
	current := ""
	for i, seq := range in.CleaningSequences {
		sequences[i] = seq.withID(f.newID())
		current = sequences[i].ID
	}
	return f.MobileRunFromSnapshot(MobileRunSnapshot{
		ID:                 f.newID(),
		TenantID:           in.TenantID,
		MobileUnitID:       in.MobileUnitID,
		VehicleID:          in.VehicleID,
		OperatorID:         in.OperatorID,
		Site:               in.Site,
		PowerSource:        power,
		CalibrationCheck:   in.CalibrationCheck,
		StartAt:            in.StartAt,
		EndAt:              cloneTime(in.EndAt),
		CleaningSequenceID: current,
		CleaningSequences:  sequences,
		CreatedAt:          now,
		UpdatedAt:          now,
		CreatedBy:          in.CreatedBy,
		UpdatedBy:          in.CreatedBy,
	})
}

// MobileRunFromSnapshot rebuilds a mobile run, re-validating everything.
func (f *Factory) MobileRunFromSnapshot(s MobileRunSnapshot) (*MobileRun, error) {
	s = s.clone()
	if err := validateMobileRun(s, f.now()); err != nil {
		return nil, err
	}
	return &MobileRun{s: s, f: f}, nil
}

// ParseMobileRun decodes a JSON snapshot and rebuilds the mobile run.
func (f *Factory) ParseMobileRun(data []byte) (*MobileRun, error) {
	var s MobileRunSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, malformed(mobileRunEntity, err)
	}
	return f.MobileRunFromSnapshot(s)
}

func validateMobileRun(s MobileRunSnapshot, now time.Time) error {
	c := newChecker(mobileRunEntity)
	c.nonEmpty("id", s.ID)
	c.nonEmpty("tenant_id", s.TenantID)
	c.nonEmpty("mobile_unit_id", s.MobileUnitID)
	c.nonEmpty("operator_id", s.OperatorID)
	c.nonEmpty("site.customer_id", s.Site.CustomerID)
	c.uuid("site.customer_id", s.Site.CustomerID)
	c.location("site.location", s.Site.Location)
	c.require(s.PowerSource.Valid(), "power_source", "unknown power source %q", s.PowerSource)
	c.calibration("calibration_check", s.CalibrationCheck)
	for i, check := range s.CalibrationHistory {
		c.calibration(indexed("calibration_history", i), check)
	}
	c.notZeroTime("start_at", s.StartAt)
	for i, seq := range s.CleaningSequences {
		c.cleaning(indexed("cleaning_sequences", i), seq)
	}
	c.notZeroTime("created_at", s.CreatedAt)
	c.notZeroTime("updated_at", s.UpdatedAt)
	if c.failed() {
		return c.err(generic.ErrSchemaValidation)
	}

	c.require(!s.CalibrationCheck.Date.After(now), "calibration_check.date", "must not be in the future")
	c.after("end_at", s.EndAt, s.StartAt)

	open := 0
	ids := make(map[string]bool, len(s.CleaningSequences))
	for i, seq := range s.CleaningSequences {
		field := indexed("cleaning_sequences", i)
		c.after(field+".ended_at", seq.EndedAt, seq.StartedAt)
		c.require(!ids[seq.ID], field+".id", "duplicate cleaning sequence id %q", seq.ID)
		ids[seq.ID] = true
		if seq.IsOpen() {
			open++
		}
	}
	c.require(open <= 1, "cleaning_sequences", "%d sequences open, at most one allowed", open)
	if s.CleaningSequenceID != "" {
		c.require(ids[s.CleaningSequenceID], "cleaning_sequence_id", "unknown cleaning sequence %q", s.CleaningSequenceID)
	}
	return c.err(generic.ErrBusinessRule)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Snapshot returns a deep copy of the serialized state.
func (r *MobileRun) Snapshot() MobileRunSnapshot { return r.s.clone() }

func (r *MobileRun) MarshalJSON() ([]byte, error) { return json.Marshal(r.s) }

func (r *MobileRun) ID() string                         { return r.s.ID }
func (r *MobileRun) TenantID() string                   { return r.s.TenantID }
func (r *MobileRun) MobileUnitID() string               { return r.s.MobileUnitID }
func (r *MobileRun) PowerSource() PowerSource           { return r.s.PowerSource }
func (r *MobileRun) CalibrationCheck() CalibrationCheck { return r.s.CalibrationCheck }
func (r *MobileRun) CleaningSequenceID() string         { return r.s.CleaningSequenceID }
func (r *MobileRun) UpdatedAt() time.Time               { return r.s.UpdatedAt }

// CalibrationHistory returns the checks replaced by UpdateCalibrationCheck, oldest first.
func (r *MobileRun) CalibrationHistory() []CalibrationCheck {
	return append([]CalibrationCheck{}, r.s.CalibrationHistory...)
}

// =============================================================================
// STATE QUERIES AND GUARDS
// =============================================================================

func (r *MobileRun) IsActive() bool    { return r.s.EndAt == nil }
func (r *MobileRun) IsCompleted() bool { return r.s.EndAt != nil }

// CanStart requires a passing calibration and a run that is not already active.
func (r *MobileRun) CanStart() bool  { return r.s.CalibrationCheck.Valid() && !r.IsActive() }
func (r *MobileRun) CanFinish() bool { return r.IsActive() }

// IsCalibrationExpired reports whether the current check is older than
// maxDays. maxDays <= 0 uses the policy default. Advisory only: nothing in
// the entity blocks on it.
func (r *MobileRun) IsCalibrationExpired(maxDays int) bool {
	if maxDays <= 0 {
		maxDays = r.f.policy.CalibrationMaxDays
	}
	return generic.DaysBetween(r.s.CalibrationCheck.Date, r.f.now()) > float64(maxDays)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Finish ends the run once.
func (r *MobileRun) Finish(endAt time.Time, updatedBy string) (*MobileRun, error) {
	if !r.CanFinish() {
		return nil, &generic.TransitionError{Entity: mobileRunEntity, Transition: "finish", Status: "completed"}
	}
	next := r.s.clone()
	next.EndAt = &endAt
	return r.rebuild(next, updatedBy)
}

// UpdateCalibrationCheck replaces the current check. The previous one moves
// to CalibrationHistory.
func (r *MobileRun) UpdateCalibrationCheck(check CalibrationCheck, updatedBy string) (*MobileRun, error) {
	next := r.s.clone()
	next.CalibrationHistory = append(next.CalibrationHistory, next.CalibrationCheck)
	next.CalibrationCheck = check
	return r.rebuild(next, updatedBy)
}

// AddCleaningSequence records a new cleaning sequence with a fresh id and
// makes it the current one. Fails with *generic.ConflictError while another
// sequence is open.
func (r *MobileRun) AddCleaningSequence(seq NewCleaningSequence, updatedBy string) (*MobileRun, error) {
	if active, ok := r.ActiveCleaningSequence(); ok {
		return nil, &generic.ConflictError{
			Entity:  mobileRunEntity,
			Message: "cleaning sequence " + active.ID + " is still open",
		}
	}
	added := seq.withID(r.f.newID())
	next := r.s.clone()
	next.CleaningSequences = append(next.CleaningSequences, added)
	next.CleaningSequenceID = added.ID
	return r.rebuild(next, updatedBy)
}

// EndCleaningSequence closes the open sequence with the given id. Notes are
// appended to the sequence's existing notes.
func (r *MobileRun) EndCleaningSequence(id string, endedAt time.Time, notes, updatedBy string) (*MobileRun, error) {
	index := -1
	for i, seq := range r.s.CleaningSequences {
		if seq.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, &generic.NotFoundError{Entity: mobileRunEntity, What: "cleaning sequence", ID: id}
	}
	if !r.s.CleaningSequences[index].IsOpen() {
		return nil, &generic.AlreadyEndedError{Entity: mobileRunEntity, What: "cleaning sequence", ID: id}
	}
	next := r.s.clone()
	seq := next.CleaningSequences[index]
	seq.EndedAt = &endedAt
	seq.Notes = appendLine(seq.Notes, notes)
	next.CleaningSequences[index] = seq
	return r.rebuild(next, updatedBy)
}

func (r *MobileRun) rebuild(next MobileRunSnapshot, updatedBy string) (*MobileRun, error) {
	next.UpdatedAt = r.f.now()
	next.UpdatedBy = updatedBy
	return r.f.MobileRunFromSnapshot(next)
}

// =============================================================================
// CLEANING POLICY
// =============================================================================

// ValidateCleaningRequired reports whether the unit must be cleaned before
// the next mix order: when moving from a medicated to a non-medicated
// recipe, or when no cleaning sequence ended within the cleaning window.
func (r *MobileRun) ValidateCleaningRequired(prevMedicated, currMedicated bool) bool {
	if prevMedicated && !currMedicated {
		return true
	}
	last, ok := r.lastCleaningEnd()
	if !ok {
		return true
	}
	return r.f.now().Sub(last) > r.f.policy.CleaningWindow
}

// RequiredCleaningType picks the cleaning for the transition: WetClean for
// medicated to non-medicated, Flush otherwise.
func (r *MobileRun) RequiredCleaningType(prevMedicated, currMedicated bool) CleaningType {
	if prevMedicated && !currMedicated {
		return CleaningWet
	}
	return CleaningFlush
}

func (r *MobileRun) lastCleaningEnd() (time.Time, bool) {
	var last time.Time
	found := false
	for _, seq := range r.s.CleaningSequences {
		if seq.EndedAt != nil && (!found || seq.EndedAt.After(last)) {
			last = *seq.EndedAt
			found = true
		}
	}
	return last, found
}

// =============================================================================
// DERIVED QUERIES
// =============================================================================

// DurationHours spans start to end, or to now while active.
func (r *MobileRun) DurationHours() float64 {
	end := r.f.now()
	if r.s.EndAt != nil {
		end = *r.s.EndAt
	}
	return end.Sub(r.s.StartAt).Hours()
}

// TotalFlushMass sums flush mass over Flush sequences.
func (r *MobileRun) TotalFlushMass() decimal.Decimal {
	total := decimal.Zero
	for _, seq := range r.s.CleaningSequences {
		if seq.Type == CleaningFlush && seq.FlushMassKg != nil {
			total = total.Add(*seq.FlushMassKg)
		}
	}
	return total
}

// CleaningHistory returns the sequences newest first by start time.
func (r *MobileRun) CleaningHistory() []CleaningSequence {
	history := r.s.clone().CleaningSequences
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].StartedAt.After(history[j].StartedAt)
	})
	return history
}

func (r *MobileRun) CompletedCleaningSequences() []CleaningSequence {
	result := []CleaningSequence{}
	for _, seq := range r.s.CleaningSequences {
		if !seq.IsOpen() {
			result = append(result, seq.clone())
		}
	}
	return result
}

// ActiveCleaningSequence returns the open sequence, if any.
func (r *MobileRun) ActiveCleaningSequence() (CleaningSequence, bool) {
	for _, seq := range r.s.CleaningSequences {
		if seq.IsOpen() {
			return seq.clone(), true
		}
	}
	return CleaningSequence{}, false
}
