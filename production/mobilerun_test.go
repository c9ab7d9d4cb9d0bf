package production_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
)

func endedFlush(start, end time.Time, massKg float64) production.NewCleaningSequence {
	seq := flush(start, massKg)
	seq.EndedAt = generic.TimePtr(end)
	return seq
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestMobileRun_New_Defaults(t *testing.T) {
	f, _ := newTestFactory()

	r := newMobileRun(t, f)

	assert.Equal(t, "id-1", r.ID())
	assert.Equal(t, production.PowerGenerator, r.PowerSource())
	assert.True(t, r.IsActive())
	assert.False(t, r.CanStart(), "an active run cannot be started again")
	assert.True(t, r.CanFinish())
	assert.Empty(t, r.CleaningSequenceID())
}

func TestMobileRun_New_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*production.NewMobileRunInput)
		kind   error
	}{
		{"customer id not a uuid", func(in *production.NewMobileRunInput) { in.Site.CustomerID = "cust-1" }, generic.ErrSchemaValidation},
		{"missing customer id", func(in *production.NewMobileRunInput) { in.Site.CustomerID = "" }, generic.ErrSchemaValidation},
		{"latitude out of range", func(in *production.NewMobileRunInput) { in.Site.Location.Lat = 91 }, generic.ErrSchemaValidation},
		{"unknown power source", func(in *production.NewMobileRunInput) { in.PowerSource = "solar" }, generic.ErrSchemaValidation},
		{"calibration in the future", func(in *production.NewMobileRunInput) {
			in.CalibrationCheck.Date = at(time.Hour)
		}, generic.ErrBusinessRule},
		{"end before start", func(in *production.NewMobileRunInput) { in.EndAt = generic.TimePtr(at(-time.Hour)) }, generic.ErrBusinessRule},
		{"two open sequences", func(in *production.NewMobileRunInput) {
			in.CleaningSequences = []production.NewCleaningSequence{flush(at(-2*time.Hour), 10), flush(at(-time.Hour), 10)}
		}, generic.ErrBusinessRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestFactory()
			in := mobileRunInput()
			tt.mutate(&in)

			_, err := f.NewMobileRun(in)

			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestMobileRun_FromSnapshot_UnknownCurrentSequence(t *testing.T) {
	f, _ := newTestFactory()
	s := newMobileRun(t, f).Snapshot()
	s.CleaningSequenceID = "missing"

	_, err := f.MobileRunFromSnapshot(s)

	assert.ErrorIs(t, err, generic.ErrBusinessRule)
}

func TestMobileRun_SnapshotRoundTrip(t *testing.T) {
	f, _ := newTestFactory()
	in := mobileRunInput()
	in.VehicleID = "truck-3"
	in.CleaningSequences = []production.NewCleaningSequence{endedFlush(at(-3*time.Hour), at(-2*time.Hour), 40)}
	r, err := f.NewMobileRun(in)
	require.NoError(t, err)
	r, err = r.UpdateCalibrationCheck(passingCalibration(at(-time.Hour)), "tech-2")
	require.NoError(t, err)

	first, err := json.Marshal(r)
	require.NoError(t, err)
	parsed, err := f.ParseMobileRun(first)
	require.NoError(t, err)
	second, err := json.Marshal(parsed)
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestMobileRun_FinishOnce(t *testing.T) {
	f, _ := newTestFactory()
	r := newMobileRun(t, f)

	done, err := r.Finish(at(6*time.Hour), operator)
	require.NoError(t, err)
	assert.True(t, done.IsCompleted())
	assert.Equal(t, 6.0, done.DurationHours())

	_, err = done.Finish(at(7*time.Hour), operator)
	var te *generic.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "completed", te.Status)
}

func TestMobileRun_CalibrationExpiry(t *testing.T) {
	f, clock := newTestFactory()
	r := newMobileRun(t, f)

	assert.False(t, r.IsCalibrationExpired(0), "two days old under the 30 day default")
	assert.True(t, r.IsCalibrationExpired(1))

	clock.Advance(29 * 24 * time.Hour)
	assert.True(t, r.IsCalibrationExpired(0), "31 days old")

	recalibrated, err := r.UpdateCalibrationCheck(passingCalibration(clock.Now()), "tech-2")
	require.NoError(t, err)
	assert.False(t, recalibrated.IsCalibrationExpired(0))
	history := recalibrated.CalibrationHistory()
	require.Len(t, history, 1)
	assert.Equal(t, t0.Add(-48*time.Hour), history[0].Date)
}

// =============================================================================
// CLEANING SEQUENCES
// =============================================================================

func TestMobileRun_CleaningSequences(t *testing.T) {
	// GIVEN: An active run without cleanings
	// WHEN: Opening, overlapping and ending sequences
	// THEN: Only one sequence is open at a time and ends are recorded once

	f, _ := newTestFactory()
	r := newMobileRun(t, f)

	opened, err := r.AddCleaningSequence(flush(at(-30*time.Minute), 50), operator)
	require.NoError(t, err)
	active, ok := opened.ActiveCleaningSequence()
	require.True(t, ok)
	assert.Equal(t, "id-2", active.ID)
	assert.Equal(t, active.ID, opened.CleaningSequenceID())

	_, err = opened.AddCleaningSequence(flush(t0, 10), operator)
	var ce *generic.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, active.ID)

	seq := flush(at(-30*time.Minute), 50)
	seq.Notes = "first pass"
	opened, err = r.AddCleaningSequence(seq, operator)
	require.NoError(t, err)
	ended, err := opened.EndCleaningSequence("id-3", t0, "residue clear", operator)
	require.NoError(t, err)
	history := ended.CleaningHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "first pass\nresidue clear", history[0].Notes)
	_, ok = ended.ActiveCleaningSequence()
	assert.False(t, ok)

	_, err = ended.EndCleaningSequence("id-3", at(time.Minute), "", operator)
	assert.ErrorIs(t, err, generic.ErrAlreadyEnded)

	_, err = ended.EndCleaningSequence("nope", at(time.Minute), "", operator)
	var nf *generic.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ID)

	_, err = opened.EndCleaningSequence("id-3", at(-time.Hour), "", operator)
	assert.ErrorIs(t, err, generic.ErrBusinessRule, "cannot end before it started")
}

func TestMobileRun_CleaningRequired(t *testing.T) {
	// GIVEN: A unit last cleaned 25 hours ago
	// WHEN: Planning the next mix order
	// THEN: Cleaning is required, wet for medicated to non-medicated, flush otherwise

	f, _ := newTestFactory()
	in := mobileRunInput()
	in.CleaningSequences = []production.NewCleaningSequence{endedFlush(at(-26*time.Hour), at(-25*time.Hour), 40)}
	stale, err := f.NewMobileRun(in)
	require.NoError(t, err)

	assert.True(t, stale.ValidateCleaningRequired(false, false))
	assert.Equal(t, production.CleaningFlush, stale.RequiredCleaningType(false, false))
	assert.True(t, stale.ValidateCleaningRequired(true, false))
	assert.Equal(t, production.CleaningWet, stale.RequiredCleaningType(true, false))

	in.CleaningSequences = []production.NewCleaningSequence{endedFlush(at(-3*time.Hour), at(-2*time.Hour), 40)}
	fresh, err := f.NewMobileRun(in)
	require.NoError(t, err)

	assert.False(t, fresh.ValidateCleaningRequired(false, false))
	assert.False(t, fresh.ValidateCleaningRequired(false, true))
	assert.True(t, fresh.ValidateCleaningRequired(true, false), "medicated carry-over always needs cleaning")

	never := newMobileRun(t, f)
	assert.True(t, never.ValidateCleaningRequired(false, false))
}

func TestMobileRun_CleaningQueries(t *testing.T) {
	f, _ := newTestFactory()
	in := mobileRunInput()
	dry := production.NewCleaningSequence{
		Type:        production.CleaningDry,
		StartedAt:   at(-time.Hour),
		EndedAt:     generic.TimePtr(at(-30 * time.Minute)),
		ValidatedBy: "tech-1",
	}
	in.CleaningSequences = []production.NewCleaningSequence{
		endedFlush(at(-5*time.Hour), at(-4*time.Hour), 40),
		dry,
		flush(at(-10*time.Minute), 25),
	}
	r, err := f.NewMobileRun(in)
	require.NoError(t, err)

	assert.True(t, r.TotalFlushMass().Equal(kg(65)))
	assert.Len(t, r.CompletedCleaningSequences(), 2)

	history := r.CleaningHistory()
	require.Len(t, history, 3)
	assert.Equal(t, production.CleaningFlush, history[0].Type)
	assert.True(t, history[0].IsOpen(), "newest first")
	assert.Equal(t, production.CleaningDry, history[1].Type)
}
