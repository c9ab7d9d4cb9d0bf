/*
service.go - Load, transition, save orchestration for production entities

PURPOSE:
  Entities are pure: they validate and return new values. The Service is
  what talks to storage. Every mutation follows the same shape:

    1. Load the current snapshot and its version (inside a transaction)
    2. Ask the entity for the transition
    3. Write the result back, expecting the version that was read
    4. Append an audit entry and notify the Observer

OPTIMISTIC CONCURRENCY:
  When the caller pins ExpectedVersion (HTTP If-Match), a mismatch fails
  immediately with ErrConcurrentModification. Otherwise the whole
  load/transition/save cycle is retried up to MaxRetries times, so the
  transition is re-applied to the fresh snapshot.

CROSS-AGGREGATE RULES:
  - A mix order can only complete once a batch references it
  - A batch can only be created for a mix order that exists in the tenant
  - A batch can only name parent batches that exist in the tenant
  - A mobile unit has at most one active run

SEE ALSO:
  - repository.go: Typed load/save
  - generic/store.go: SnapshotStore, TxStore, AuditLog
  - api/handlers.go: HTTP surface
*/
package production

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/warp/production-engine/generic"
)

// DefaultMaxRetries bounds re-reads after a concurrent modification.
const DefaultMaxRetries = 3

// Observer is told the outcome of every service operation.
type Observer interface {
	Observe(kind generic.Kind, operation string, err error)
}

// Target identifies the entity a mutation applies to and who applies it.
type Target struct {
	TenantID        string
	ID              string
	Actor           string
	ExpectedVersion int64 // 0 means "whatever is current"
}

// Service orchestrates entity transitions against a transactional store.
type Service struct {
	Store      generic.TxStore
	Audit      generic.AuditLog // optional
	Factory    *Factory
	Observer   Observer // optional
	MaxRetries int

	repo *Repository
}

func NewService(store generic.TxStore, audit generic.AuditLog, factory *Factory) *Service {
	return &Service{
		Store:      store,
		Audit:      audit,
		Factory:    factory,
		MaxRetries: DefaultMaxRetries,
		repo:       NewRepository(store, factory),
	}
}

// Repository returns the non-transactional repository for reads.
func (s *Service) Repository() *Repository { return s.repo }

// =============================================================================
// GENERIC PLUMBING
// =============================================================================

func create[T aggregate](ctx context.Context, s *Service, c codec[T], actor string, action generic.AuditAction, build func(tx *Repository) (T, error)) (generic.Versioned[T], error) {
	var saved generic.Versioned[T]
	err := s.Store.WithTx(ctx, func(tx generic.SnapshotStore) error {
		v, err := build(s.repo.WithStore(tx))
		if err != nil {
			return err
		}
		saved, err = c.insert(ctx, tx, v)
		return err
	})
	s.observe(c.kind, string(action), err)
	if err != nil {
		return generic.Versioned[T]{}, err
	}
	s.audit(ctx, c.kind, saved.Value.TenantID(), saved.Value.ID(), actor, action, string(action), saved.Version)
	return saved, nil
}

func mutate[T aggregate](ctx context.Context, s *Service, c codec[T], t Target, operation string, fn func(tx *Repository, current T) (T, error)) (generic.Versioned[T], error) {
	var saved generic.Versioned[T]
	var changed bool

	attempt := func() error {
		return s.Store.WithTx(ctx, func(tx generic.SnapshotStore) error {
			current, err := c.load(ctx, tx, t.TenantID, t.ID)
			if err != nil {
				return err
			}
			if t.ExpectedVersion > 0 && current.Version != t.ExpectedVersion {
				return fmt.Errorf("%w: %s %s is at version %d, not %d",
					generic.ErrConcurrentModification, c.kind, t.ID, current.Version, t.ExpectedVersion)
			}
			next, err := fn(s.repo.WithStore(tx), current.Value)
			if err != nil {
				return err
			}
			// Idempotent operations hand back the same value; nothing to write.
			if any(next) == any(current.Value) {
				saved, changed = current, false
				return nil
			}
			saved, err = c.update(ctx, tx, next, current.Version)
			changed = err == nil
			return err
		})
	}

	err := attempt()
	for retries := 0; err != nil && generic.IsRetryable(err) && t.ExpectedVersion == 0 && retries < s.MaxRetries; retries++ {
		log.Printf("[Service] %s %s %s: retrying after concurrent modification", c.kind, t.ID, operation)
		err = attempt()
	}

	s.observe(c.kind, operation, err)
	if err != nil {
		return generic.Versioned[T]{}, err
	}
	if changed {
		s.audit(ctx, c.kind, t.TenantID, t.ID, t.Actor, auditActionFor(operation), operation, saved.Version)
	}
	return saved, nil
}

var transitionOperations = map[string]bool{
	"stage": true, "start": true, "hold": true, "complete": true, "abort": true,
	"release": true, "reject": true, "quarantine": true, "finish": true,
}

func auditActionFor(operation string) generic.AuditAction {
	if transitionOperations[operation] {
		return generic.AuditTransition
	}
	return generic.AuditAmended
}

func (s *Service) observe(kind generic.Kind, operation string, err error) {
	if s.Observer != nil {
		s.Observer.Observe(kind, operation, err)
	}
}

// audit runs after the transaction commits; a failure is logged, not returned,
// because the change itself is already durable.
func (s *Service) audit(ctx context.Context, kind generic.Kind, tenantID, id, actor string, action generic.AuditAction, operation string, version int64) {
	if s.Audit == nil {
		return
	}
	err := s.Audit.Append(ctx, generic.AuditEntry{
		ID:        s.Factory.newID(),
		Timestamp: s.Factory.now(),
		TenantID:  tenantID,
		ActorID:   actor,
		Action:    action,
		Kind:      kind,
		EntityID:  id,
		Version:   version,
		Payload:   map[string]any{"operation": operation},
	})
	if err != nil {
		log.Printf("[Service] Warning: failed to audit %s %s %s: %v", kind, id, operation, err)
	}
}

// =============================================================================
// MIX ORDERS
// =============================================================================

func (s *Service) CreateMixOrder(ctx context.Context, in NewMixOrderInput) (generic.Versioned[*MixOrder], error) {
	return create(ctx, s, s.repo.mixOrders, in.CreatedBy, generic.AuditCreated, func(*Repository) (*MixOrder, error) {
		return s.Factory.NewMixOrder(in)
	})
}

func (s *Service) MixOrder(ctx context.Context, tenantID, id string) (generic.Versioned[*MixOrder], error) {
	return s.repo.MixOrder(ctx, tenantID, id)
}

func (s *Service) MixOrders(ctx context.Context, filter generic.Filter) ([]generic.Versioned[*MixOrder], error) {
	return s.repo.MixOrders(ctx, filter)
}

func (s *Service) StageMixOrder(ctx context.Context, t Target) (generic.Versioned[*MixOrder], error) {
	return mutate(ctx, s, s.repo.mixOrders, t, "stage", func(_ *Repository, m *MixOrder) (*MixOrder, error) {
		return m.Stage(t.Actor)
	})
}

func (s *Service) StartMixOrder(ctx context.Context, t Target) (generic.Versioned[*MixOrder], error) {
	return mutate(ctx, s, s.repo.mixOrders, t, "start", func(_ *Repository, m *MixOrder) (*MixOrder, error) {
		return m.Start(t.Actor)
	})
}

func (s *Service) HoldMixOrder(ctx context.Context, t Target, reason string) (generic.Versioned[*MixOrder], error) {
	return mutate(ctx, s, s.repo.mixOrders, t, "hold", func(_ *Repository, m *MixOrder) (*MixOrder, error) {
		return m.Hold(reason, t.Actor)
	})
}

// CompleteMixOrder completes a running order. At least one batch must
// reference the order, otherwise ErrConflict.
func (s *Service) CompleteMixOrder(ctx context.Context, t Target) (generic.Versioned[*MixOrder], error) {
	return mutate(ctx, s, s.repo.mixOrders, t, "complete", func(tx *Repository, m *MixOrder) (*MixOrder, error) {
		batches, err := tx.Batches(ctx, generic.Filter{TenantID: m.TenantID(), RefID: m.ID(), Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(batches) == 0 {
			return nil, &generic.ConflictError{Entity: mixOrderEntity, Message: fmt.Sprintf("no batch recorded for order %s", m.OrderNumber())}
		}
		return m.Complete(t.Actor)
	})
}

func (s *Service) AbortMixOrder(ctx context.Context, t Target, reason string) (generic.Versioned[*MixOrder], error) {
	return mutate(ctx, s, s.repo.mixOrders, t, "abort", func(_ *Repository, m *MixOrder) (*MixOrder, error) {
		return m.Abort(reason, t.Actor)
	})
}

func (s *Service) AddMixStep(ctx context.Context, t Target, step MixStep) (generic.Versioned[*MixOrder], error) {
	return mutate(ctx, s, s.repo.mixOrders, t, "add_step", func(_ *Repository, m *MixOrder) (*MixOrder, error) {
		return m.AddStep(step, t.Actor)
	})
}

func (s *Service) UpdateMixStep(ctx context.Context, t Target, index int, patch MixStepPatch) (generic.Versioned[*MixOrder], error) {
	return mutate(ctx, s, s.repo.mixOrders, t, "update_step", func(_ *Repository, m *MixOrder) (*MixOrder, error) {
		return m.UpdateStep(index, patch, t.Actor)
	})
}

func (s *Service) EndMixStep(ctx context.Context, t Target, index int, endedAt time.Time, actuals *StepActuals) (generic.Versioned[*MixOrder], error) {
	return mutate(ctx, s, s.repo.mixOrders, t, "end_step", func(_ *Repository, m *MixOrder) (*MixOrder, error) {
		return m.EndStep(index, endedAt, actuals, t.Actor)
	})
}

// =============================================================================
// BATCHES
// =============================================================================

// CreateBatch creates a quarantined batch for an existing mix order.
func (s *Service) CreateBatch(ctx context.Context, in NewBatchInput) (generic.Versioned[*Batch], error) {
	return create(ctx, s, s.repo.batches, in.CreatedBy, generic.AuditCreated, func(tx *Repository) (*Batch, error) {
		if err := requireMixOrder(ctx, tx, in.TenantID, in.MixOrderID); err != nil {
			return nil, err
		}
		for _, parent := range in.ParentBatches {
			if err := requireBatch(ctx, tx, in.TenantID, parent); err != nil {
				return nil, err
			}
		}
		return s.Factory.NewBatch(in)
	})
}

func requireMixOrder(ctx context.Context, tx *Repository, tenantID, id string) error {
	if _, err := tx.MixOrder(ctx, tenantID, id); err != nil {
		if errors.Is(err, generic.ErrEntityNotFound) {
			return &generic.NotFoundError{Entity: batchEntity, What: "mix order", ID: id}
		}
		return err
	}
	return nil
}

func requireBatch(ctx context.Context, tx *Repository, tenantID, id string) error {
	if _, err := tx.Batch(ctx, tenantID, id); err != nil {
		if errors.Is(err, generic.ErrEntityNotFound) {
			return &generic.NotFoundError{Entity: batchEntity, What: "parent batch", ID: id}
		}
		return err
	}
	return nil
}

func (s *Service) Batch(ctx context.Context, tenantID, id string) (generic.Versioned[*Batch], error) {
	return s.repo.Batch(ctx, tenantID, id)
}

func (s *Service) Batches(ctx context.Context, filter generic.Filter) ([]generic.Versioned[*Batch], error) {
	return s.repo.Batches(ctx, filter)
}

func (s *Service) CompleteBatch(ctx context.Context, t Target, endAt time.Time) (generic.Versioned[*Batch], error) {
	return mutate(ctx, s, s.repo.batches, t, "complete", func(_ *Repository, b *Batch) (*Batch, error) {
		return b.Complete(endAt, t.Actor)
	})
}

func (s *Service) ReleaseBatch(ctx context.Context, t Target) (generic.Versioned[*Batch], error) {
	return mutate(ctx, s, s.repo.batches, t, "release", func(_ *Repository, b *Batch) (*Batch, error) {
		return b.Release(t.Actor)
	})
}

func (s *Service) RejectBatch(ctx context.Context, t Target, reason string) (generic.Versioned[*Batch], error) {
	return mutate(ctx, s, s.repo.batches, t, "reject", func(_ *Repository, b *Batch) (*Batch, error) {
		return b.Reject(reason, t.Actor)
	})
}

func (s *Service) QuarantineBatch(ctx context.Context, t Target, reason string) (generic.Versioned[*Batch], error) {
	return mutate(ctx, s, s.repo.batches, t, "quarantine", func(_ *Repository, b *Batch) (*Batch, error) {
		return b.Quarantine(reason, t.Actor)
	})
}

func (s *Service) AddBatchInput(ctx context.Context, t Target, in BatchInput) (generic.Versioned[*Batch], error) {
	return mutate(ctx, s, s.repo.batches, t, "add_input", func(_ *Repository, b *Batch) (*Batch, error) {
		return b.AddInput(in, t.Actor)
	})
}

func (s *Service) AddBatchOutput(ctx context.Context, t Target, out BatchOutputLot) (generic.Versioned[*Batch], error) {
	return mutate(ctx, s, s.repo.batches, t, "add_output", func(_ *Repository, b *Batch) (*Batch, error) {
		return b.AddOutput(out, t.Actor)
	})
}

func (s *Service) AddBatchLabel(ctx context.Context, t Target, label string) (generic.Versioned[*Batch], error) {
	return mutate(ctx, s, s.repo.batches, t, "add_label", func(_ *Repository, b *Batch) (*Batch, error) {
		return b.AddLabel(label, t.Actor)
	})
}

func (s *Service) RemoveBatchLabel(ctx context.Context, t Target, label string) (generic.Versioned[*Batch], error) {
	return mutate(ctx, s, s.repo.batches, t, "remove_label", func(_ *Repository, b *Batch) (*Batch, error) {
		return b.RemoveLabel(label, t.Actor)
	})
}

// AddParentBatch links a rework parent. The parent must exist in the tenant.
func (s *Service) AddParentBatch(ctx context.Context, t Target, parentID string) (generic.Versioned[*Batch], error) {
	return mutate(ctx, s, s.repo.batches, t, "add_parent", func(tx *Repository, b *Batch) (*Batch, error) {
		if err := requireBatch(ctx, tx, b.TenantID(), parentID); err != nil {
			return nil, err
		}
		return b.AddParentBatch(parentID, t.Actor)
	})
}

// Traceability returns the lineage record of a batch.
func (s *Service) Traceability(ctx context.Context, tenantID, batchID string) (TraceabilityRecord, error) {
	b, err := s.repo.Batch(ctx, tenantID, batchID)
	if err != nil {
		return TraceabilityRecord{}, err
	}
	return b.Value.TraceabilityData(), nil
}

// =============================================================================
// MOBILE RUNS
// =============================================================================

// CreateMobileRun starts a run. The unit must not have another active run.
func (s *Service) CreateMobileRun(ctx context.Context, in NewMobileRunInput) (generic.Versioned[*MobileRun], error) {
	return create(ctx, s, s.repo.mobileRuns, in.CreatedBy, generic.AuditCreated, func(tx *Repository) (*MobileRun, error) {
		run, err := s.Factory.NewMobileRun(in)
		if err != nil {
			return nil, err
		}
		if run.IsActive() {
			active, err := tx.MobileRuns(ctx, generic.Filter{
				TenantID: in.TenantID,
				RefID:    in.MobileUnitID,
				Status:   RunStatusActive,
				Limit:    1,
			})
			if err != nil {
				return nil, err
			}
			if len(active) > 0 {
				return nil, &generic.ConflictError{
					Entity:  mobileRunEntity,
					Message: fmt.Sprintf("mobile unit %s already has active run %s", in.MobileUnitID, active[0].Value.ID()),
				}
			}
		}
		return run, nil
	})
}

func (s *Service) MobileRun(ctx context.Context, tenantID, id string) (generic.Versioned[*MobileRun], error) {
	return s.repo.MobileRun(ctx, tenantID, id)
}

func (s *Service) MobileRuns(ctx context.Context, filter generic.Filter) ([]generic.Versioned[*MobileRun], error) {
	return s.repo.MobileRuns(ctx, filter)
}

func (s *Service) FinishMobileRun(ctx context.Context, t Target, endAt time.Time) (generic.Versioned[*MobileRun], error) {
	return mutate(ctx, s, s.repo.mobileRuns, t, "finish", func(_ *Repository, r *MobileRun) (*MobileRun, error) {
		return r.Finish(endAt, t.Actor)
	})
}

func (s *Service) UpdateCalibration(ctx context.Context, t Target, check CalibrationCheck) (generic.Versioned[*MobileRun], error) {
	return mutate(ctx, s, s.repo.mobileRuns, t, "update_calibration", func(_ *Repository, r *MobileRun) (*MobileRun, error) {
		return r.UpdateCalibrationCheck(check, t.Actor)
	})
}

func (s *Service) AddCleaningSequence(ctx context.Context, t Target, seq NewCleaningSequence) (generic.Versioned[*MobileRun], error) {
	return mutate(ctx, s, s.repo.mobileRuns, t, "add_cleaning", func(_ *Repository, r *MobileRun) (*MobileRun, error) {
		return r.AddCleaningSequence(seq, t.Actor)
	})
}

func (s *Service) EndCleaningSequence(ctx context.Context, t Target, sequenceID string, endedAt time.Time, notes string) (generic.Versioned[*MobileRun], error) {
	return mutate(ctx, s, s.repo.mobileRuns, t, "end_cleaning", func(_ *Repository, r *MobileRun) (*MobileRun, error) {
		return r.EndCleaningSequence(sequenceID, endedAt, notes, t.Actor)
	})
}

// CleaningPlan answers whether the next mix order on a run's unit needs a
// cleaning first, and which kind.
type CleaningPlan struct {
	RunID          string            `json:"run_id"`
	MobileUnitID   string            `json:"mobile_unit_id"`
	Required       bool              `json:"required"`
	Type           CleaningType      `json:"type"`
	LastCleanedAt  *time.Time        `json:"last_cleaned_at,omitempty"`
	ActiveSequence *CleaningSequence `json:"active_sequence,omitempty"`
}

func (s *Service) CleaningPlan(ctx context.Context, tenantID, runID string, prevMedicated, currMedicated bool) (CleaningPlan, error) {
	v, err := s.repo.MobileRun(ctx, tenantID, runID)
	if err != nil {
		return CleaningPlan{}, err
	}
	run := v.Value
	plan := CleaningPlan{
		RunID:        run.ID(),
		MobileUnitID: run.MobileUnitID(),
		Required:     run.ValidateCleaningRequired(prevMedicated, currMedicated),
		Type:         run.RequiredCleaningType(prevMedicated, currMedicated),
	}
	if last, ok := run.lastCleaningEnd(); ok {
		plan.LastCleanedAt = generic.TimePtr(last)
	}
	if active, ok := run.ActiveCleaningSequence(); ok {
		plan.ActiveSequence = &active
	}
	return plan, nil
}

// CalibrationStatus describes one active run with an expired calibration.
type CalibrationStatus struct {
	TenantID     string    `json:"tenant_id"`
	RunID        string    `json:"run_id"`
	MobileUnitID string    `json:"mobile_unit_id"`
	CheckedAt    time.Time `json:"checked_at"`
	AgeDays      float64   `json:"age_days"`
	SensorsOK    bool      `json:"sensors_ok"`
}

// CalibrationReport lists active runs whose calibration is older than
// maxDays (policy default when maxDays <= 0). An empty tenantID reports
// across all tenants.
func (s *Service) CalibrationReport(ctx context.Context, tenantID string, maxDays int) ([]CalibrationStatus, error) {
	runs, err := s.repo.MobileRuns(ctx, generic.Filter{TenantID: tenantID, Status: RunStatusActive})
	if err != nil {
		return nil, err
	}
	now := s.Factory.now()
	report := []CalibrationStatus{}
	for _, v := range runs {
		run := v.Value
		if !run.IsCalibrationExpired(maxDays) {
			continue
		}
		check := run.CalibrationCheck()
		report = append(report, CalibrationStatus{
			TenantID:     run.TenantID(),
			RunID:        run.ID(),
			MobileUnitID: run.MobileUnitID(),
			CheckedAt:    check.Date,
			AgeDays:      generic.DaysBetween(check.Date, now),
			SensorsOK:    check.Valid(),
		})
	}
	return report, nil
}

// =============================================================================
// IMPORT AND AUDIT
// =============================================================================

// Import stores an already-built entity as-is, e.g. one decoded from a
// snapshot document. Cross-aggregate checks are not re-run.
func (s *Service) Import(ctx context.Context, actor string, entity any) (int64, error) {
	switch e := entity.(type) {
	case *MixOrder:
		v, err := create(ctx, s, s.repo.mixOrders, actor, generic.AuditImported, func(*Repository) (*MixOrder, error) { return e, nil })
		return v.Version, err
	case *Batch:
		v, err := create(ctx, s, s.repo.batches, actor, generic.AuditImported, func(*Repository) (*Batch, error) { return e, nil })
		return v.Version, err
	case *MobileRun:
		v, err := create(ctx, s, s.repo.mobileRuns, actor, generic.AuditImported, func(*Repository) (*MobileRun, error) { return e, nil })
		return v.Version, err
	default:
		return 0, fmt.Errorf("cannot import %T", entity)
	}
}

// AuditTrail returns audit entries matching filter, oldest first.
func (s *Service) AuditTrail(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	if s.Audit == nil {
		return []generic.AuditEntry{}, nil
	}
	return s.Audit.Query(ctx, filter)
}
