/*
repository.go - Typed load/save of production entities

PURPOSE:
  Bridges entities and generic.SnapshotStore. Saving serializes the entity
  snapshot and extracts the columns stores index on. Loading decodes the
  payload and rebuilds the entity through the Factory, so a record that no
  longer validates fails loudly with generic.ErrCorruptSnapshot.

INDEX COLUMNS:
  kind        natural key    ref id          unique keys
  mix_order   order number   mobile unit id  -
  batch       batch number   mix order id    output lot numbers
  mobile_run  -              mobile unit id  -
*/
package production

import (
	"context"
	"fmt"

	"github.com/warp/production-engine/generic"
)

// aggregate is what every entity exposes for persistence.
type aggregate interface {
	ID() string
	TenantID() string
	MarshalJSON() ([]byte, error)
}

// codec knows how to persist one kind of entity.
type codec[T aggregate] struct {
	kind  generic.Kind
	parse func(data []byte) (T, error)
	index func(v T) generic.Record
}

func (c codec[T]) record(v T) (generic.Record, error) {
	payload, err := v.MarshalJSON()
	if err != nil {
		return generic.Record{}, fmt.Errorf("failed to encode %s %s: %w", c.kind, v.ID(), err)
	}
	rec := c.index(v)
	rec.Kind = c.kind
	rec.TenantID = v.TenantID()
	rec.ID = v.ID()
	rec.Payload = payload
	return rec, nil
}

func (c codec[T]) decode(rec generic.Record) (generic.Versioned[T], error) {
	v, err := c.parse(rec.Payload)
	if err != nil {
		return generic.Versioned[T]{}, fmt.Errorf("%w: %s %s: %v", generic.ErrCorruptSnapshot, c.kind, rec.ID, err)
	}
	return generic.Versioned[T]{Value: v, Version: rec.Version}, nil
}

func (c codec[T]) load(ctx context.Context, store generic.SnapshotStore, tenantID, id string) (generic.Versioned[T], error) {
	rec, err := store.Get(ctx, c.kind, tenantID, id)
	if err != nil {
		return generic.Versioned[T]{}, err
	}
	return c.decode(rec)
}

func (c codec[T]) insert(ctx context.Context, store generic.SnapshotStore, v T) (generic.Versioned[T], error) {
	rec, err := c.record(v)
	if err != nil {
		return generic.Versioned[T]{}, err
	}
	if err := store.Insert(ctx, rec); err != nil {
		return generic.Versioned[T]{}, err
	}
	return generic.Versioned[T]{Value: v, Version: 1}, nil
}

func (c codec[T]) update(ctx context.Context, store generic.SnapshotStore, v T, expectedVersion int64) (generic.Versioned[T], error) {
	rec, err := c.record(v)
	if err != nil {
		return generic.Versioned[T]{}, err
	}
	if err := store.Update(ctx, rec, expectedVersion); err != nil {
		return generic.Versioned[T]{}, err
	}
	return generic.Versioned[T]{Value: v, Version: expectedVersion + 1}, nil
}

func (c codec[T]) list(ctx context.Context, store generic.SnapshotStore, filter generic.Filter) ([]generic.Versioned[T], error) {
	recs, err := store.List(ctx, c.kind, filter)
	if err != nil {
		return nil, err
	}
	result := make([]generic.Versioned[T], 0, len(recs))
	for _, rec := range recs {
		v, err := c.decode(rec)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository loads and saves entities through a SnapshotStore.
type Repository struct {
	store   generic.SnapshotStore
	factory *Factory

	mixOrders  codec[*MixOrder]
	batches    codec[*Batch]
	mobileRuns codec[*MobileRun]
}

func NewRepository(store generic.SnapshotStore, factory *Factory) *Repository {
	return &Repository{
		store:   store,
		factory: factory,
		mixOrders: codec[*MixOrder]{
			kind:  generic.KindMixOrder,
			parse: factory.ParseMixOrder,
			index: func(m *MixOrder) generic.Record {
				return generic.Record{
					NaturalKey: m.s.OrderNumber,
					RefID:      m.s.MobileUnitID,
					Status:     string(m.s.Status),
					UpdatedAt:  m.s.UpdatedAt,
				}
			},
		},
		batches: codec[*Batch]{
			kind:  generic.KindBatch,
			parse: factory.ParseBatch,
			index: func(b *Batch) generic.Record {
				return generic.Record{
					NaturalKey: b.s.BatchNumber,
					RefID:      b.s.MixOrderID,
					Status:     string(b.s.Status),
					UniqueKeys: b.OutputLotNumbers(),
					UpdatedAt:  b.s.UpdatedAt,
				}
			},
		},
		mobileRuns: codec[*MobileRun]{
			kind:  generic.KindMobileRun,
			parse: factory.ParseMobileRun,
			index: func(r *MobileRun) generic.Record {
				return generic.Record{
					RefID:     r.s.MobileUnitID,
					Status:    mobileRunStatus(r),
					UpdatedAt: r.s.UpdatedAt,
				}
			},
		},
	}
}

// Mobile run status values stored for filtering.
const (
	RunStatusActive    = "active"
	RunStatusCompleted = "completed"
)

func mobileRunStatus(r *MobileRun) string {
	if r.IsActive() {
		return RunStatusActive
	}
	return RunStatusCompleted
}

// WithStore returns a repository over a different store, e.g. a transaction view.
func (r *Repository) WithStore(store generic.SnapshotStore) *Repository {
	clone := *r
	clone.store = store
	return &clone
}

func (r *Repository) Factory() *Factory { return r.factory }

func (r *Repository) MixOrder(ctx context.Context, tenantID, id string) (generic.Versioned[*MixOrder], error) {
	return r.mixOrders.load(ctx, r.store, tenantID, id)
}

func (r *Repository) InsertMixOrder(ctx context.Context, m *MixOrder) (generic.Versioned[*MixOrder], error) {
	return r.mixOrders.insert(ctx, r.store, m)
}

func (r *Repository) SaveMixOrder(ctx context.Context, m *MixOrder, expectedVersion int64) (generic.Versioned[*MixOrder], error) {
	return r.mixOrders.update(ctx, r.store, m, expectedVersion)
}

func (r *Repository) MixOrders(ctx context.Context, filter generic.Filter) ([]generic.Versioned[*MixOrder], error) {
	return r.mixOrders.list(ctx, r.store, filter)
}

func (r *Repository) Batch(ctx context.Context, tenantID, id string) (generic.Versioned[*Batch], error) {
	return r.batches.load(ctx, r.store, tenantID, id)
}

func (r *Repository) InsertBatch(ctx context.Context, b *Batch) (generic.Versioned[*Batch], error) {
	return r.batches.insert(ctx, r.store, b)
}

func (r *Repository) SaveBatch(ctx context.Context, b *Batch, expectedVersion int64) (generic.Versioned[*Batch], error) {
	return r.batches.update(ctx, r.store, b, expectedVersion)
}

func (r *Repository) Batches(ctx context.Context, filter generic.Filter) ([]generic.Versioned[*Batch], error) {
	return r.batches.list(ctx, r.store, filter)
}

func (r *Repository) MobileRun(ctx context.Context, tenantID, id string) (generic.Versioned[*MobileRun], error) {
	return r.mobileRuns.load(ctx, r.store, tenantID, id)
}

func (r *Repository) InsertMobileRun(ctx context.Context, run *MobileRun) (generic.Versioned[*MobileRun], error) {
	return r.mobileRuns.insert(ctx, r.store, run)
}

func (r *Repository) SaveMobileRun(ctx context.Context, run *MobileRun, expectedVersion int64) (generic.Versioned[*MobileRun], error) {
	return r.mobileRuns.update(ctx, r.store, run, expectedVersion)
}

func (r *Repository) MobileRuns(ctx context.Context, filter generic.Filter) ([]generic.Versioned[*MobileRun], error) {
	return r.mobileRuns.list(ctx, r.store, filter)
}
