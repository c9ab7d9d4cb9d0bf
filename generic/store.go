/*
store.go - Persistence interface for entity snapshots and audit entries

PURPOSE:
  Defines the interface between the production entities and the database.
  Entities never call the store; the orchestrator loads a snapshot, asks the
  entity for a transition and writes the returned snapshot back.

KEY INTERFACES:
  SnapshotStore: Versioned load/save of serialized entity snapshots
  TxStore:       Transactional operations (atomic multi-record writes)
  AuditLog:      Append-only record of who did what when

OPTIMISTIC CONCURRENCY:
  Every record carries a Version. Insert writes version 1. Update takes the
  version the caller read and fails with ErrConcurrentModification if the
  stored record moved on in the meantime. The caller re-reads and retries.

TENANT PARTITIONING:
  Every read and write is scoped by (Kind, TenantID). A record is invisible
  to other tenants even when identifiers collide.

UNIQUENESS:
  NaturalKey (order number, batch number) is unique per (Kind, TenantID).
  Each UniqueKeys entry (output lot numbers) is unique per (Kind, TenantID)
  across all records. Violations return ErrDuplicateKey.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - production/repository.go: Typed load/save on top of SnapshotStore
*/
package generic

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

// Record is a serialized entity snapshot plus the columns stores index on.
type Record struct {
	Kind       Kind
	TenantID   string
	ID         string
	Version    int64
	NaturalKey string   // order number, batch number, mobile unit id
	RefID      string   // referenced aggregate (mix order of a batch)
	Status     string   // lifecycle status for filtering
	UniqueKeys []string // tenant-wide unique members (output lot numbers)
	Payload    json.RawMessage
	UpdatedAt  time.Time
}

// Filter narrows List results. Empty fields match everything;
// an empty TenantID lists across tenants.
type Filter struct {
	TenantID string
	Status   string
	RefID    string
	Limit    int
}

// SnapshotStore persists entity snapshots with optimistic concurrency.
type SnapshotStore interface {
	// Get returns the record or ErrEntityNotFound.
	Get(ctx context.Context, kind Kind, tenantID, id string) (Record, error)

	// Insert stores a new record at version 1.
	// Returns ErrDuplicateKey if the id, natural key or a unique key is taken.
	Insert(ctx context.Context, rec Record) error

	// Update replaces the record if its stored version equals expectedVersion,
	// and bumps the version. Returns ErrConcurrentModification otherwise.
	Update(ctx context.Context, rec Record, expectedVersion int64) error

	// List returns records of a kind ordered by id.
	List(ctx context.Context, kind Kind, filter Filter) ([]Record, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps SnapshotStore with transaction support.
type TxStore interface {
	SnapshotStore

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(SnapshotStore) error) error
}

// =============================================================================
// AUDIT LOG - Separate from snapshots, tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	TenantID  string
	ActorID   string
	Action    AuditAction
	Kind      Kind
	EntityID  string
	Version   int64
	Payload   map[string]any
}

type AuditAction string

const (
	AuditCreated    AuditAction = "created"
	AuditTransition AuditAction = "transition"
	AuditAmended    AuditAction = "amended"
	AuditImported   AuditAction = "imported"
)

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	TenantID string
	EntityID *string
	ActorID  *string
	Actions  []AuditAction
	From     *time.Time
	To       *time.Time
}

// Matches reports whether entry passes the filter.
func (f AuditFilter) Matches(entry AuditEntry) bool {
	if f.TenantID != "" && entry.TenantID != f.TenantID {
		return false
	}
	if f.EntityID != nil && entry.EntityID != *f.EntityID {
		return false
	}
	if f.ActorID != nil && entry.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == entry.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && entry.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && entry.Timestamp.After(*f.To) {
		return false
	}
	return true
}
