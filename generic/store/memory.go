// Package store provides SnapshotStore and AuditLog implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/production-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	records map[key]generic.Record
	natural map[uniqueKey]string // -> record id
	unique  map[uniqueKey]string // -> record id
}

type key struct {
	Kind     generic.Kind
	TenantID string
	ID       string
}

type uniqueKey struct {
	Kind     generic.Kind
	TenantID string
	Value    string
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[key]generic.Record),
		natural: make(map[uniqueKey]string),
		unique:  make(map[uniqueKey]string),
	}
}

func (m *Memory) Get(_ context.Context, kind generic.Kind, tenantID, id string) (generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(kind, tenantID, id)
}

func (m *Memory) getLocked(kind generic.Kind, tenantID, id string) (generic.Record, error) {
	rec, ok := m.records[key{Kind: kind, TenantID: tenantID, ID: id}]
	if !ok {
		return generic.Record{}, generic.ErrEntityNotFound
	}
	return cloneRecord(rec), nil
}

// Insert stores a new record at version 1.
func (m *Memory) Insert(_ context.Context, rec generic.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rec)
}

func (m *Memory) insertLocked(rec generic.Record) error {
	k := key{Kind: rec.Kind, TenantID: rec.TenantID, ID: rec.ID}
	if _, exists := m.records[k]; exists {
		return generic.ErrDuplicateKey
	}
	if err := m.checkKeysLocked(rec); err != nil {
		return err
	}
	rec.Version = 1
	m.putLocked(k, rec)
	return nil
}

// Update replaces the record if the stored version matches expectedVersion.
func (m *Memory) Update(_ context.Context, rec generic.Record, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(rec, expectedVersion)
}

func (m *Memory) updateLocked(rec generic.Record, expectedVersion int64) error {
	k := key{Kind: rec.Kind, TenantID: rec.TenantID, ID: rec.ID}
	current, exists := m.records[k]
	if !exists {
		return generic.ErrEntityNotFound
	}
	if current.Version != expectedVersion {
		return generic.ErrConcurrentModification
	}
	if err := m.checkKeysLocked(rec); err != nil {
		return err
	}
	m.dropKeysLocked(current)
	rec.Version = expectedVersion + 1
	m.putLocked(k, rec)
	return nil
}

// checkKeysLocked rejects keys held by a different record.
func (m *Memory) checkKeysLocked(rec generic.Record) error {
	if rec.NaturalKey != "" {
		if owner, ok := m.natural[uniqueKey{rec.Kind, rec.TenantID, rec.NaturalKey}]; ok && owner != rec.ID {
			return generic.ErrDuplicateKey
		}
	}
	seen := make(map[string]bool, len(rec.UniqueKeys))
	for _, u := range rec.UniqueKeys {
		if seen[u] {
			return generic.ErrDuplicateKey
		}
		seen[u] = true
		if owner, ok := m.unique[uniqueKey{rec.Kind, rec.TenantID, u}]; ok && owner != rec.ID {
			return generic.ErrDuplicateKey
		}
	}
	return nil
}

func (m *Memory) dropKeysLocked(rec generic.Record) {
	if rec.NaturalKey != "" {
		delete(m.natural, uniqueKey{rec.Kind, rec.TenantID, rec.NaturalKey})
	}
	for _, u := range rec.UniqueKeys {
		delete(m.unique, uniqueKey{rec.Kind, rec.TenantID, u})
	}
}

func (m *Memory) putLocked(k key, rec generic.Record) {
	rec = cloneRecord(rec)
	m.records[k] = rec
	if rec.NaturalKey != "" {
		m.natural[uniqueKey{rec.Kind, rec.TenantID, rec.NaturalKey}] = rec.ID
	}
	for _, u := range rec.UniqueKeys {
		m.unique[uniqueKey{rec.Kind, rec.TenantID, u}] = rec.ID
	}
}

func (m *Memory) List(_ context.Context, kind generic.Kind, filter generic.Filter) ([]generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(kind, filter), nil
}

func (m *Memory) listLocked(kind generic.Kind, filter generic.Filter) []generic.Record {
	var result []generic.Record
	for k, rec := range m.records {
		if k.Kind != kind {
			continue
		}
		if filter.TenantID != "" && k.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.RefID != "" && rec.RefID != filter.RefID {
			continue
		}
		result = append(result, cloneRecord(rec))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TenantID != result[j].TenantID {
			return result[i].TenantID < result[j].TenantID
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func cloneRecord(rec generic.Record) generic.Record {
	rec.UniqueKeys = append([]string(nil), rec.UniqueKeys...)
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.SnapshotStore) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	txStore := &txMemoryView{parent: tm.Memory}

	if err := fn(txStore); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	records map[key]generic.Record
	natural map[uniqueKey]string
	unique  map[uniqueKey]string
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		records: make(map[key]generic.Record, len(tm.records)),
		natural: make(map[uniqueKey]string, len(tm.natural)),
		unique:  make(map[uniqueKey]string, len(tm.unique)),
	}
	for k, v := range tm.records {
		s.records[k] = v
	}
	for k, v := range tm.natural {
		s.natural[k] = v
	}
	for k, v := range tm.unique {
		s.unique[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.records = s.records
	tm.natural = s.natural
	tm.unique = s.unique
}

// txMemoryView runs against the parent while its lock is held by WithTx.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) Get(_ context.Context, kind generic.Kind, tenantID, id string) (generic.Record, error) {
	return tv.parent.getLocked(kind, tenantID, id)
}

func (tv *txMemoryView) Insert(_ context.Context, rec generic.Record) error {
	return tv.parent.insertLocked(rec)
}

func (tv *txMemoryView) Update(_ context.Context, rec generic.Record, expectedVersion int64) error {
	return tv.parent.updateLocked(rec, expectedVersion)
}

func (tv *txMemoryView) List(_ context.Context, kind generic.Kind, filter generic.Filter) ([]generic.Record, error) {
	return tv.parent.listLocked(kind, filter), nil
}

// =============================================================================
// MEMORY AUDIT LOG
// =============================================================================

type MemoryAudit struct {
	mu      sync.RWMutex
	entries []generic.AuditEntry
}

func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (a *MemoryAudit) Append(_ context.Context, entry generic.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *MemoryAudit) Query(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var result []generic.AuditEntry
	for _, e := range a.entries {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}
