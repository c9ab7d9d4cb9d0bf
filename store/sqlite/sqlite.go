/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.TxStore and generic.AuditLog using SQLite. In
  production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  generic.SnapshotStore: Versioned entity snapshots
  generic.TxStore:       Atomic multi-record operations
  generic.AuditLog:      Append-only audit trail

KEY TABLES:
  records:            One row per entity snapshot, keyed by (kind, tenant_id, id)
  record_unique_keys: Tenant-wide unique members (output lot numbers)
  audit_log:          Append-only record of every mutation

INDEXES:
  - idx_records_natural_key: Enforces unique order/batch numbers per tenant
  - idx_records_ref:         Batches of a mix order, runs of a mobile unit
  - idx_records_status:      Status filters (quarantined batches, active runs)
  - idx_audit_entity:        Audit trail of one entity

OPTIMISTIC CONCURRENCY:
  Update is a compare-and-swap on the version column:
    UPDATE records SET version = version + 1 ... WHERE ... AND version = ?
  Zero affected rows means another writer got there first.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection, so an
  in-memory database is shared by every call. In production with
  PostgreSQL, database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/production.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  service := production.NewService(store, store, factory)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - production/repository.go: Typed access on top of the records table
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/production-engine/generic"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Entity snapshots (one row per entity, version bumped on every write)
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		natural_key TEXT,
		ref_id TEXT,
		status TEXT,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, tenant_id, id)
	);

	-- Order numbers and batch numbers are unique within a tenant
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_natural_key
		ON records(kind, tenant_id, natural_key) WHERE natural_key IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_records_ref
		ON records(kind, tenant_id, ref_id);
	CREATE INDEX IF NOT EXISTS idx_records_status
		ON records(kind, status);

	-- Members that must be unique across all records of a kind in a tenant
	CREATE TABLE IF NOT EXISTS record_unique_keys (
		kind TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		value TEXT NOT NULL,
		record_id TEXT NOT NULL,
		PRIMARY KEY (kind, tenant_id, value),
		FOREIGN KEY (kind, tenant_id, record_id) REFERENCES records(kind, tenant_id, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_unique_keys_record
		ON record_unique_keys(kind, tenant_id, record_id);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(tenant_id, entity_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp
		ON audit_log(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SNAPSHOT STORE (generic.SnapshotStore interface)
// =============================================================================

// Get returns the record or generic.ErrEntityNotFound.
func (s *Store) Get(ctx context.Context, kind generic.Kind, tenantID, id string) (generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getRecord(ctx, s.db, kind, tenantID, id)
}

// Insert stores a new record at version 1.
func (s *Store) Insert(ctx context.Context, rec generic.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(q querier) error {
		return insertRecord(ctx, q, rec)
	})
}

// Update replaces the record if the stored version matches expectedVersion.
func (s *Store) Update(ctx context.Context, rec generic.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(q querier) error {
		return updateRecord(ctx, q, rec, expectedVersion)
	})
}

// List returns records of a kind ordered by tenant and id.
func (s *Store) List(ctx context.Context, kind generic.Kind, filter generic.Filter) ([]generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return listRecords(ctx, s.db, kind, filter)
}

func (s *Store) inTx(ctx context.Context, fn func(querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

const recordColumns = `kind, tenant_id, id, version, natural_key, ref_id, status, payload, updated_at`

func getRecord(ctx context.Context, q querier, kind generic.Kind, tenantID, id string) (generic.Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE kind = ? AND tenant_id = ? AND id = ?`,
		kind, tenantID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Record{}, generic.ErrEntityNotFound
	}
	if err != nil {
		return generic.Record{}, err
	}
	rec.UniqueKeys, err = loadUniqueKeys(ctx, q, rec)
	return rec, err
}

func insertRecord(ctx context.Context, q querier, rec generic.Record) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)
	`,
		rec.Kind,
		rec.TenantID,
		rec.ID,
		nullString(rec.NaturalKey),
		nullString(rec.RefID),
		nullString(rec.Status),
		string(rec.Payload),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert %s %s: %w", rec.Kind, rec.ID, err)
	}
	return insertUniqueKeys(ctx, q, rec)
}

func updateRecord(ctx context.Context, q querier, rec generic.Record, expectedVersion int64) error {
	result, err := q.ExecContext(ctx, `
		UPDATE records
		SET version = version + 1, natural_key = ?, ref_id = ?, status = ?, payload = ?, updated_at = ?
		WHERE kind = ? AND tenant_id = ? AND id = ? AND version = ?
	`,
		nullString(rec.NaturalKey),
		nullString(rec.RefID),
		nullString(rec.Status),
		string(rec.Payload),
		formatTime(rec.UpdatedAt),
		rec.Kind,
		rec.TenantID,
		rec.ID,
		expectedVersion,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateKey
		}
		return fmt.Errorf("failed to update %s %s: %w", rec.Kind, rec.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE kind = ? AND tenant_id = ? AND id = ?`,
			rec.Kind, rec.TenantID, rec.ID,
		).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return generic.ErrEntityNotFound
		}
		return generic.ErrConcurrentModification
	}

	if _, err := q.ExecContext(ctx,
		`DELETE FROM record_unique_keys WHERE kind = ? AND tenant_id = ? AND record_id = ?`,
		rec.Kind, rec.TenantID, rec.ID,
	); err != nil {
		return fmt.Errorf("failed to clear unique keys: %w", err)
	}
	return insertUniqueKeys(ctx, q, rec)
}

func insertUniqueKeys(ctx context.Context, q querier, rec generic.Record) error {
	for _, value := range rec.UniqueKeys {
		_, err := q.ExecContext(ctx,
			`INSERT INTO record_unique_keys (kind, tenant_id, value, record_id) VALUES (?, ?, ?, ?)`,
			rec.Kind, rec.TenantID, value, rec.ID)
		if err != nil {
			if isUniqueConstraintError(err) {
				return generic.ErrDuplicateKey
			}
			return fmt.Errorf("failed to insert unique key: %w", err)
		}
	}
	return nil
}

func loadUniqueKeys(ctx context.Context, q querier, rec generic.Record) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT value FROM record_unique_keys WHERE kind = ? AND tenant_id = ? AND record_id = ? ORDER BY value`,
		rec.Kind, rec.TenantID, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unique keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		keys = append(keys, v)
	}
	return keys, rows.Err()
}

func listRecords(ctx context.Context, q querier, kind generic.Kind, filter generic.Filter) ([]generic.Record, error) {
	conditions := []string{"kind = ?"}
	args := []any{kind}
	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.RefID != "" {
		conditions = append(conditions, "ref_id = ?")
		args = append(args, filter.RefID)
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY tenant_id, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []generic.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (generic.Record, error) {
	var (
		rec        generic.Record
		naturalKey sql.NullString
		refID      sql.NullString
		status     sql.NullString
		payload    string
		updatedAt  string
	)
	err := row.Scan(&rec.Kind, &rec.TenantID, &rec.ID, &rec.Version,
		&naturalKey, &refID, &status, &payload, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.NaturalKey = naturalKey.String
	rec.RefID = refID.String
	rec.Status = status.String
	rec.Payload = json.RawMessage(payload)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// Only the store handed to fn may be used until fn returns.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.SnapshotStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(q querier) error {
		return fn(&txStore{q: q})
	})
}

type txStore struct {
	q querier
}

func (ts *txStore) Get(ctx context.Context, kind generic.Kind, tenantID, id string) (generic.Record, error) {
	return getRecord(ctx, ts.q, kind, tenantID, id)
}

func (ts *txStore) Insert(ctx context.Context, rec generic.Record) error {
	return insertRecord(ctx, ts.q, rec)
}

func (ts *txStore) Update(ctx context.Context, rec generic.Record, expectedVersion int64) error {
	return updateRecord(ctx, ts.q, rec, expectedVersion)
}

func (ts *txStore) List(ctx context.Context, kind generic.Kind, filter generic.Filter) ([]generic.Record, error) {
	return listRecords(ctx, ts.q, kind, filter)
}

// =============================================================================
// AUDIT LOG (generic.AuditLog interface)
// =============================================================================

// Append adds an audit entry.
func (s *Store) Append(ctx context.Context, entry generic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, tenant_id, actor_id, action, kind, entity_id, version, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		formatTime(entry.Timestamp),
		entry.TenantID,
		nullString(entry.ActorID),
		entry.Action,
		entry.Kind,
		entry.EntityID,
		entry.Version,
		string(payloadJSON),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateKey
		}
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Query returns audit entries matching filter, oldest first.
func (s *Store) Query(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conditions := []string{"1 = 1"}
	var args []any
	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.EntityID != nil {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, *filter.EntityID)
	}
	if filter.ActorID != nil {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			placeholders[i] = "?"
			args = append(args, a)
		}
		conditions = append(conditions, "action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, formatTime(*filter.To))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, tenant_id, actor_id, action, kind, entity_id, version, payload_json
		FROM audit_log
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY timestamp ASC, rowid ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []generic.AuditEntry
	for rows.Next() {
		var (
			entry       generic.AuditEntry
			timestamp   string
			actorID     sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&entry.ID, &timestamp, &entry.TenantID, &actorID, &entry.Action,
			&entry.Kind, &entry.EntityID, &entry.Version, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = parseTime(timestamp)
		entry.ActorID = actorID.String
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload of audit entry %s: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"record_unique_keys", "records", "audit_log"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Counts returns the number of stored records per kind.
func (s *Store) Counts(ctx context.Context) (map[generic.Kind]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM records GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[generic.Kind]int)
	for rows.Next() {
		var (
			kind  generic.Kind
			count int
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[kind] = count
	}
	return counts, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed width so that text comparison in ORDER BY and range
// filters matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
