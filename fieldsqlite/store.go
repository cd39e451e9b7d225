// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/natlog/go-fieldsync/fieldsync"
)

// Store is the durable local cache of entities plus the coalesced
// pending-operation queue. It is the only component that mutates on-device
// state; all writes are serialized through a single mutex to prevent SQLite
// locking issues and lost updates between a local edit and an in-flight sync.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
	nowFn   func() time.Time
}

// QueryFilter narrows Query results. Zero values match everything.
type QueryFilter struct {
	EntityType string
	OwnerID    string
	States     []string
	// ExcludeTombstones hides entities awaiting a remote delete. They are
	// visible by default so callers can render them as removed without losing
	// the pending work.
	ExcludeTombstones bool
}

// NewStore initializes the sync metadata schema on db and returns a Store.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return &Store{db: db, logger: logger, nowFn: time.Now}, nil
}

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _fieldsync_entities (
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			owner_id    TEXT NOT NULL DEFAULT '',
			version     INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL DEFAULT '',
			sync_state  TEXT NOT NULL CHECK (sync_state IN
				('synced','pending_create','pending_update','pending_delete','conflicted')),
			payload     TEXT,
			PRIMARY KEY (entity_type, entity_id)
		)`,

		// Pending queue (coalesced, one row per entity)
		`CREATE TABLE IF NOT EXISTS _fieldsync_pending (
			entity_type   TEXT NOT NULL,
			entity_id     TEXT NOT NULL,
			op            TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			base_version  INTEGER NOT NULL DEFAULT 0,
			payload       TEXT,
			local_ts      TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			queued_at     TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,

		// Outstanding conflicts, durable across restarts
		`CREATE TABLE IF NOT EXISTS _fieldsync_conflicts (
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			conflict_type  TEXT NOT NULL,
			local_payload  TEXT,
			remote_payload TEXT,
			local_version  INTEGER NOT NULL DEFAULT 0,
			remote_version INTEGER NOT NULL DEFAULT 0,
			local_ts       TEXT NOT NULL DEFAULT '',
			remote_ts      TEXT NOT NULL DEFAULT '',
			detected_at    TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,

		// Cache accounting; pinned entries hold unsynced data and are never evicted
		`CREATE TABLE IF NOT EXISTS _fieldsync_cache (
			key           TEXT PRIMARY KEY,
			entity_type   TEXT NOT NULL DEFAULT '',
			entity_id     TEXT NOT NULL DEFAULT '',
			size_bytes    INTEGER NOT NULL DEFAULT 0,
			last_accessed INTEGER NOT NULL DEFAULT 0,
			pinned        INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS _fieldsync_client_info (
			user_id   TEXT NOT NULL PRIMARY KEY,
			device_id TEXT NOT NULL
		)`,

		// Per-collection pull watermark
		`CREATE TABLE IF NOT EXISTS _fieldsync_watermarks (
			entity_type   TEXT PRIMARY KEY,
			updated_since TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func cacheKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// Put records a local or remote write of entity with the desired sync state
// and coalesces the pending queue accordingly:
//
//	pending_create           -> queue CREATE
//	pending_update           -> queue UPDATE, or refresh a still-queued CREATE
//	pending_delete           -> same as Delete
//	synced                   -> no queue entry (remote-authoritative write)
//
// The cache entry for the entity is created or refreshed in the same
// transaction, pinned whenever the state is not synced.
//
// A pending write to an entity holding an unresolved conflict returns
// fieldsync.ErrEntityConflicted; both divergent sides stay intact until the
// conflict is resolved.
func (s *Store) Put(ctx context.Context, e *fieldsync.Entity, desiredState string) error {
	if desiredState == fieldsync.StatePendingDelete {
		return s.Delete(ctx, e.Type, e.ID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "put", Err: err}
	}
	defer tx.Rollback()

	if fieldsync.IsPendingState(desiredState) {
		var current string
		err := tx.QueryRowContext(ctx, `
			SELECT sync_state FROM _fieldsync_entities WHERE entity_type = ? AND entity_id = ?
		`, e.Type, e.ID).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return &fieldsync.StorageError{Op: "put", Err: err}
		}
		if current == fieldsync.StateConflicted {
			return fieldsync.ErrEntityConflicted
		}
	}

	now := s.nowFn()
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	if err := upsertEntityInTx(ctx, tx, e, desiredState, updatedAt); err != nil {
		return &fieldsync.StorageError{Op: "put", Err: err}
	}

	if fieldsync.IsPendingState(desiredState) {
		kind := fieldsync.OpCreate
		if desiredState == fieldsync.StatePendingUpdate {
			kind = fieldsync.OpUpdate
		}
		op := &fieldsync.PendingOperation{
			EntityType:     e.Type,
			EntityID:       e.ID,
			Kind:           kind,
			Payload:        e.Payload,
			BaseVersion:    e.Version,
			LocalTimestamp: now,
			QueuedAt:       now,
		}
		if err := coalesceEnqueueInTx(ctx, tx, op); err != nil {
			return &fieldsync.StorageError{Op: "put", Err: err}
		}
	} else {
		// Remote-authoritative write; nothing pending for this entity.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?`,
			e.Type, e.ID); err != nil {
			return &fieldsync.StorageError{Op: "put", Err: err}
		}
	}

	if err := touchCacheInTx(ctx, tx, e.Type, e.ID, int64(len(e.Payload)),
		now.UnixNano(), desiredState != fieldsync.StateSynced); err != nil {
		return &fieldsync.StorageError{Op: "put", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "put", Err: err}
	}
	return nil
}

func upsertEntityInTx(ctx context.Context, tx *sql.Tx, e *fieldsync.Entity, state string, updatedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _fieldsync_entities (entity_type, entity_id, owner_id, version, updated_at, sync_state, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			owner_id   = excluded.owner_id,
			version    = excluded.version,
			updated_at = excluded.updated_at,
			sync_state = excluded.sync_state,
			payload    = excluded.payload
	`, e.Type, e.ID, e.OwnerID, e.Version, fmtTime(updatedAt), state, payloadArg(e.Payload))
	return err
}

func payloadArg(p json.RawMessage) any {
	if p == nil {
		return nil
	}
	return string(p)
}

// coalesceEnqueueInTx enforces the at-most-one-operation-per-entity invariant:
//
//	queued CREATE + UPDATE -> CREATE with the new payload
//	queued UPDATE + UPDATE -> UPDATE with the new payload
//	queued DELETE + CREATE -> UPDATE (the row re-appeared locally)
//	anything     + DELETE  -> DELETE (handled in Delete; CREATE+DELETE cancels)
func coalesceEnqueueInTx(ctx context.Context, tx *sql.Tx, op *fieldsync.PendingOperation) error {
	var existingKind string
	var existingBase int64
	err := tx.QueryRowContext(ctx, `
		SELECT op, base_version FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?
	`, op.EntityType, op.EntityID).Scan(&existingKind, &existingBase)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO _fieldsync_pending (entity_type, entity_id, op, base_version, payload, local_ts, attempt_count, queued_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		`, op.EntityType, op.EntityID, op.Kind, op.BaseVersion, payloadArg(op.Payload),
			fmtTime(op.LocalTimestamp), fmtTime(op.QueuedAt))
		return err
	case err != nil:
		return err
	}

	kind := op.Kind
	base := op.BaseVersion
	switch {
	case existingKind == fieldsync.OpCreate && op.Kind != fieldsync.OpDelete:
		// The entity has never reached the server; keep sending a CREATE.
		kind = fieldsync.OpCreate
		base = 0
	case existingKind == fieldsync.OpDelete && op.Kind == fieldsync.OpCreate:
		// Re-added after a queued delete: the server still has the old row.
		kind = fieldsync.OpUpdate
		base = existingBase
	}

	// Supersede in place: attempt count resets, the edit is a fresh operation.
	_, err = tx.ExecContext(ctx, `
		UPDATE _fieldsync_pending SET
			op = ?, base_version = ?, payload = ?, local_ts = ?, attempt_count = 0
		WHERE entity_type = ? AND entity_id = ?
	`, kind, base, payloadArg(op.Payload), fmtTime(op.LocalTimestamp), op.EntityType, op.EntityID)
	return err
}

func touchCacheInTx(ctx context.Context, tx *sql.Tx, entityType, entityID string, size int64, accessed int64, pinned bool) error {
	p := 0
	if pinned {
		p = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _fieldsync_cache (key, entity_type, entity_id, size_bytes, last_accessed, pinned)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			last_accessed = excluded.last_accessed,
			pinned = excluded.pinned
	`, cacheKey(entityType, entityID), entityType, entityID, size, accessed, p)
	return err
}

// Get returns the entity with the given key, including tombstoned ones.
func (s *Store) Get(ctx context.Context, entityType, entityID string) (*fieldsync.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, owner_id, version, updated_at, sync_state, payload
		FROM _fieldsync_entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fieldsync.ErrEntityNotFound
	}
	if err != nil {
		return nil, &fieldsync.StorageError{Op: "get", Err: err}
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*fieldsync.Entity, error) {
	var e fieldsync.Entity
	var updatedAt string
	var payload sql.NullString
	if err := row.Scan(&e.Type, &e.ID, &e.OwnerID, &e.Version, &updatedAt, &e.SyncState, &payload); err != nil {
		return nil, err
	}
	e.UpdatedAt = parseTime(updatedAt)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	return &e, nil
}

// Query returns page (zero-based) of at most pageSize entities matching
// filter, ordered by (entity_type, entity_id) so that consecutive pages are
// disjoint and stable absent concurrent mutation.
func (s *Store) Query(ctx context.Context, filter QueryFilter, page, pageSize int) ([]*fieldsync.Entity, error) {
	if pageSize <= 0 {
		return nil, nil
	}
	query := `
		SELECT entity_type, entity_id, owner_id, version, updated_at, sync_state, payload
		FROM _fieldsync_entities WHERE 1=1`
	var args []any
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if len(filter.States) > 0 {
		query += ` AND sync_state IN (?` + repeatPlaceholder(len(filter.States)-1) + `)`
		for _, st := range filter.States {
			args = append(args, st)
		}
	}
	if filter.ExcludeTombstones {
		query += ` AND sync_state != ?`
		args = append(args, fieldsync.StatePendingDelete)
	}
	query += ` ORDER BY entity_type, entity_id LIMIT ? OFFSET ?`
	args = append(args, pageSize, page*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &fieldsync.StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	var result []*fieldsync.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, &fieldsync.StorageError{Op: "query", Err: err}
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &fieldsync.StorageError{Op: "query", Err: err}
	}
	return result, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ",?"
	}
	return out
}

// Delete tombstones the entity and queues a DELETE. A never-synced entity
// (queued CREATE) cancels out instead: both the row and the queue entry are
// removed, a net no-op from the server's point of view.
func (s *Store) Delete(ctx context.Context, entityType, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "delete", Err: err}
	}
	defer tx.Rollback()

	var version int64
	var state string
	err = tx.QueryRowContext(ctx, `
		SELECT version, sync_state FROM _fieldsync_entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&version, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return fieldsync.ErrEntityNotFound
	}
	if err != nil {
		return &fieldsync.StorageError{Op: "delete", Err: err}
	}
	if state == fieldsync.StateConflicted {
		return fieldsync.ErrEntityConflicted
	}

	var pendingKind string
	err = tx.QueryRowContext(ctx, `
		SELECT op FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&pendingKind)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &fieldsync.StorageError{Op: "delete", Err: err}
	}

	now := s.nowFn()
	if pendingKind == fieldsync.OpCreate {
		// Unsynced new row deleted again: cancel everything.
		if err := removeLocalInTx(ctx, tx, entityType, entityID); err != nil {
			return &fieldsync.StorageError{Op: "delete", Err: err}
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_entities SET sync_state = ? WHERE entity_type = ? AND entity_id = ?
		`, fieldsync.StatePendingDelete, entityType, entityID); err != nil {
			return &fieldsync.StorageError{Op: "delete", Err: err}
		}
		op := &fieldsync.PendingOperation{
			EntityType:     entityType,
			EntityID:       entityID,
			Kind:           fieldsync.OpDelete,
			BaseVersion:    version,
			LocalTimestamp: now,
			QueuedAt:       now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _fieldsync_pending (entity_type, entity_id, op, base_version, payload, local_ts, attempt_count, queued_at)
			VALUES (?, ?, ?, ?, NULL, ?, 0, ?)
			ON CONFLICT (entity_type, entity_id) DO UPDATE SET
				op = excluded.op,
				base_version = excluded.base_version,
				payload = NULL,
				local_ts = excluded.local_ts,
				attempt_count = 0
		`, op.EntityType, op.EntityID, op.Kind, op.BaseVersion, fmtTime(now), fmtTime(now)); err != nil {
			return &fieldsync.StorageError{Op: "delete", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_cache SET pinned = 1 WHERE key = ?
		`, cacheKey(entityType, entityID)); err != nil {
			return &fieldsync.StorageError{Op: "delete", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "delete", Err: err}
	}
	return nil
}

func removeLocalInTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) error {
	statements := []string{
		`DELETE FROM _fieldsync_entities WHERE entity_type = ? AND entity_id = ?`,
		`DELETE FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?`,
		`DELETE FROM _fieldsync_conflicts WHERE entity_type = ? AND entity_id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, entityType, entityID); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM _fieldsync_cache WHERE key = ?`, cacheKey(entityType, entityID))
	return err
}

// RemoveLocal physically removes the entity and all bookkeeping for it. Used
// after a remotely acknowledged delete or a Remote resolution of a
// delete conflict.
func (s *Store) RemoveLocal(ctx context.Context, entityType, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "remove", Err: err}
	}
	defer tx.Rollback()
	if err := removeLocalInTx(ctx, tx, entityType, entityID); err != nil {
		return &fieldsync.StorageError{Op: "remove", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "remove", Err: err}
	}
	return nil
}

// Enqueue inserts or coalesces a pending operation and moves the entity into
// the matching Pending* state. Used by conflict resolution to re-queue work.
func (s *Store) Enqueue(ctx context.Context, op *fieldsync.PendingOperation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "enqueue", Err: err}
	}
	defer tx.Rollback()

	now := s.nowFn()
	if op.LocalTimestamp.IsZero() {
		op.LocalTimestamp = now
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = now
	}
	if err := coalesceEnqueueInTx(ctx, tx, op); err != nil {
		return &fieldsync.StorageError{Op: "enqueue", Err: err}
	}

	state := fieldsync.StateForOp(op.Kind)
	if _, err := tx.ExecContext(ctx, `
		UPDATE _fieldsync_entities SET sync_state = ? WHERE entity_type = ? AND entity_id = ?
	`, state, op.EntityType, op.EntityID); err != nil {
		return &fieldsync.StorageError{Op: "enqueue", Err: err}
	}
	if op.Payload != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_entities SET payload = ? WHERE entity_type = ? AND entity_id = ?
		`, string(op.Payload), op.EntityType, op.EntityID); err != nil {
			return &fieldsync.StorageError{Op: "enqueue", Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _fieldsync_cache SET pinned = 1 WHERE key = ?
	`, cacheKey(op.EntityType, op.EntityID)); err != nil {
		return &fieldsync.StorageError{Op: "enqueue", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "enqueue", Err: err}
	}
	return nil
}

// ListPending returns all queued operations, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*fieldsync.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, op, base_version, payload, local_ts, attempt_count, queued_at
		FROM _fieldsync_pending
		ORDER BY queued_at, entity_type, entity_id
	`)
	if err != nil {
		return nil, &fieldsync.StorageError{Op: "list pending", Err: err}
	}
	defer rows.Close()

	var ops []*fieldsync.PendingOperation
	for rows.Next() {
		op, err := scanPending(rows)
		if err != nil {
			return nil, &fieldsync.StorageError{Op: "list pending", Err: err}
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, &fieldsync.StorageError{Op: "list pending", Err: err}
	}
	return ops, nil
}

func scanPending(row rowScanner) (*fieldsync.PendingOperation, error) {
	var op fieldsync.PendingOperation
	var payload sql.NullString
	var localTS, queuedAt string
	if err := row.Scan(&op.EntityType, &op.EntityID, &op.Kind, &op.BaseVersion,
		&payload, &localTS, &op.AttemptCount, &queuedAt); err != nil {
		return nil, err
	}
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	op.LocalTimestamp = parseTime(localTS)
	op.QueuedAt = parseTime(queuedAt)
	return &op, nil
}

// PendingFor returns the queued operation for an entity, or nil when there is
// none.
func (s *Store) PendingFor(ctx context.Context, entityType, entityID string) (*fieldsync.PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, op, base_version, payload, local_ts, attempt_count, queued_at
		FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	op, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &fieldsync.StorageError{Op: "pending lookup", Err: err}
	}
	return op, nil
}

// CountPending returns the number of queued operations.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _fieldsync_pending`).Scan(&n); err != nil {
		return 0, &fieldsync.StorageError{Op: "count pending", Err: err}
	}
	return n, nil
}

// DeletePending drops the queue entry for an entity without touching the
// entity itself.
func (s *Store) DeletePending(ctx context.Context, entityType, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID); err != nil {
		return &fieldsync.StorageError{Op: "dequeue", Err: err}
	}
	return nil
}

// IncrementAttempt bumps the retry counter for a queued operation and returns
// the new count.
func (s *Store) IncrementAttempt(ctx context.Context, entityType, entityID string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE _fieldsync_pending SET attempt_count = attempt_count + 1
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID); err != nil {
		return 0, &fieldsync.StorageError{Op: "increment attempt", Err: err}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT attempt_count FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&n); err != nil {
		return 0, &fieldsync.StorageError{Op: "increment attempt", Err: err}
	}
	return n, nil
}

// MarkSynced retires a queued operation after a successful push or applies a
// server acknowledgement: the entity adopts the server version (and payload,
// when the server returned a canonical one), the queue entry is removed and
// the cache entry unpinned.
func (s *Store) MarkSynced(ctx context.Context, entityType, entityID string, version int64, updatedAt time.Time, payload json.RawMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "mark synced", Err: err}
	}
	defer tx.Rollback()

	if payload != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE _fieldsync_entities
			SET sync_state = ?, version = ?, updated_at = ?, payload = ?
			WHERE entity_type = ? AND entity_id = ?
		`, fieldsync.StateSynced, version, fmtTime(updatedAt), string(payload), entityType, entityID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE _fieldsync_entities
			SET sync_state = ?, version = ?, updated_at = ?
			WHERE entity_type = ? AND entity_id = ?
		`, fieldsync.StateSynced, version, fmtTime(updatedAt), entityType, entityID)
	}
	if err != nil {
		return &fieldsync.StorageError{Op: "mark synced", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID); err != nil {
		return &fieldsync.StorageError{Op: "mark synced", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _fieldsync_cache SET pinned = 0 WHERE key = ?
	`, cacheKey(entityType, entityID)); err != nil {
		return &fieldsync.StorageError{Op: "mark synced", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "mark synced", Err: err}
	}
	return nil
}

// ApplyRemote overwrites the local entity with a remote record and marks it
// synced. Callers must have established that no pending local work exists
// and that none can appear concurrently; pull cycles use
// ApplyRemoteIfNoPending instead.
func (s *Store) ApplyRemote(ctx context.Context, entityType string, rec *fieldsync.RemoteRecord) error {
	e := &fieldsync.Entity{
		ID:        rec.ID,
		Type:      entityType,
		OwnerID:   rec.OwnerID,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
		Payload:   rec.Payload,
	}
	return s.Put(ctx, e, fieldsync.StateSynced)
}

// ApplyRemoteIfNoPending folds a downloaded record into the store unless a
// local edit is queued for the entity. The queue check and the write share
// one transaction, so an edit committing after the caller's own check cannot
// be overwritten; it returns false and the caller re-evaluates. A deleted
// record removes the entity and its bookkeeping.
func (s *Store) ApplyRemoteIfNoPending(ctx context.Context, entityType string, rec *fieldsync.RemoteRecord) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &fieldsync.StorageError{Op: "apply remote", Err: err}
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?
	`, entityType, rec.ID).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, &fieldsync.StorageError{Op: "apply remote", Err: err}
	}

	if rec.Deleted {
		if err := removeLocalInTx(ctx, tx, entityType, rec.ID); err != nil {
			return false, &fieldsync.StorageError{Op: "apply remote", Err: err}
		}
		if err := tx.Commit(); err != nil {
			return false, &fieldsync.StorageError{Op: "apply remote", Err: err}
		}
		return true, nil
	}

	e := &fieldsync.Entity{
		ID:      rec.ID,
		Type:    entityType,
		OwnerID: rec.OwnerID,
		Version: rec.Version,
		Payload: rec.Payload,
	}
	now := s.nowFn()
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	if err := upsertEntityInTx(ctx, tx, e, fieldsync.StateSynced, updatedAt); err != nil {
		return false, &fieldsync.StorageError{Op: "apply remote", Err: err}
	}
	if err := touchCacheInTx(ctx, tx, entityType, rec.ID, int64(len(rec.Payload)),
		now.UnixNano(), false); err != nil {
		return false, &fieldsync.StorageError{Op: "apply remote", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &fieldsync.StorageError{Op: "apply remote", Err: err}
	}
	return true, nil
}

// Clear deletes every synced entity and retains everything with pending or
// conflicted state. The preservePending flag exists for signature
// compatibility with "clear everything" callers; unsynced work is never
// deleted regardless of it.
func (s *Store) Clear(ctx context.Context, preservePending bool) error {
	if !preservePending {
		s.logger.Warn("Clear requested without preservePending; unsynced entities are retained anyway")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "clear", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _fieldsync_cache WHERE key IN (
			SELECT entity_type || '/' || entity_id FROM _fieldsync_entities WHERE sync_state = ?
		)
	`, fieldsync.StateSynced); err != nil {
		return &fieldsync.StorageError{Op: "clear", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _fieldsync_entities WHERE sync_state = ?
	`, fieldsync.StateSynced); err != nil {
		return &fieldsync.StorageError{Op: "clear", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "clear", Err: err}
	}
	return nil
}

// MarkStale demotes an entity to a synced placeholder at version zero, which
// any remote revision outranks. The next pull of the collection replaces its
// payload with the server's.
func (s *Store) MarkStale(ctx context.Context, entityType, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "mark stale", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE _fieldsync_entities SET sync_state = ?, version = 0
		WHERE entity_type = ? AND entity_id = ?
	`, fieldsync.StateSynced, entityType, entityID); err != nil {
		return &fieldsync.StorageError{Op: "mark stale", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _fieldsync_cache SET pinned = 0 WHERE key = ?
	`, cacheKey(entityType, entityID)); err != nil {
		return &fieldsync.StorageError{Op: "mark stale", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "mark stale", Err: err}
	}
	return nil
}

// SaveConflict records a detected divergence and moves the entity into the
// conflicted state. Saving again for the same entity overwrites the previous
// snapshot, so re-running detection never duplicates conflicts.
func (s *Store) SaveConflict(ctx context.Context, c *fieldsync.SyncConflict) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "save conflict", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _fieldsync_conflicts
			(entity_type, entity_id, conflict_type, local_payload, remote_payload,
			 local_version, remote_version, local_ts, remote_ts, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			conflict_type = excluded.conflict_type,
			local_payload = excluded.local_payload,
			remote_payload = excluded.remote_payload,
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			local_ts = excluded.local_ts,
			remote_ts = excluded.remote_ts,
			detected_at = excluded.detected_at
	`, c.EntityType, c.EntityID, c.Type, payloadArg(c.LocalData), payloadArg(c.RemoteData),
		c.LocalVersion, c.RemoteVersion, fmtTime(c.LocalTimestamp), fmtTime(c.RemoteTimestamp),
		fmtTime(c.DetectedAt)); err != nil {
		return &fieldsync.StorageError{Op: "save conflict", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _fieldsync_entities SET sync_state = ? WHERE entity_type = ? AND entity_id = ?
	`, fieldsync.StateConflicted, c.EntityType, c.EntityID); err != nil {
		return &fieldsync.StorageError{Op: "save conflict", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _fieldsync_cache SET pinned = 1 WHERE key = ?
	`, cacheKey(c.EntityType, c.EntityID)); err != nil {
		return &fieldsync.StorageError{Op: "save conflict", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "save conflict", Err: err}
	}
	return nil
}

// GetConflict returns the outstanding conflict for an entity.
func (s *Store) GetConflict(ctx context.Context, entityType, entityID string) (*fieldsync.SyncConflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, conflict_type, local_payload, remote_payload,
		       local_version, remote_version, local_ts, remote_ts, detected_at
		FROM _fieldsync_conflicts WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fieldsync.ErrConflictNotFound
	}
	if err != nil {
		return nil, &fieldsync.StorageError{Op: "get conflict", Err: err}
	}
	return c, nil
}

func scanConflict(row rowScanner) (*fieldsync.SyncConflict, error) {
	var c fieldsync.SyncConflict
	var local, remote sql.NullString
	var localTS, remoteTS, detectedAt string
	if err := row.Scan(&c.EntityType, &c.EntityID, &c.Type, &local, &remote,
		&c.LocalVersion, &c.RemoteVersion, &localTS, &remoteTS, &detectedAt); err != nil {
		return nil, err
	}
	if local.Valid {
		c.LocalData = json.RawMessage(local.String)
	}
	if remote.Valid {
		c.RemoteData = json.RawMessage(remote.String)
	}
	c.LocalTimestamp = parseTime(localTS)
	c.RemoteTimestamp = parseTime(remoteTS)
	c.DetectedAt = parseTime(detectedAt)
	return &c, nil
}

// ListConflicts returns all outstanding conflicts, oldest detection first.
func (s *Store) ListConflicts(ctx context.Context) ([]fieldsync.SyncConflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, conflict_type, local_payload, remote_payload,
		       local_version, remote_version, local_ts, remote_ts, detected_at
		FROM _fieldsync_conflicts
		ORDER BY detected_at, entity_type, entity_id
	`)
	if err != nil {
		return nil, &fieldsync.StorageError{Op: "list conflicts", Err: err}
	}
	defer rows.Close()

	var result []fieldsync.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, &fieldsync.StorageError{Op: "list conflicts", Err: err}
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, &fieldsync.StorageError{Op: "list conflicts", Err: err}
	}
	return result, nil
}

// DeleteConflict removes an entity's conflict from the outstanding set.
func (s *Store) DeleteConflict(ctx context.Context, entityType, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM _fieldsync_conflicts WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID); err != nil {
		return &fieldsync.StorageError{Op: "delete conflict", Err: err}
	}
	return nil
}

// Watermark returns the pull cursor for a collection (zero time when the
// collection has never been pulled).
func (s *Store) Watermark(ctx context.Context, entityType string) (time.Time, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `
		SELECT updated_since FROM _fieldsync_watermarks WHERE entity_type = ?
	`, entityType).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, &fieldsync.StorageError{Op: "watermark", Err: err}
	}
	return parseTime(ts), nil
}

// SetWatermark advances the pull cursor for a collection.
func (s *Store) SetWatermark(ctx context.Context, entityType string, t time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO _fieldsync_watermarks (entity_type, updated_since) VALUES (?, ?)
		ON CONFLICT (entity_type) DO UPDATE SET updated_since = excluded.updated_since
	`, entityType, fmtTime(t)); err != nil {
		return &fieldsync.StorageError{Op: "set watermark", Err: err}
	}
	return nil
}

// ClearWatermark rewinds the pull cursor for a collection so the next pull
// starts from the beginning. Re-applying already-known records is idempotent.
func (s *Store) ClearWatermark(ctx context.Context, entityType string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM _fieldsync_watermarks WHERE entity_type = ?
	`, entityType); err != nil {
		return &fieldsync.StorageError{Op: "clear watermark", Err: err}
	}
	return nil
}

// CompletePush applies a successful create/update acknowledgement for op. If
// the queue entry was superseded by a newer local edit while the push was in
// flight, the entry survives with its base version advanced to the server's
// answer instead of being dequeued; the newer edit still has to be sent.
func (s *Store) CompletePush(ctx context.Context, op *fieldsync.PendingOperation, rec *fieldsync.RemoteRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "complete push", Err: err}
	}
	defer tx.Rollback()

	var localTS, kind string
	err = tx.QueryRowContext(ctx, `
		SELECT local_ts, op FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?
	`, op.EntityType, op.EntityID).Scan(&localTS, &kind)
	superseded := err == nil && (localTS != fmtTime(op.LocalTimestamp) || kind != op.Kind)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &fieldsync.StorageError{Op: "complete push", Err: err}
	}

	if superseded {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_pending SET base_version = ?
			WHERE entity_type = ? AND entity_id = ? AND op != 'CREATE'
		`, rec.Version, op.EntityType, op.EntityID); err != nil {
			return &fieldsync.StorageError{Op: "complete push", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_entities SET version = ? WHERE entity_type = ? AND entity_id = ?
		`, rec.Version, op.EntityType, op.EntityID); err != nil {
			return &fieldsync.StorageError{Op: "complete push", Err: err}
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _fieldsync_entities
		SET sync_state = ?, version = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ?
	`, fieldsync.StateSynced, rec.Version, fmtTime(rec.UpdatedAt), op.EntityType, op.EntityID); err != nil {
		return &fieldsync.StorageError{Op: "complete push", Err: err}
	}
	if rec.Payload != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_entities SET payload = ? WHERE entity_type = ? AND entity_id = ?
		`, string(rec.Payload), op.EntityType, op.EntityID); err != nil {
			return &fieldsync.StorageError{Op: "complete push", Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?
	`, op.EntityType, op.EntityID); err != nil {
		return &fieldsync.StorageError{Op: "complete push", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _fieldsync_cache SET pinned = 0 WHERE key = ?
	`, cacheKey(op.EntityType, op.EntityID)); err != nil {
		return &fieldsync.StorageError{Op: "complete push", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "complete push", Err: err}
	}
	return nil
}

// CompleteDelete applies a successful remote delete for op. If the entity was
// re-created locally while the delete was in flight, the queued operation
// becomes a CREATE against the now-empty remote slot; otherwise the entity
// and all bookkeeping are removed.
func (s *Store) CompleteDelete(ctx context.Context, op *fieldsync.PendingOperation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "complete delete", Err: err}
	}
	defer tx.Rollback()

	var localTS, kind string
	err = tx.QueryRowContext(ctx, `
		SELECT local_ts, op FROM _fieldsync_pending WHERE entity_type = ? AND entity_id = ?
	`, op.EntityType, op.EntityID).Scan(&localTS, &kind)
	superseded := err == nil && (localTS != fmtTime(op.LocalTimestamp) || kind != fieldsync.OpDelete)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &fieldsync.StorageError{Op: "complete delete", Err: err}
	}

	if superseded {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_pending SET op = 'CREATE', base_version = 0
			WHERE entity_type = ? AND entity_id = ?
		`, op.EntityType, op.EntityID); err != nil {
			return &fieldsync.StorageError{Op: "complete delete", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_entities SET sync_state = ?, version = 0
			WHERE entity_type = ? AND entity_id = ?
		`, fieldsync.StatePendingCreate, op.EntityType, op.EntityID); err != nil {
			return &fieldsync.StorageError{Op: "complete delete", Err: err}
		}
		return tx.Commit()
	}

	if err := removeLocalInTx(ctx, tx, op.EntityType, op.EntityID); err != nil {
		return &fieldsync.StorageError{Op: "complete delete", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "complete delete", Err: err}
	}
	return nil
}

// ResetAttempts zeroes the retry counter so a needs-attention operation is
// picked up by the next push cycle.
func (s *Store) ResetAttempts(ctx context.Context, entityType, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE _fieldsync_pending SET attempt_count = 0 WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID); err != nil {
		return &fieldsync.StorageError{Op: "reset attempts", Err: err}
	}
	return nil
}
