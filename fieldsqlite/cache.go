// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/natlog/go-fieldsync/fieldsync"
)

// CacheEntry is a single accounted item in the bounded cache. Entries linked
// to an entity are pinned whenever that entity holds unsynced work; free-form
// entries (media blobs and the like) are pinned explicitly by the caller.
type CacheEntry struct {
	Key          string
	EntityType   string
	EntityID     string
	SizeBytes    int64
	LastAccessed time.Time
	Pinned       bool
}

// CacheManager bounds the storage consumed by cached entities and media. It
// evicts strictly least-recently-used among unpinned entries and never evicts
// a pinned entry, even when that means the limit cannot be reached.
type CacheManager struct {
	store  *Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewCacheManager returns a manager over the store's cache accounting table.
func NewCacheManager(store *Store, logger *slog.Logger) *CacheManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheManager{store: store, logger: logger, nowFn: time.Now}
}

// PutEntry registers or refreshes a free-form cache entry (e.g. a downloaded
// photo). Entity-linked entries are maintained automatically by the store.
func (m *CacheManager) PutEntry(ctx context.Context, key string, sizeBytes int64, pinned bool) error {
	if sizeBytes < 0 {
		return fmt.Errorf("cache entry size must not be negative: %d", sizeBytes)
	}
	m.store.writeMu.Lock()
	defer m.store.writeMu.Unlock()

	p := 0
	if pinned {
		p = 1
	}
	if _, err := m.store.db.ExecContext(ctx, `
		INSERT INTO _fieldsync_cache (key, size_bytes, last_accessed, pinned)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			last_accessed = excluded.last_accessed,
			pinned = excluded.pinned
	`, key, sizeBytes, m.nowFn().UnixNano(), p); err != nil {
		return &fieldsync.StorageError{Op: "cache put", Err: err}
	}
	return nil
}

// RecordAccess refreshes the LRU position of an entry. Unknown keys are a
// no-op.
func (m *CacheManager) RecordAccess(ctx context.Context, key string) error {
	m.store.writeMu.Lock()
	defer m.store.writeMu.Unlock()
	if _, err := m.store.db.ExecContext(ctx, `
		UPDATE _fieldsync_cache SET last_accessed = ? WHERE key = ?
	`, m.nowFn().UnixNano(), key); err != nil {
		return &fieldsync.StorageError{Op: "cache access", Err: err}
	}
	return nil
}

// Pin marks an entry ineligible for eviction; Unpin reverses it. Entity-linked
// entries follow their entity's sync state instead.
func (m *CacheManager) Pin(ctx context.Context, key string) error   { return m.setPinned(ctx, key, 1) }
func (m *CacheManager) Unpin(ctx context.Context, key string) error { return m.setPinned(ctx, key, 0) }

func (m *CacheManager) setPinned(ctx context.Context, key string, pinned int) error {
	m.store.writeMu.Lock()
	defer m.store.writeMu.Unlock()
	if _, err := m.store.db.ExecContext(ctx, `
		UPDATE _fieldsync_cache SET pinned = ? WHERE key = ?
	`, pinned, key); err != nil {
		return &fieldsync.StorageError{Op: "cache pin", Err: err}
	}
	return nil
}

// CurrentSize returns the total accounted bytes. It is deterministic across
// repeated calls absent mutation and never negative.
func (m *CacheManager) CurrentSize(ctx context.Context) (int64, error) {
	var size sql.NullInt64
	if err := m.store.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0) FROM _fieldsync_cache
	`).Scan(&size); err != nil {
		return 0, &fieldsync.StorageError{Op: "cache size", Err: err}
	}
	if !size.Valid || size.Int64 < 0 {
		return 0, nil
	}
	return size.Int64, nil
}

// Entry returns the accounting row for key.
func (m *CacheManager) Entry(ctx context.Context, key string) (*CacheEntry, error) {
	var e CacheEntry
	var accessed int64
	var pinned int
	err := m.store.db.QueryRowContext(ctx, `
		SELECT key, entity_type, entity_id, size_bytes, last_accessed, pinned
		FROM _fieldsync_cache WHERE key = ?
	`, key).Scan(&e.Key, &e.EntityType, &e.EntityID, &e.SizeBytes, &accessed, &pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fieldsync.ErrEntityNotFound
	}
	if err != nil {
		return nil, &fieldsync.StorageError{Op: "cache entry", Err: err}
	}
	e.LastAccessed = time.Unix(0, accessed)
	e.Pinned = pinned == 1
	return &e, nil
}

// EvictUntilUnder removes least-recently-used unpinned entries until the
// total size is at or under limit. Evicting an entity-linked entry also
// removes the synced entity row (it can be re-pulled). Idempotent: when
// already under the limit nothing happens. When pinned entries alone exceed
// the limit, eviction stops and ErrCachePressure is returned; unsynced data
// is never deleted for storage pressure.
func (m *CacheManager) EvictUntilUnder(ctx context.Context, limit int64) (evicted int, err error) {
	if limit < 0 {
		limit = 0
	}
	m.store.writeMu.Lock()
	defer m.store.writeMu.Unlock()

	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &fieldsync.StorageError{Op: "evict", Err: err}
	}
	defer tx.Rollback()

	total, err := totalCacheSizeInTx(ctx, tx)
	if err != nil {
		return 0, &fieldsync.StorageError{Op: "evict", Err: err}
	}

	for total > limit {
		var key, entityType, entityID string
		var size int64
		err := tx.QueryRowContext(ctx, `
			SELECT key, entity_type, entity_id, size_bytes
			FROM _fieldsync_cache
			WHERE pinned = 0
			ORDER BY last_accessed ASC, key ASC
			LIMIT 1
		`).Scan(&key, &entityType, &entityID, &size)
		if errors.Is(err, sql.ErrNoRows) {
			// Only pinned entries remain above the limit.
			if commitErr := tx.Commit(); commitErr != nil {
				return evicted, &fieldsync.StorageError{Op: "evict", Err: commitErr}
			}
			m.logger.Warn("Cache limit unreachable: remaining entries are pinned",
				"limit", limit, "size", total)
			return evicted, fieldsync.ErrCachePressure
		}
		if err != nil {
			return evicted, &fieldsync.StorageError{Op: "evict", Err: err}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM _fieldsync_cache WHERE key = ?`, key); err != nil {
			return evicted, &fieldsync.StorageError{Op: "evict", Err: err}
		}
		if entityType != "" && entityID != "" {
			// Guard on sync_state: an unpinned cache row must never take a
			// non-synced entity with it.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM _fieldsync_entities
				WHERE entity_type = ? AND entity_id = ? AND sync_state = ?
			`, entityType, entityID, fieldsync.StateSynced); err != nil {
				return evicted, &fieldsync.StorageError{Op: "evict", Err: err}
			}
		}
		total -= size
		evicted++
	}

	if err := tx.Commit(); err != nil {
		return evicted, &fieldsync.StorageError{Op: "evict", Err: err}
	}
	return evicted, nil
}

func totalCacheSizeInTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var size int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM _fieldsync_cache`).Scan(&size)
	return size, err
}

// ClearAll removes every unpinned cache entry (and the synced entities they
// account for). Pinned entries survive regardless of preservePinned: clearing
// a cache must not discard unsynced work.
func (m *CacheManager) ClearAll(ctx context.Context, preservePinned bool) error {
	if !preservePinned {
		m.logger.Warn("ClearAll requested without preservePinned; pinned entries are retained anyway")
	}
	m.store.writeMu.Lock()
	defer m.store.writeMu.Unlock()

	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return &fieldsync.StorageError{Op: "cache clear", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _fieldsync_entities WHERE sync_state = ? AND EXISTS (
			SELECT 1 FROM _fieldsync_cache c
			WHERE c.entity_type = _fieldsync_entities.entity_type
			  AND c.entity_id = _fieldsync_entities.entity_id
			  AND c.pinned = 0
		)
	`, fieldsync.StateSynced); err != nil {
		return &fieldsync.StorageError{Op: "cache clear", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _fieldsync_cache WHERE pinned = 0`); err != nil {
		return &fieldsync.StorageError{Op: "cache clear", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &fieldsync.StorageError{Op: "cache clear", Err: err}
	}
	return nil
}
