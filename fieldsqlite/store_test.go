// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/natlog/go-fieldsync/fieldsync"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// In-memory databases are per-connection; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, nil)
	require.NoError(t, err)
	return store
}

func putPending(t *testing.T, store *Store, entityType, id string, version int64, payload, state string) {
	t.Helper()
	err := store.Put(context.Background(), &fieldsync.Entity{
		Type:    entityType,
		ID:      id,
		OwnerID: "user-1",
		Version: version,
		Payload: json.RawMessage(payload),
	}, state)
	require.NoError(t, err)
}

func TestInitializeSchema(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	_, err = NewStore(db, nil)
	require.NoError(t, err)

	expectedTables := []string{
		"_fieldsync_entities", "_fieldsync_pending", "_fieldsync_conflicts",
		"_fieldsync_cache", "_fieldsync_client_info", "_fieldsync_watermarks",
	}
	for _, table := range expectedTables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var journalMode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	// In-memory databases report "memory" instead of "wal".
	require.Contains(t, []string{"wal", "memory"}, journalMode)
}

func TestPutQueuesCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 0, `{"title":"one"}`, fieldsync.StatePendingCreate)

	entity, err := store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatePendingCreate, entity.SyncState)
	require.JSONEq(t, `{"title":"one"}`, string(entity.Payload))

	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.NotNil(t, op)
	require.Equal(t, fieldsync.OpCreate, op.Kind)
	require.Equal(t, int64(0), op.BaseVersion)
}

func TestGetMissingEntity(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "jobs", "nope")
	require.ErrorIs(t, err, fieldsync.ErrEntityNotFound)
}

func TestCoalesceCreateThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 0, `{"title":"one"}`, fieldsync.StatePendingCreate)
	putPending(t, store, "jobs", "j1", 0, `{"title":"two"}`, fieldsync.StatePendingUpdate)

	// The entity never reached the server, so the queue keeps a single
	// CREATE carrying the latest payload.
	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.OpCreate, op.Kind)
	require.Equal(t, int64(0), op.BaseVersion)
	require.JSONEq(t, `{"title":"two"}`, string(op.Payload))

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCoalesceUpdateThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 3, `{"title":"one"}`, fieldsync.StatePendingUpdate)
	putPending(t, store, "jobs", "j1", 3, `{"title":"two"}`, fieldsync.StatePendingUpdate)

	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.OpUpdate, op.Kind)
	require.Equal(t, int64(3), op.BaseVersion)
	require.JSONEq(t, `{"title":"two"}`, string(op.Payload))
}

func TestCoalesceCreateThenDeleteCancels(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 0, `{"title":"one"}`, fieldsync.StatePendingCreate)
	require.NoError(t, store.Delete(ctx, "jobs", "j1"))

	// The server never saw this row; deleting an unsynced create cancels both.
	_, err := store.Get(ctx, "jobs", "j1")
	require.ErrorIs(t, err, fieldsync.ErrEntityNotFound)

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestCoalesceUpdateThenDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 5, `{"title":"one"}`, fieldsync.StatePendingUpdate)
	require.NoError(t, store.Delete(ctx, "jobs", "j1"))

	entity, err := store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatePendingDelete, entity.SyncState)
	require.True(t, entity.Tombstoned())

	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.OpDelete, op.Kind)
	require.Equal(t, int64(5), op.BaseVersion)
	require.Nil(t, op.Payload)
}

func TestCoalesceDeleteThenReAdd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 2, `{"title":"one"}`, fieldsync.StatePendingUpdate)
	require.NoError(t, store.Delete(ctx, "jobs", "j1"))
	putPending(t, store, "jobs", "j1", 0, `{"title":"back"}`, fieldsync.StatePendingCreate)

	// The server still holds the old row, so the re-add travels as an UPDATE
	// against the version the delete was based on.
	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.OpUpdate, op.Kind)
	require.Equal(t, int64(2), op.BaseVersion)
	require.JSONEq(t, `{"title":"back"}`, string(op.Payload))
}

func TestQueryFilterAndPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 0, `{"n":1}`, fieldsync.StatePendingCreate)
	putPending(t, store, "jobs", "j2", 0, `{"n":2}`, fieldsync.StatePendingCreate)
	require.NoError(t, store.ApplyRemote(ctx, "jobs", &fieldsync.RemoteRecord{
		ID: "j3", OwnerID: "user-1", Version: 1, UpdatedAt: time.Now().UTC(),
		Payload: json.RawMessage(`{"n":3}`),
	}))
	putPending(t, store, "notes", "n1", 0, `{"n":4}`, fieldsync.StatePendingCreate)
	require.NoError(t, store.Delete(ctx, "jobs", "j3"))

	all, err := store.Query(ctx, QueryFilter{EntityType: "jobs"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	visible, err := store.Query(ctx, QueryFilter{EntityType: "jobs", ExcludeTombstones: true}, 0, 10)
	require.NoError(t, err)
	require.Len(t, visible, 2)
	require.Equal(t, "j1", visible[0].ID)
	require.Equal(t, "j2", visible[1].ID)

	pending, err := store.Query(ctx, QueryFilter{
		States: []string{fieldsync.StatePendingCreate},
	}, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	page0, err := store.Query(ctx, QueryFilter{EntityType: "jobs"}, 0, 2)
	require.NoError(t, err)
	require.Len(t, page0, 2)
	page1, err := store.Query(ctx, QueryFilter{EntityType: "jobs"}, 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 1)
	require.Equal(t, "j3", page1[0].ID)
}

func TestCompletePushMarksSynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 0, `{"title":"one"}`, fieldsync.StatePendingCreate)
	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)

	now := time.Now().UTC()
	err = store.CompletePush(ctx, op, &fieldsync.RemoteRecord{
		ID: "j1", Version: 1, UpdatedAt: now, Payload: json.RawMessage(`{"title":"one"}`),
	})
	require.NoError(t, err)

	entity, err := store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StateSynced, entity.SyncState)
	require.Equal(t, int64(1), entity.Version)

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	cache := NewCacheManager(store, nil)
	entry, err := cache.Entry(ctx, cacheKey("jobs", "j1"))
	require.NoError(t, err)
	require.False(t, entry.Pinned)
}

func TestCompletePushSupersededKeepsQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 1, `{"title":"v1"}`, fieldsync.StatePendingUpdate)
	inFlight, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)

	// A newer local edit lands while the first one is being uploaded.
	time.Sleep(2 * time.Millisecond)
	putPending(t, store, "jobs", "j1", 1, `{"title":"v2"}`, fieldsync.StatePendingUpdate)

	err = store.CompletePush(ctx, inFlight, &fieldsync.RemoteRecord{
		ID: "j1", Version: 2, UpdatedAt: time.Now().UTC(), Payload: json.RawMessage(`{"title":"v1"}`),
	})
	require.NoError(t, err)

	// The newer edit stays queued, re-based onto the acknowledged version,
	// and the local payload is not clobbered by the server echo.
	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.NotNil(t, op)
	require.Equal(t, int64(2), op.BaseVersion)
	require.JSONEq(t, `{"title":"v2"}`, string(op.Payload))

	entity, err := store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatePendingUpdate, entity.SyncState)
	require.JSONEq(t, `{"title":"v2"}`, string(entity.Payload))
}

func TestCompleteDeleteRemovesEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 1, `{"title":"one"}`, fieldsync.StatePendingUpdate)
	require.NoError(t, store.Delete(ctx, "jobs", "j1"))
	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)

	require.NoError(t, store.CompleteDelete(ctx, op))

	_, err = store.Get(ctx, "jobs", "j1")
	require.ErrorIs(t, err, fieldsync.ErrEntityNotFound)
	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestCompleteDeleteAfterReAdd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 1, `{"title":"one"}`, fieldsync.StatePendingUpdate)
	require.NoError(t, store.Delete(ctx, "jobs", "j1"))
	inFlight, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)

	// The row is re-added locally while the delete uploads.
	time.Sleep(2 * time.Millisecond)
	putPending(t, store, "jobs", "j1", 0, `{"title":"back"}`, fieldsync.StatePendingCreate)

	require.NoError(t, store.CompleteDelete(ctx, inFlight))

	// The remote slot is empty now, so the re-add becomes a CREATE.
	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.OpCreate, op.Kind)
	require.Equal(t, int64(0), op.BaseVersion)

	entity, err := store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatePendingCreate, entity.SyncState)
}

func TestClearPreservesPendingData(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "synced", 1, `{"n":1}`, fieldsync.StatePendingCreate)
	op, err := store.PendingFor(ctx, "jobs", "synced")
	require.NoError(t, err)
	require.NoError(t, store.CompletePush(ctx, op, &fieldsync.RemoteRecord{
		ID: "synced", Version: 1, UpdatedAt: time.Now().UTC(),
	}))
	putPending(t, store, "jobs", "dirty", 0, `{"n":2}`, fieldsync.StatePendingCreate)

	require.NoError(t, store.Clear(ctx, true))

	_, err = store.Get(ctx, "jobs", "synced")
	require.ErrorIs(t, err, fieldsync.ErrEntityNotFound)

	entity, err := store.Get(ctx, "jobs", "dirty")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatePendingCreate, entity.SyncState)
	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestClearKeepsExactlyThePendingSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// 30 entities, the first 12 with unsynced local work.
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("j%02d", i)
		if i < 12 {
			putPending(t, store, "jobs", id, 0, `{"dirty":true}`, fieldsync.StatePendingCreate)
			continue
		}
		require.NoError(t, store.ApplyRemote(ctx, "jobs", &fieldsync.RemoteRecord{
			ID: id, Version: 1, UpdatedAt: time.Now().UTC(),
			Payload: json.RawMessage(`{"dirty":false}`),
		}))
	}

	require.NoError(t, store.Clear(ctx, true))

	remaining, err := store.Query(ctx, QueryFilter{EntityType: "jobs"}, 0, 100)
	require.NoError(t, err)
	require.Len(t, remaining, 12)
	for _, e := range remaining {
		require.NotEqual(t, fieldsync.StateSynced, e.SyncState)
	}
}

func TestConflictLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 1, `{"title":"mine"}`, fieldsync.StatePendingUpdate)

	conflict := &fieldsync.SyncConflict{
		EntityType:    "jobs",
		EntityID:      "j1",
		Type:          fieldsync.ConflictConcurrentEdit,
		LocalData:     json.RawMessage(`{"title":"mine"}`),
		RemoteData:    json.RawMessage(`{"title":"theirs"}`),
		LocalVersion:  1,
		RemoteVersion: 2,
		DetectedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.SaveConflict(ctx, conflict))
	// Detecting the same divergence twice is a no-op.
	require.NoError(t, store.SaveConflict(ctx, conflict))

	entity, err := store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StateConflicted, entity.SyncState)

	conflicts, err := store.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, fieldsync.ConflictConcurrentEdit, conflicts[0].Type)

	got, err := store.GetConflict(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"theirs"}`, string(got.RemoteData))

	require.NoError(t, store.DeleteConflict(ctx, "jobs", "j1"))
	_, err = store.GetConflict(ctx, "jobs", "j1")
	require.ErrorIs(t, err, fieldsync.ErrConflictNotFound)
}

func TestAttemptCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 0, `{"n":1}`, fieldsync.StatePendingCreate)

	n, err := store.IncrementAttempt(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = store.IncrementAttempt(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// A fresh local edit supersedes the struggling one and resets the counter.
	putPending(t, store, "jobs", "j1", 0, `{"n":2}`, fieldsync.StatePendingUpdate)
	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, 0, op.AttemptCount)

	_, err = store.IncrementAttempt(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.NoError(t, store.ResetAttempts(ctx, "jobs", "j1"))
	op, err = store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, 0, op.AttemptCount)
}

func TestWatermarks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wm, err := store.Watermark(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, wm.IsZero())

	stamp := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	require.NoError(t, store.SetWatermark(ctx, "jobs", stamp))

	wm, err = store.Watermark(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, stamp.Equal(wm))

	// Collections track independent watermarks.
	wm, err = store.Watermark(ctx, "notes")
	require.NoError(t, err)
	require.True(t, wm.IsZero())
}

func TestApplyRemoteIfNoPendingKeepsLocalEdit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.ApplyRemote(ctx, "jobs", &fieldsync.RemoteRecord{
		ID: "j1", OwnerID: "user-1", Version: 1, UpdatedAt: now,
		Payload: json.RawMessage(`{"title":"v1"}`),
	}))
	// A local edit commits after the sync cycle decided the entity was clean.
	putPending(t, store, "jobs", "j1", 1, `{"title":"local edit"}`, fieldsync.StatePendingUpdate)

	remote := &fieldsync.RemoteRecord{
		ID: "j1", OwnerID: "user-1", Version: 2, UpdatedAt: now.Add(time.Second),
		Payload: json.RawMessage(`{"title":"remote v2"}`),
	}
	applied, err := store.ApplyRemoteIfNoPending(ctx, "jobs", remote)
	require.NoError(t, err)
	require.False(t, applied)

	// The queued edit must survive the remote apply.
	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.NotNil(t, op)
	entity, err := store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"local edit"}`, string(entity.Payload))

	// With the queue drained the same record applies normally.
	require.NoError(t, store.DeletePending(ctx, "jobs", "j1"))
	applied, err = store.ApplyRemoteIfNoPending(ctx, "jobs", remote)
	require.NoError(t, err)
	require.True(t, applied)
	entity, err = store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StateSynced, entity.SyncState)
	require.Equal(t, int64(2), entity.Version)
	require.JSONEq(t, `{"title":"remote v2"}`, string(entity.Payload))
}

func TestApplyRemoteIfNoPendingTombstoneRemovesEntity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.ApplyRemote(ctx, "jobs", &fieldsync.RemoteRecord{
		ID: "j1", OwnerID: "user-1", Version: 1, UpdatedAt: now,
		Payload: json.RawMessage(`{"title":"v1"}`),
	}))

	applied, err := store.ApplyRemoteIfNoPending(ctx, "jobs", &fieldsync.RemoteRecord{
		ID: "j1", OwnerID: "user-1", Version: 2, UpdatedAt: now.Add(time.Second),
		Deleted: true,
	})
	require.NoError(t, err)
	require.True(t, applied)
	_, err = store.Get(ctx, "jobs", "j1")
	require.ErrorIs(t, err, fieldsync.ErrEntityNotFound)
}

func TestWritesToConflictedEntityRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 1, `{"title":"mine"}`, fieldsync.StatePendingUpdate)
	require.NoError(t, store.SaveConflict(ctx, &fieldsync.SyncConflict{
		EntityType:    "jobs",
		EntityID:      "j1",
		Type:          fieldsync.ConflictConcurrentEdit,
		LocalData:     json.RawMessage(`{"title":"mine"}`),
		RemoteData:    json.RawMessage(`{"title":"theirs"}`),
		LocalVersion:  1,
		RemoteVersion: 2,
		DetectedAt:    time.Now().UTC(),
	}))

	err := store.Put(ctx, &fieldsync.Entity{
		Type: "jobs", ID: "j1", OwnerID: "user-1", Version: 1,
		Payload: json.RawMessage(`{"title":"editing past it"}`),
	}, fieldsync.StatePendingUpdate)
	require.ErrorIs(t, err, fieldsync.ErrEntityConflicted)
	require.ErrorIs(t, store.Delete(ctx, "jobs", "j1"), fieldsync.ErrEntityConflicted)

	// Both divergent sides are still intact.
	got, err := store.GetConflict(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"theirs"}`, string(got.RemoteData))
	entity, err := store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StateConflicted, entity.SyncState)
	require.JSONEq(t, `{"title":"mine"}`, string(entity.Payload))
}

func TestApplyRemoteOverwritesSynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.ApplyRemote(ctx, "jobs", &fieldsync.RemoteRecord{
		ID: "j1", OwnerID: "user-1", Version: 1, UpdatedAt: now,
		Payload: json.RawMessage(`{"title":"v1"}`),
	}))
	require.NoError(t, store.ApplyRemote(ctx, "jobs", &fieldsync.RemoteRecord{
		ID: "j1", OwnerID: "user-1", Version: 2, UpdatedAt: now.Add(time.Second),
		Payload: json.RawMessage(`{"title":"v2"}`),
	}))

	entity, err := store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StateSynced, entity.SyncState)
	require.Equal(t, int64(2), entity.Version)
	require.JSONEq(t, `{"title":"v2"}`, string(entity.Payload))
}
