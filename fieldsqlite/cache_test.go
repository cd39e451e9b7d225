// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/natlog/go-fieldsync/fieldsync"
)

func newTestCache(t *testing.T) (*CacheManager, *Store) {
	t.Helper()
	store := newTestStore(t)
	return NewCacheManager(store, nil), store
}

func TestCacheAccounting(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	size, err := cache.CurrentSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), size)

	require.NoError(t, cache.PutEntry(ctx, "media/photo-1", 1000, false))
	require.NoError(t, cache.PutEntry(ctx, "media/photo-2", 500, false))

	size, err = cache.CurrentSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1500), size)

	// Re-registering a key replaces its size instead of double counting.
	require.NoError(t, cache.PutEntry(ctx, "media/photo-1", 800, false))
	size, err = cache.CurrentSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1300), size)

	require.Error(t, cache.PutEntry(ctx, "media/photo-3", -1, false))
}

func TestEvictLRUOrder(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.PutEntry(ctx, "a", 100, false))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, cache.PutEntry(ctx, "b", 100, false))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, cache.PutEntry(ctx, "c", 100, false))

	// Touching "a" moves it to the most-recent end.
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, cache.RecordAccess(ctx, "a"))

	evicted, err := cache.EvictUntilUnder(ctx, 200)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	// "b" was least recently used.
	_, err = cache.Entry(ctx, "b")
	require.ErrorIs(t, err, fieldsync.ErrEntityNotFound)
	_, err = cache.Entry(ctx, "a")
	require.NoError(t, err)
	_, err = cache.Entry(ctx, "c")
	require.NoError(t, err)

	// Already under the limit: nothing more to do.
	evicted, err = cache.EvictUntilUnder(ctx, 200)
	require.NoError(t, err)
	require.Equal(t, 0, evicted)
}

func TestEvictNeverTouchesPinned(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	// An entity with unsynced work is pinned automatically by the store.
	putPending(t, store, "jobs", "j1", 0, `{"big":"payload"}`, fieldsync.StatePendingCreate)
	require.NoError(t, cache.PutEntry(ctx, "media/clip", 10_000, true))
	require.NoError(t, cache.PutEntry(ctx, "media/evictable", 100, false))

	evicted, err := cache.EvictUntilUnder(ctx, 0)
	require.ErrorIs(t, err, fieldsync.ErrCachePressure)
	require.Equal(t, 1, evicted)

	// Pinned entries and the unsynced entity survive the pressure.
	_, err = cache.Entry(ctx, "media/clip")
	require.NoError(t, err)
	entity, err := store.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatePendingCreate, entity.SyncState)

	// The signal repeats deterministically while the pressure persists.
	evicted, err = cache.EvictUntilUnder(ctx, 0)
	require.ErrorIs(t, err, fieldsync.ErrCachePressure)
	require.Equal(t, 0, evicted)
}

func TestEvictRemovesSyncedEntityRows(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyRemote(ctx, "jobs", &fieldsync.RemoteRecord{
		ID: "j1", Version: 1, UpdatedAt: time.Now().UTC(),
		Payload: json.RawMessage(`{"title":"cached"}`),
	}))

	evicted, err := cache.EvictUntilUnder(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	// A synced entity is safe to drop; it can be re-pulled.
	_, err = store.Get(ctx, "jobs", "j1")
	require.ErrorIs(t, err, fieldsync.ErrEntityNotFound)
}

func TestEvictUnpinsAfterSync(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "j1", 0, `{"title":"one"}`, fieldsync.StatePendingCreate)
	evicted, err := cache.EvictUntilUnder(ctx, 0)
	require.ErrorIs(t, err, fieldsync.ErrCachePressure)
	require.Equal(t, 0, evicted)

	// Once acknowledged, the entry unpins and becomes evictable.
	op, err := store.PendingFor(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.NoError(t, store.CompletePush(ctx, op, &fieldsync.RemoteRecord{
		ID: "j1", Version: 1, UpdatedAt: time.Now().UTC(),
	}))

	evicted, err = cache.EvictUntilUnder(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)
}

func TestClearAllPreservesPinned(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	putPending(t, store, "jobs", "dirty", 0, `{"n":1}`, fieldsync.StatePendingCreate)
	require.NoError(t, store.ApplyRemote(ctx, "jobs", &fieldsync.RemoteRecord{
		ID: "clean", Version: 1, UpdatedAt: time.Now().UTC(),
		Payload: json.RawMessage(`{"n":2}`),
	}))
	require.NoError(t, cache.PutEntry(ctx, "media/keep", 10, true))
	require.NoError(t, cache.PutEntry(ctx, "media/drop", 10, false))

	require.NoError(t, cache.ClearAll(ctx, true))

	_, err := cache.Entry(ctx, "media/keep")
	require.NoError(t, err)
	_, err = cache.Entry(ctx, "media/drop")
	require.ErrorIs(t, err, fieldsync.ErrEntityNotFound)

	_, err = store.Get(ctx, "jobs", "dirty")
	require.NoError(t, err)
	_, err = store.Get(ctx, "jobs", "clean")
	require.ErrorIs(t, err, fieldsync.ErrEntityNotFound)
}
