// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"sync"
	"time"

	"github.com/natlog/go-fieldsync/fieldsync"
)

// AttentionItem is a queued operation that could not be completed
// automatically: attempts were exhausted or the remote rejected the payload.
// The operation remains queued; the item names it for the caller.
type AttentionItem struct {
	EntityType string
	EntityID   string
	Reason     string
}

// SyncStatus is the observable state of the engine, readable by the UI and
// the cache layer alike.
type SyncStatus struct {
	IsConnected    bool
	SyncInProgress bool
	LastSyncAt     time.Time
	PendingCount   int
	// CachePressure reports that the last eviction pass could not get under
	// CacheLimitBytes because only pinned (unsynced) entries remained.
	CachePressure  bool
	Conflicts      []fieldsync.SyncConflict
	NeedsAttention []AttentionItem
}

// statusBoard holds the current SyncStatus and fans updates out to
// subscribers.
type statusBoard struct {
	mu   sync.Mutex
	cur  SyncStatus
	subs []func(SyncStatus)
}

func (b *statusBoard) snapshot() SyncStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyStatus(b.cur)
}

func copyStatus(s SyncStatus) SyncStatus {
	out := s
	out.Conflicts = make([]fieldsync.SyncConflict, len(s.Conflicts))
	copy(out.Conflicts, s.Conflicts)
	out.NeedsAttention = make([]AttentionItem, len(s.NeedsAttention))
	copy(out.NeedsAttention, s.NeedsAttention)
	return out
}

func (b *statusBoard) subscribe(fn func(SyncStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// update applies mutate under the lock and notifies subscribers with a copy.
func (b *statusBoard) update(mutate func(*SyncStatus)) {
	b.mu.Lock()
	mutate(&b.cur)
	snapshot := copyStatus(b.cur)
	subs := make([]func(SyncStatus), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}
