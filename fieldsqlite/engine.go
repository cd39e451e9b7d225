// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/natlog/go-fieldsync/fieldsync"
)

// SyncEngine drives push and pull cycles against the remote service. Cycles
// run one at a time; within a push cycle the coalesced queue guarantees at
// most one in-flight operation per entity, and MaxParallelSyncs bounds how
// many distinct entities upload concurrently.
type SyncEngine struct {
	store   *Store
	cache   *CacheManager
	remote  *remoteClient
	monitor *ConnectivityMonitor
	merges  *fieldsync.MergeRegistry
	config  *Config
	logger  *slog.Logger
	status  *statusBoard

	pushPaused atomic.Bool
	pullPaused atomic.Bool

	syncMu sync.Mutex

	attnMu    sync.Mutex
	attention map[fieldsync.Key]string

	syncRequests chan struct{}

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewSyncEngine wires a sync engine over the given store and remote client.
// After every cycle the engine evicts the cache down to CacheLimitBytes.
func NewSyncEngine(store *Store, cache *CacheManager, remote *remoteClient, monitor *ConnectivityMonitor, merges *fieldsync.MergeRegistry, config *Config, logger *slog.Logger) *SyncEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{
		store:        store,
		cache:        cache,
		remote:       remote,
		monitor:      monitor,
		merges:       merges,
		config:       config,
		logger:       logger,
		status:       &statusBoard{},
		attention:    make(map[fieldsync.Key]string),
		syncRequests: make(chan struct{}, 1),
		nowFn:        time.Now,
		sleepFn:      sleepWithContext,
	}
}

// Start launches the periodic sync loop and subscribes to connectivity
// transitions so a reconnect triggers an immediate cycle. It returns
// immediately; the loop stops when ctx is cancelled.
func (e *SyncEngine) Start(ctx context.Context) {
	e.monitor.OnChange(func(connected bool) {
		e.status.update(func(s *SyncStatus) { s.IsConnected = connected })
		if connected {
			e.RequestSync()
		}
	})
	go e.run(ctx)
}

func (e *SyncEngine) run(ctx context.Context) {
	ticker := time.NewTicker(e.config.PullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.syncRequests:
		}
		if err := e.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("sync cycle finished with errors", "error", err)
		}
	}
}

// RequestSync schedules a sync cycle as soon as the loop is free. Requests
// arriving while one is already scheduled are collapsed into it.
func (e *SyncEngine) RequestSync() {
	select {
	case e.syncRequests <- struct{}{}:
	default:
	}
}

// SyncNow runs one push cycle followed by one pull cycle and returns the
// combined errors, if any.
func (e *SyncEngine) SyncNow(ctx context.Context) error {
	pushErr := e.Push(ctx)
	pullErr := e.Pull(ctx)
	return errors.Join(pushErr, pullErr)
}

// Status returns a snapshot of the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	return e.status.snapshot()
}

// Subscribe registers fn to receive a status snapshot after every change.
func (e *SyncEngine) Subscribe(fn func(SyncStatus)) {
	e.status.subscribe(fn)
}

// PausePush stops queued operations from uploading. Local writes keep
// queueing; pull is unaffected.
func (e *SyncEngine) PausePush() { e.pushPaused.Store(true) }

// ResumePush re-enables uploads and schedules a cycle.
func (e *SyncEngine) ResumePush() {
	e.pushPaused.Store(false)
	e.RequestSync()
}

// PausePull stops downloading remote changes. Push is unaffected.
func (e *SyncEngine) PausePull() { e.pullPaused.Store(true) }

// ResumePull re-enables downloads and schedules a cycle.
func (e *SyncEngine) ResumePull() {
	e.pullPaused.Store(false)
	e.RequestSync()
}

// Push uploads every eligible queued operation. Entities with an open
// conflict, an unacknowledged rejection or exhausted attempts are skipped;
// the rest upload with at most MaxParallelSyncs entities in flight. An auth
// failure cancels the remainder of the cycle.
func (e *SyncEngine) Push(ctx context.Context) error {
	if e.pushPaused.Load() || !e.monitor.IsConnected() {
		return nil
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.status.update(func(s *SyncStatus) { s.SyncInProgress = true })
	defer e.finishCycle(ctx)

	ops, err := e.store.ListPending(ctx)
	if err != nil {
		return err
	}
	conflicted, err := e.conflictedKeys(ctx)
	if err != nil {
		return err
	}

	pushCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, e.config.MaxParallelSyncs)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error

	for _, op := range ops {
		if conflicted[op.Key()] || e.hasAttention(op.Key()) {
			continue
		}
		if op.AttemptCount >= e.config.MaxAttempts {
			e.setAttention(op.Key(), "retry attempts exhausted")
			continue
		}
		if pushCtx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(op *fieldsync.PendingOperation) {
			defer wg.Done()
			defer func() { <-sem }()
			if pushCtx.Err() != nil {
				return
			}
			if err := e.pushOne(pushCtx, op); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
				var authErr *fieldsync.AuthError
				if errors.As(err, &authErr) {
					cancel()
				}
			}
		}(op)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// pushOne uploads a single operation, retrying transient failures with
// exponential backoff until MaxAttempts.
func (e *SyncEngine) pushOne(ctx context.Context, op *fieldsync.PendingOperation) error {
	key := op.Key()
	for {
		var rec *fieldsync.RemoteRecord
		var err error
		switch op.Kind {
		case fieldsync.OpCreate:
			rec, err = e.remote.create(ctx, op.EntityType, op)
		case fieldsync.OpUpdate:
			rec, err = e.remote.update(ctx, op.EntityType, op)
		case fieldsync.OpDelete:
			err = e.remote.delete(ctx, op.EntityType, op.EntityID)
		default:
			return fmt.Errorf("unknown operation kind %q", op.Kind)
		}
		if err == nil {
			e.logger.Debug("pushed operation",
				"op", op.Kind, "entity_type", op.EntityType, "entity_id", op.EntityID)
			if op.Kind == fieldsync.OpDelete {
				return e.store.CompleteDelete(ctx, op)
			}
			return e.store.CompletePush(ctx, op, rec)
		}

		var conflictErr *fieldsync.ConflictError
		var authErr *fieldsync.AuthError
		var validationErr *fieldsync.ValidationError
		switch {
		case fieldsync.IsTransient(err):
			if ctx.Err() != nil {
				// Cancellation aborted the request; the operation was not
				// refused, so the attempt counter stays untouched.
				return ctx.Err()
			}
			attempts, incErr := e.store.IncrementAttempt(ctx, op.EntityType, op.EntityID)
			if incErr != nil {
				return incErr
			}
			if attempts >= e.config.MaxAttempts {
				e.setAttention(key, "retry attempts exhausted")
				e.logger.Warn("upload attempts exhausted, operation stays queued",
					"entity_type", op.EntityType, "entity_id", op.EntityID, "error", err)
				return fmt.Errorf("upload of %s/%s failed permanently: %w", op.EntityType, op.EntityID, err)
			}
			delay := e.backoffFor(attempts)
			e.logger.Debug("transient upload failure, backing off",
				"entity_type", op.EntityType, "entity_id", op.EntityID,
				"attempt", attempts, "delay", delay)
			if sleepErr := e.sleepFn(ctx, delay); sleepErr != nil {
				return sleepErr
			}
		case errors.As(err, &conflictErr):
			return e.recordPushConflict(ctx, op, conflictErr)
		case errors.As(err, &authErr):
			e.logger.Warn("authentication failed, halting push cycle", "error", err)
			return err
		case errors.As(err, &validationErr):
			e.setAttention(key, "rejected by remote: "+validationErr.Message)
			e.logger.Warn("operation rejected by remote, kept queued",
				"entity_type", op.EntityType, "entity_id", op.EntityID, "error", err)
			return err
		default:
			return err
		}
	}
}

// recordPushConflict turns a remote version rejection into a durable
// SyncConflict and suspends the entity's uploads until resolved. A delete
// rejected because the record is already gone remotely is not a conflict;
// the local side is simply cleaned up.
func (e *SyncEngine) recordPushConflict(ctx context.Context, op *fieldsync.PendingOperation, conflictErr *fieldsync.ConflictError) error {
	if op.Kind == fieldsync.OpDelete && (conflictErr.Remote == nil || conflictErr.Remote.Deleted) {
		return e.store.RemoveLocal(ctx, op.EntityType, op.EntityID)
	}

	conflictType := fieldsync.ConflictConcurrentEdit
	switch {
	case op.Kind == fieldsync.OpDelete, conflictErr.Remote == nil, conflictErr.Remote != nil && conflictErr.Remote.Deleted:
		conflictType = fieldsync.ConflictDeleteEdit
	case op.Kind == fieldsync.OpCreate:
		conflictType = fieldsync.ConflictVersionMismatch
	}

	c := &fieldsync.SyncConflict{
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		Type:           conflictType,
		LocalData:      op.Payload,
		LocalVersion:   op.BaseVersion,
		LocalTimestamp: op.LocalTimestamp,
		DetectedAt:     e.nowFn(),
	}
	if conflictErr.Remote != nil && !conflictErr.Remote.Deleted {
		c.RemoteData = conflictErr.Remote.Payload
		c.RemoteVersion = conflictErr.Remote.Version
		c.RemoteTimestamp = conflictErr.Remote.UpdatedAt
	} else if conflictErr.Remote != nil {
		c.RemoteVersion = conflictErr.Remote.Version
		c.RemoteTimestamp = conflictErr.Remote.UpdatedAt
	}

	if err := e.store.SaveConflict(ctx, c); err != nil {
		return err
	}
	e.logger.Info("conflict detected during push",
		"entity_type", op.EntityType, "entity_id", op.EntityID, "type", conflictType)
	return nil
}

// Pull downloads remote changes for every collection, advancing each
// collection's watermark as pages apply. Records touching an entity with a
// queued local edit are compared against the edit's base version; divergence
// becomes a durable conflict instead of overwriting local data.
func (e *SyncEngine) Pull(ctx context.Context) error {
	if e.pullPaused.Load() || !e.monitor.IsConnected() {
		return nil
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.status.update(func(s *SyncStatus) { s.SyncInProgress = true })
	defer e.finishCycle(ctx)

	var errs []error
	for _, collection := range e.config.Collections {
		if err := e.pullCollection(ctx, collection); err != nil {
			errs = append(errs, fmt.Errorf("pull %s: %w", collection, err))
			var authErr *fieldsync.AuthError
			if errors.As(err, &authErr) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (e *SyncEngine) pullCollection(ctx context.Context, collection string) error {
	since, err := e.store.Watermark(ctx, collection)
	if err != nil {
		return err
	}

	page := 0
	newest := since
	for {
		resp, err := e.remote.pull(ctx, collection, since, page, e.config.PageSize)
		if err != nil {
			return err
		}
		for i := range resp.Records {
			rec := &resp.Records[i]
			if err := e.applyRemote(ctx, collection, rec); err != nil {
				return err
			}
			if rec.UpdatedAt.After(newest) {
				newest = rec.UpdatedAt
			}
		}
		if newest.After(since) {
			if err := e.store.SetWatermark(ctx, collection, newest); err != nil {
				return err
			}
		}
		if !resp.HasMore {
			return nil
		}
		page = resp.NextPage
	}
}

// applyRemote folds one downloaded record into the local store. Applying the
// same record twice is a no-op.
func (e *SyncEngine) applyRemote(ctx context.Context, collection string, rec *fieldsync.RemoteRecord) error {
	entity, err := e.store.Get(ctx, collection, rec.ID)
	if err != nil && !errors.Is(err, fieldsync.ErrEntityNotFound) {
		return err
	}
	if entity != nil && entity.SyncState == fieldsync.StateConflicted {
		// An open conflict already holds both sides; resolution re-pulls.
		return nil
	}

	pending, err := e.store.PendingFor(ctx, collection, rec.ID)
	if err != nil {
		return err
	}

	if pending == nil {
		if rec.Deleted && entity == nil {
			return nil
		}
		if !rec.Deleted && entity != nil && entity.Version >= rec.Version {
			return nil
		}
		applied, err := e.store.ApplyRemoteIfNoPending(ctx, collection, rec)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		// A local edit committed between the check above and the apply;
		// re-read it and fall through to the divergence handling below.
		pending, err = e.store.PendingFor(ctx, collection, rec.ID)
		if err != nil {
			return err
		}
		if pending == nil {
			return nil
		}
	}

	if rec.Version == pending.BaseVersion {
		// The local edit is based on exactly this revision; push settles it.
		return nil
	}
	if rec.Deleted && pending.Kind == fieldsync.OpDelete {
		// Both sides deleted. Nothing to argue about.
		return e.store.RemoveLocal(ctx, collection, rec.ID)
	}

	conflictType := fieldsync.ConflictConcurrentEdit
	if rec.Deleted || pending.Kind == fieldsync.OpDelete {
		conflictType = fieldsync.ConflictDeleteEdit
	}
	c := &fieldsync.SyncConflict{
		EntityType:      collection,
		EntityID:        rec.ID,
		Type:            conflictType,
		LocalData:       pending.Payload,
		LocalVersion:    pending.BaseVersion,
		LocalTimestamp:  pending.LocalTimestamp,
		RemoteVersion:   rec.Version,
		RemoteTimestamp: rec.UpdatedAt,
		DetectedAt:      e.nowFn(),
	}
	if !rec.Deleted {
		c.RemoteData = rec.Payload
	}
	if err := e.store.SaveConflict(ctx, c); err != nil {
		return err
	}
	e.logger.Info("conflict detected during pull",
		"entity_type", collection, "entity_id", rec.ID, "type", conflictType)
	return nil
}

// AcknowledgeInvalid drops a remotely rejected operation from the queue. A
// rejected create is removed outright; for updates and deletes the entity is
// demoted to a stale synced placeholder and the collection's pull cursor
// rewound, so the next pull restores the server's revision even though the
// record itself has not changed remotely.
func (e *SyncEngine) AcknowledgeInvalid(ctx context.Context, entityType, entityID string) error {
	op, err := e.store.PendingFor(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if op == nil {
		e.clearAttention(fieldsync.Key{Type: entityType, ID: entityID})
		return nil
	}
	if op.Kind == fieldsync.OpCreate {
		if err := e.store.RemoveLocal(ctx, entityType, entityID); err != nil {
			return err
		}
	} else {
		if err := e.store.DeletePending(ctx, entityType, entityID); err != nil {
			return err
		}
		if err := e.store.MarkStale(ctx, entityType, entityID); err != nil {
			return err
		}
		if err := e.store.ClearWatermark(ctx, entityType); err != nil {
			return err
		}
	}
	e.clearAttention(fieldsync.Key{Type: entityType, ID: entityID})
	e.refreshStatus(ctx)
	e.RequestSync()
	return nil
}

// RetryEntity clears the needs-attention mark and the retry counter for a
// queued operation so the next push cycle picks it up again.
func (e *SyncEngine) RetryEntity(ctx context.Context, entityType, entityID string) error {
	if err := e.store.ResetAttempts(ctx, entityType, entityID); err != nil {
		return err
	}
	e.clearAttention(fieldsync.Key{Type: entityType, ID: entityID})
	e.refreshStatus(ctx)
	e.RequestSync()
	return nil
}

func (e *SyncEngine) finishCycle(ctx context.Context) {
	pressure := e.enforceCacheLimit(ctx)
	e.refreshStatus(ctx)
	now := e.nowFn()
	e.status.update(func(s *SyncStatus) {
		s.SyncInProgress = false
		s.LastSyncAt = now
		s.CachePressure = pressure
	})
}

// enforceCacheLimit evicts down to CacheLimitBytes and reports whether only
// pinned (unsynced) entries kept the cache over the limit.
func (e *SyncEngine) enforceCacheLimit(ctx context.Context) bool {
	if e.cache == nil || e.config.CacheLimitBytes <= 0 {
		return false
	}
	evicted, err := e.cache.EvictUntilUnder(ctx, e.config.CacheLimitBytes)
	switch {
	case errors.Is(err, fieldsync.ErrCachePressure):
		e.logger.Warn("cache limit unreachable, unsynced data retained",
			"limit_bytes", e.config.CacheLimitBytes, "evicted", evicted)
		return true
	case err != nil:
		e.logger.Warn("cache eviction failed", "error", err)
	case evicted > 0:
		e.logger.Debug("evicted cache entries",
			"count", evicted, "limit_bytes", e.config.CacheLimitBytes)
	}
	return false
}

// refreshStatus reloads the durable counters into the status board.
func (e *SyncEngine) refreshStatus(ctx context.Context) {
	pendingCount, err := e.store.CountPending(ctx)
	if err != nil {
		e.logger.Warn("failed to count pending operations", "error", err)
		return
	}
	conflicts, err := e.store.ListConflicts(ctx)
	if err != nil {
		e.logger.Warn("failed to list conflicts", "error", err)
		return
	}
	attention := e.attentionItems()
	e.status.update(func(s *SyncStatus) {
		s.PendingCount = pendingCount
		s.Conflicts = conflicts
		s.NeedsAttention = attention
	})
}

func (e *SyncEngine) conflictedKeys(ctx context.Context) (map[fieldsync.Key]bool, error) {
	conflicts, err := e.store.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	keys := make(map[fieldsync.Key]bool, len(conflicts))
	for _, c := range conflicts {
		keys[fieldsync.Key{Type: c.EntityType, ID: c.EntityID}] = true
	}
	return keys, nil
}

func (e *SyncEngine) setAttention(key fieldsync.Key, reason string) {
	e.attnMu.Lock()
	e.attention[key] = reason
	e.attnMu.Unlock()
}

func (e *SyncEngine) clearAttention(key fieldsync.Key) {
	e.attnMu.Lock()
	delete(e.attention, key)
	e.attnMu.Unlock()
}

func (e *SyncEngine) hasAttention(key fieldsync.Key) bool {
	e.attnMu.Lock()
	defer e.attnMu.Unlock()
	_, ok := e.attention[key]
	return ok
}

func (e *SyncEngine) attentionItems() []AttentionItem {
	e.attnMu.Lock()
	defer e.attnMu.Unlock()
	items := make([]AttentionItem, 0, len(e.attention))
	for key, reason := range e.attention {
		items = append(items, AttentionItem{EntityType: key.Type, EntityID: key.ID, Reason: reason})
	}
	return items
}

// backoffFor returns the delay before retry number attempt, doubling from
// RetryBackoffBase up to RetryBackoffCap.
func (e *SyncEngine) backoffFor(attempt int) time.Duration {
	delay := e.config.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.config.RetryBackoffCap {
			return e.config.RetryBackoffCap
		}
	}
	if delay > e.config.RetryBackoffCap {
		return e.config.RetryBackoffCap
	}
	return delay
}

// sleepWithContext waits for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
