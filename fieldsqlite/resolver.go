// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/natlog/go-fieldsync/fieldsync"
)

// Resolve applies a three-way resolution to an outstanding conflict. On
// success the conflict is removed, the entity leaves the Conflicted state and
// a sync cycle is scheduled; winning local or merged data is re-queued
// against the remote version that rejected it. Resolving the same conflict
// twice returns fieldsync.ErrConflictNotFound.
func (e *SyncEngine) Resolve(ctx context.Context, res fieldsync.ConflictResolution) error {
	c, err := e.store.GetConflict(ctx, res.EntityType, res.EntityID)
	if err != nil {
		return err
	}

	switch res.Strategy {
	case fieldsync.ResolveLocal:
		err = e.keepData(ctx, c, c.LocalData)
	case fieldsync.ResolveRemote:
		err = e.resolveRemote(ctx, c)
	case fieldsync.ResolveMerge:
		var merged json.RawMessage
		merged, err = e.mergeData(c, res.MergedData)
		if err == nil {
			err = e.keepData(ctx, c, merged)
		}
	default:
		return fmt.Errorf("unknown resolution strategy %q", res.Strategy)
	}
	if err != nil {
		return err
	}

	if err := e.store.DeleteConflict(ctx, res.EntityType, res.EntityID); err != nil {
		return err
	}
	e.logger.Info("conflict resolved",
		"entity_type", res.EntityType, "entity_id", res.EntityID, "strategy", res.Strategy)
	e.refreshStatus(ctx)
	e.RequestSync()
	return nil
}

// keepData wins the conflict with data (the local side, or a merge result)
// by re-queueing it against the remote version that rejected it. A nil data
// keeps the local deletion.
func (e *SyncEngine) keepData(ctx context.Context, c *fieldsync.SyncConflict, data json.RawMessage) error {
	if err := e.store.DeletePending(ctx, c.EntityType, c.EntityID); err != nil {
		return err
	}

	op := &fieldsync.PendingOperation{
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
	}
	switch {
	case data == nil:
		// Local deletion wins over the remote edit.
		op.Kind = fieldsync.OpDelete
		op.BaseVersion = c.RemoteVersion
	case c.RemoteDeleted():
		// The record is gone remotely; the winning data re-creates it.
		op.Kind = fieldsync.OpCreate
		op.Payload = data
	default:
		op.Kind = fieldsync.OpUpdate
		op.BaseVersion = c.RemoteVersion
		op.Payload = data
	}
	return e.store.Enqueue(ctx, op)
}

// resolveRemote discards the local side and adopts the remote state.
func (e *SyncEngine) resolveRemote(ctx context.Context, c *fieldsync.SyncConflict) error {
	if err := e.store.DeletePending(ctx, c.EntityType, c.EntityID); err != nil {
		return err
	}
	if c.RemoteDeleted() {
		return e.store.RemoveLocal(ctx, c.EntityType, c.EntityID)
	}
	rec := &fieldsync.RemoteRecord{
		ID:        c.EntityID,
		Version:   c.RemoteVersion,
		UpdatedAt: c.RemoteTimestamp,
		Payload:   c.RemoteData,
	}
	return e.store.ApplyRemote(ctx, c.EntityType, rec)
}

// mergeData picks the payload a Merge resolution keeps: the caller-supplied
// MergedData when present, otherwise the registered policy for the entity
// type. Types without a policy fail with UnsupportedMergeError.
func (e *SyncEngine) mergeData(c *fieldsync.SyncConflict, override json.RawMessage) (json.RawMessage, error) {
	if override != nil {
		return override, nil
	}
	return e.merges.Merge(*c)
}
