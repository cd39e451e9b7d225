// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync defines the shared types, wire models, error taxonomy and
// merge policies for offline-first entity synchronization. It contains no I/O;
// the SQLite client engine lives in the fieldsqlite package.
package fieldsync

// Operation kinds for pending local mutations.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Sync states for a locally stored entity. An entity carries exactly one
// state at all times.
const (
	StateSynced        = "synced"
	StatePendingCreate = "pending_create"
	StatePendingUpdate = "pending_update"
	StatePendingDelete = "pending_delete"
	StateConflicted    = "conflicted"
)

// Conflict type constants.
const (
	ConflictConcurrentEdit  = "concurrent_edit"
	ConflictDeleteEdit      = "delete_edit"
	ConflictVersionMismatch = "version_mismatch"
)

// Resolution strategy constants.
const (
	ResolveLocal  = "local"
	ResolveRemote = "remote"
	ResolveMerge  = "merge"
)

// StateForOp returns the entity sync state that corresponds to a queued
// operation kind.
func StateForOp(kind string) string {
	switch kind {
	case OpCreate:
		return StatePendingCreate
	case OpUpdate:
		return StatePendingUpdate
	case OpDelete:
		return StatePendingDelete
	default:
		return StateSynced
	}
}

// IsPendingState reports whether state is one of the Pending* states.
func IsPendingState(state string) bool {
	switch state {
	case StatePendingCreate, StatePendingUpdate, StatePendingDelete:
		return true
	default:
		return false
	}
}
