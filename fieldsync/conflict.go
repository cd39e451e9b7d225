// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// SyncConflict is a detected divergence between local and remote state for the
// same entity. A conflict exists only while the entity is Conflicted; resolving
// it removes it from the outstanding-conflict set.
//
// LocalData or RemoteData being nil means the corresponding side deleted the
// entity.
type SyncConflict struct {
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Type            string          `json:"type"` // ConflictConcurrentEdit, ConflictDeleteEdit or ConflictVersionMismatch
	LocalData       json.RawMessage `json:"local_data,omitempty"`
	RemoteData      json.RawMessage `json:"remote_data,omitempty"`
	LocalVersion    int64           `json:"local_version"`
	RemoteVersion   int64           `json:"remote_version"`
	LocalTimestamp  time.Time       `json:"local_timestamp"`
	RemoteTimestamp time.Time       `json:"remote_timestamp"`
	DetectedAt      time.Time       `json:"detected_at"`
}

// Key returns the (type, id) key of the conflicted entity.
func (c *SyncConflict) Key() Key {
	return Key{Type: c.EntityType, ID: c.EntityID}
}

// LocalDeleted reports whether the local side of the conflict is a deletion.
func (c *SyncConflict) LocalDeleted() bool { return c.LocalData == nil }

// RemoteDeleted reports whether the remote side of the conflict is a deletion.
func (c *SyncConflict) RemoteDeleted() bool { return c.RemoteData == nil }

// ConflictResolution is the input to conflict resolution, produced by a human
// decision or a default policy.
type ConflictResolution struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	// Strategy is one of ResolveLocal, ResolveRemote or ResolveMerge.
	Strategy string `json:"strategy"`
	// MergedData optionally overrides the merge policy output when Strategy is
	// ResolveMerge. Leave nil to let the registered policy compute the merge.
	MergedData json.RawMessage `json:"merged_data,omitempty"`
}
