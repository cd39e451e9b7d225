// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// PendingOperation is a queued, not-yet-acknowledged local mutation. The queue
// is coalesced: at most one operation exists per (entity type, entity id),
// so a newer local edit supersedes an older unsent one instead of enqueuing
// a duplicate.
type PendingOperation struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       string          `json:"kind"` // OpCreate, OpUpdate or OpDelete
	Payload    json.RawMessage `json:"payload,omitempty"`
	// BaseVersion is the remote version the local edit was based on. Zero for
	// creates. Sent with updates so the server can detect divergence.
	BaseVersion    int64     `json:"base_version"`
	LocalTimestamp time.Time `json:"local_timestamp"`
	AttemptCount   int       `json:"attempt_count"`
	QueuedAt       time.Time `json:"queued_at"`
}

// Key returns the (type, id) key of the operation's target entity.
func (op *PendingOperation) Key() Key {
	return Key{Type: op.EntityType, ID: op.EntityID}
}
