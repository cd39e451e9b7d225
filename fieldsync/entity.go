// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// Entity is a synchronizable domain record. The domain fields (observation,
// trip, activity, story, ...) are opaque to the sync core and travel as raw
// JSON in Payload; the core manipulates metadata only.
type Entity struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"` // collection name, e.g. "observations"
	OwnerID   string          `json:"owner_id"`
	Version   int64           `json:"version"` // server-assigned, monotonic per entity
	UpdatedAt time.Time       `json:"updated_at"`
	SyncState string          `json:"sync_state"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Key identifies an entity across collections.
type Key struct {
	Type string
	ID   string
}

// Key returns the (type, id) key of the entity.
func (e *Entity) Key() Key {
	return Key{Type: e.Type, ID: e.ID}
}

// Tombstoned reports whether the entity is locally deleted but still awaiting
// remote acknowledgement. Tombstoned entities remain queryable so the UI can
// render them as removed without losing the pending delete.
func (e *Entity) Tombstoned() bool {
	return e.SyncState == StatePendingDelete
}
