// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// RemoteRecord is the canonical server-side representation of an entity as it
// appears on the wire: pull pages, create/update responses and 409 conflict
// bodies all carry it.
type RemoteRecord struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id,omitempty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CreateRequest is the body of POST /{collection}.
type CreateRequest struct {
	ID       string          `json:"id"`
	DeviceID string          `json:"device_id"`
	Payload  json.RawMessage `json:"payload"`
}

// UpdateRequest is the body of PUT /{collection}/{id}. BaseVersion is the
// client's last-known version; the server answers 409 with the current record
// when it diverges.
type UpdateRequest struct {
	DeviceID    string          `json:"device_id"`
	BaseVersion int64           `json:"base_version"`
	Payload     json.RawMessage `json:"payload"`
}

// PullResponse is the body of GET /{collection}?updatedSince=...&page=...
type PullResponse struct {
	Records    []RemoteRecord `json:"records"`
	HasMore    bool           `json:"has_more"`
	NextPage   int            `json:"next_page,omitempty"`
	ServerTime time.Time      `json:"server_time"`
}

// ErrorResponse is the body the server returns on 4xx/5xx.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChangeEvent is the payload the realtime channel broadcasts when a
// collection changes on the server. Clients react by scheduling a pull.
type ChangeEvent struct {
	Collection string    `json:"collection"`
	At         time.Time `json:"at"`
}
