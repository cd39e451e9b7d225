// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"fmt"
)

// ErrCachePressure is returned by cache eviction when the limit cannot be
// reached because pinned (unsynced) entries alone exceed it. Pinned data is
// never deleted to satisfy a size limit.
var ErrCachePressure = errors.New("cache limit unreachable: pinned entries exceed limit")

// ErrEntityNotFound is returned by store lookups for unknown entities.
var ErrEntityNotFound = errors.New("entity not found")

// ErrConflictNotFound is returned when resolving a conflict that is not in the
// outstanding set.
var ErrConflictNotFound = errors.New("conflict not found")

// ErrEntityConflicted is returned by local writes to an entity with an
// unresolved conflict. Both divergent sides are preserved until the conflict
// is resolved; editing past them would discard one silently.
var ErrEntityConflicted = errors.New("entity has an unresolved conflict")

// NetworkError marks a transient transport failure. Operations that fail with
// a NetworkError are retried with exponential backoff up to the configured
// attempt limit and stay queued beyond it.
type NetworkError struct {
	Op  string // remote call being performed, e.g. "PUT /observations/42"
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError halts synchronization entirely until re-authentication. It is
// surfaced immediately and never retried silently.
type AuthError struct {
	Status int // HTTP status, 0 when detected client-side (expired token)
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d): %v", e.Status, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError means the remote rejected the payload shape. It is never
// retried; the pending operation is retained until the caller explicitly
// acknowledges it.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("remote rejected payload (status %d): %s", e.Status, e.Message)
}

// ConflictError is the expected, non-fatal signal that the remote detected a
// version divergence. It carries the current remote record when the server
// provided one (nil means the entity was deleted remotely).
type ConflictError struct {
	Status int
	Remote *RemoteRecord
}

func (e *ConflictError) Error() string {
	if e.Remote == nil {
		return fmt.Sprintf("remote conflict (status %d): entity deleted remotely", e.Status)
	}
	return fmt.Sprintf("remote conflict (status %d): remote version %d", e.Status, e.Remote.Version)
}

// StorageError marks a local persistence failure. It is fatal to the affected
// operation; the queue entry is retained for inspection.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// UnsupportedMergeError is returned when a Merge resolution is requested for
// an entity type without a registered merge policy. There is no silent
// fallback to Local or Remote.
type UnsupportedMergeError struct {
	EntityType string
}

func (e *UnsupportedMergeError) Error() string {
	return fmt.Sprintf("no merge policy registered for entity type %q", e.EntityType)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
