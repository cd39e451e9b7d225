// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"sync"
)

// MergePolicy produces the merged payload for a conflicted entity. Policies
// are registered per entity type; requesting a Merge resolution for a type
// without a policy fails with UnsupportedMergeError rather than deep-merging
// raw payloads.
type MergePolicy interface {
	Merge(c SyncConflict) (json.RawMessage, error)
}

// MergePolicyFunc adapts a function to the MergePolicy interface.
type MergePolicyFunc func(c SyncConflict) (json.RawMessage, error)

func (f MergePolicyFunc) Merge(c SyncConflict) (json.RawMessage, error) { return f(c) }

// MergeRegistry holds per-entity-type merge policies. Safe for concurrent use.
type MergeRegistry struct {
	mu       sync.RWMutex
	policies map[string]MergePolicy
}

// NewMergeRegistry returns an empty registry.
func NewMergeRegistry() *MergeRegistry {
	return &MergeRegistry{policies: make(map[string]MergePolicy)}
}

// Register installs policy for entityType, replacing any previous one.
func (r *MergeRegistry) Register(entityType string, policy MergePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[entityType] = policy
}

// Merge resolves a conflict through the policy registered for its entity type.
func (r *MergeRegistry) Merge(c SyncConflict) (json.RawMessage, error) {
	r.mu.RLock()
	policy, ok := r.policies[c.EntityType]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedMergeError{EntityType: c.EntityType}
	}
	return policy.Merge(c)
}

// LatestWins is the default merge policy: for a concurrent edit the side with
// the newer timestamp wins wholesale; ties break toward local so an explicit
// user edit is never silently discarded. A delete/edit conflict resolves
// toward keeping the edit.
//
// Per-field merge semantics are an application concern; register a custom
// policy for entity types that need them.
func LatestWins() MergePolicy {
	return MergePolicyFunc(func(c SyncConflict) (json.RawMessage, error) {
		switch {
		case c.LocalDeleted():
			// Local delete vs remote edit: keep the edit.
			return c.RemoteData, nil
		case c.RemoteDeleted():
			// Remote delete vs local edit: keep the edit.
			return c.LocalData, nil
		case c.RemoteTimestamp.After(c.LocalTimestamp):
			return c.RemoteData, nil
		default:
			return c.LocalData, nil
		}
	})
}
