// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repostate

import (
	"maps"
	"time"
)

// Status is the lifecycle state of one mirrored repository.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Record is the sync state of one repository. SyncCount only ever
// grows: a deleted repository that comes back continues from its last
// count.
type Record struct {
	Status     Status    `json:"status"`
	LastSynced time.Time `json:"last_synced,omitzero"`
	SyncCount  int       `json:"sync_count"`
	DeletedAt  time.Time `json:"deleted_at,omitzero"`
	ArchivedTo string    `json:"archived_to,omitempty"`
}

// State is the whole persisted document of a node.
type State struct {
	ServiceID string            `json:"service_id"`
	NodeName  string            `json:"node_name"`
	StartedAt time.Time         `json:"started_at"`
	Repos     map[string]Record `json:"repos"`
}

func (s State) clone() State {
	copied := s
	copied.Repos = maps.Clone(s.Repos)
	if copied.Repos == nil {
		copied.Repos = map[string]Record{}
	}
	return copied
}
