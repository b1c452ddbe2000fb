// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package repostate is the durable map from repository full name to
// its sync record.
//
// Every mutation takes the store's single lock, changes the in-memory
// map, writes the entire map through the [Backend], and only then
// releases the lock. A failed write rolls the in-memory map back, so
// memory and disk never disagree. Readers get copies.
//
// Two backends exist: [FileBackend], a JSON document replaced
// atomically, and [SQLiteBackend], which rewrites the map inside one
// transaction.
package repostate

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/audit"
	"github.com/bureau-foundation/forgemirror/lib/clock"
)

// ErrNotFound is returned by Backend.Load when nothing has been
// persisted yet.
var ErrNotFound = errors.New("repostate: no persisted state")

// Backend persists whole State documents.
type Backend interface {
	Load() (State, error)
	Save(State) error
	Close() error
}

// Config configures Open.
type Config struct {
	Backend   Backend
	ServiceID string
	NodeName  string
	// Auditor receives the event recorded when persisted state cannot
	// be read.
	Auditor audit.Appender
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	backend Backend
	clock   clock.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// Open rehydrates a Store from its backend. Missing state starts
// empty. Unreadable state also starts empty, after recording an audit
// event, so a corrupt file never blocks startup.
func Open(config Config) (*Store, error) {
	if config.Backend == nil {
		return nil, errors.New("repostate: Backend is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	state, err := config.Backend.Load()
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		state = State{}
	default:
		config.Logger.Error("persisted state unreadable, starting empty", "error", err)
		if config.Auditor != nil {
			auditErr := config.Auditor.Append("state", "_service", audit.Fields{
				"result": audit.ResultFailed,
				"reason": "state file unreadable",
			})
			if auditErr != nil {
				config.Logger.Error("recording state audit event", "error", auditErr)
			}
		}
		state = State{}
	}

	state = state.clone()
	state.ServiceID = config.ServiceID
	state.NodeName = config.NodeName
	state.StartedAt = config.Clock.Now().UTC()

	return &Store{
		backend: config.Backend,
		clock:   config.Clock,
		logger:  config.Logger,
		state:   state,
	}, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// mutate applies change to a copy of the state and persists it. The
// copy replaces the live state only after a successful save.
func (s *Store) mutate(change func(repos map[string]Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	change(next.Repos)
	if err := s.backend.Save(next); err != nil {
		return fmt.Errorf("persisting repository state: %w", err)
	}
	s.state = next
	return nil
}

// MarkSynced records a successful sync of name: status active,
// last-synced now, and the counter incremented.
func (s *Store) MarkSynced(name string) (Record, error) {
	now := s.clock.Now().UTC()
	var updated Record
	err := s.mutate(func(repos map[string]Record) {
		previous := repos[name]
		updated = Record{
			Status:     StatusActive,
			LastSynced: now,
			SyncCount:  previous.SyncCount + 1,
		}
		repos[name] = updated
	})
	return updated, err
}

// MarkDeleted records that name was deleted upstream. archivedTo is
// empty when there was no working copy to archive.
func (s *Store) MarkDeleted(name, archivedTo string) (Record, error) {
	now := s.clock.Now().UTC()
	var updated Record
	err := s.mutate(func(repos map[string]Record) {
		previous := repos[name]
		updated = Record{
			Status:     StatusDeleted,
			LastSynced: previous.LastSynced,
			SyncCount:  previous.SyncCount,
			DeletedAt:  now,
			ArchivedTo: archivedTo,
		}
		repos[name] = updated
	})
	return updated, err
}

// MarkRestored marks every name active in one persisted mutation, as
// after rebuilding state from a restored mirror tree.
func (s *Store) MarkRestored(names []string) error {
	now := s.clock.Now().UTC()
	return s.mutate(func(repos map[string]Record) {
		for _, name := range names {
			repos[name] = Record{
				Status:     StatusActive,
				LastSynced: now,
				SyncCount:  repos[name].SyncCount + 1,
			}
		}
	})
}

// Get returns the record for name.
func (s *Store) Get(name string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.state.Repos[name]
	return record, ok
}

// Snapshot returns a copy of the full state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Names returns all repository names in sorted order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.state.Repos))
	for name := range s.state.Repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts returns the number of active and deleted repositories.
func (s *Store) Counts() (active, deleted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.state.Repos {
		switch record.Status {
		case StatusActive:
			active++
		case StatusDeleted:
			deleted++
		}
	}
	return active, deleted
}

// StartedAt returns when this store was opened.
func (s *Store) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.StartedAt
}
