// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repostate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/forgemirror/lib/atomicfile"
)

// FileBackend stores State as an indented JSON document. Saves
// replace the file atomically.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend writing to path. The parent
// directory is created on first save.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Load reads the document. A missing file yields ErrNotFound; a file
// that does not decode to an object with a repos object is an error.
func (b *FileBackend) Load() (State, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("reading %s: %w", b.path, err)
	}

	var document struct {
		State
		Repos json.RawMessage `json:"repos"`
	}
	if err := json.Unmarshal(data, &document); err != nil {
		return State{}, fmt.Errorf("parsing %s: %w", b.path, err)
	}
	state := document.State
	state.Repos = map[string]Record{}
	if len(document.Repos) > 0 && string(document.Repos) != "null" {
		if err := json.Unmarshal(document.Repos, &state.Repos); err != nil {
			return State{}, fmt.Errorf("parsing repos in %s: %w", b.path, err)
		}
	}
	return state, nil
}

// Save writes the whole document.
func (b *FileBackend) Save(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	return atomicfile.WriteFile(b.path, data, 0o644)
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }
