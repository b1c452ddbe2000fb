// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archivevault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bureau-foundation/forgemirror/lib/atomicfile"
)

// FilesystemVault stores each key as a file below a root directory.
// Writes are atomic.
type FilesystemVault struct {
	root string
}

// NewFilesystemVault creates root if needed.
func NewFilesystemVault(root string) (*FilesystemVault, error) {
	if root == "" {
		return nil, errors.New("archivevault: filesystem root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating vault root: %w", err)
	}
	return &FilesystemVault{root: root}, nil
}

func (v *FilesystemVault) path(key string) string {
	return filepath.Join(v.root, filepath.FromSlash(key))
}

func (v *FilesystemVault) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	destination := v.path(key)
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", key, err)
	}
	return atomicfile.Write(destination, 0o644, func(w io.Writer) error {
		written, err := io.Copy(w, r)
		if err != nil {
			return fmt.Errorf("writing %s: %w", key, err)
		}
		if written != size {
			return fmt.Errorf("size mismatch for %s: expected %d bytes, got %d", key, size, written)
		}
		return nil
	})
}

func (v *FilesystemVault) Get(ctx context.Context, key string, w io.Writer) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	file, err := os.Open(v.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", key, err)
	}
	defer file.Close()
	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

// List skips in-progress temporary files, which start with a dot.
func (v *FilesystemVault) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(v.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		relative, err := filepath.Rel(v.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(relative)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing vault: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
