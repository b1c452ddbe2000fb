// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archivevault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned by Get for keys the vault does not hold.
var ErrNotFound = errors.New("archivevault: key not found")

// Vault is a flat store of bundles keyed by slash-separated paths.
type Vault interface {
	// Put stores size bytes read from r under key, replacing any
	// previous value.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get writes the value under key to w.
	Get(ctx context.Context, key string, w io.Writer) error

	// List returns the keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ValidateKey rejects keys that could escape a filesystem root or
// collide with temporary files.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("archivevault: invalid key %q", key)
	}
	for segment := range strings.SplitSeq(key, "/") {
		if segment == "" || segment == "." || segment == ".." || strings.HasPrefix(segment, ".") {
			return fmt.Errorf("archivevault: invalid key %q", key)
		}
	}
	return nil
}
