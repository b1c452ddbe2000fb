// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"testing"

	"github.com/bureau-foundation/forgemirror/lib/secret"
)

// Secret returns a protected buffer holding value, closed when the test
// ends.
func Secret(t testing.TB, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		t.Fatalf("creating secret buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}
