// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// ReadFromPath reads a secret from a file. Surrounding whitespace is
// trimmed; an empty result is an error.
func ReadFromPath(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer Zero(data)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", path)
	}
	return NewFromBytes(trimmed)
}

// Resolve builds a buffer from a literal value or, when the literal is
// empty, from a file path. Both empty means the secret is not
// configured and Resolve returns (nil, nil).
func Resolve(literal, path string) (*Buffer, error) {
	if value := strings.TrimSpace(literal); value != "" {
		return NewFromBytes([]byte(value))
	}
	if path == "" {
		return nil, nil
	}
	buffer, err := ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	return buffer, nil
}
