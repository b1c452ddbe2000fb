// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"errors"
	"fmt"
	"strings"
)

// Event is the part of a forge webhook payload the engine reads.
type Event struct {
	Action     string `json:"action"`
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

var (
	// ErrMissingRepository is returned for events without
	// repository.full_name.
	ErrMissingRepository = errors.New("missing repository.full_name")

	// ErrInvalidRepository is returned for names that are not a plain
	// owner/repo pair.
	ErrInvalidRepository = errors.New("invalid repository name")
)

// ValidateName checks that name is "owner/repo" with two ordinary path
// segments, so it can never resolve outside the mirror root.
func ValidateName(name string) error {
	if name == "" {
		return ErrMissingRepository
	}
	segments := strings.Split(name, "/")
	if len(segments) != 2 {
		return fmt.Errorf("%w: %q", ErrInvalidRepository, name)
	}
	for _, segment := range segments {
		if segment == "" || segment == "." || segment == ".." ||
			strings.ContainsAny(segment, "\\\x00") || strings.HasPrefix(segment, "-") {
			return fmt.Errorf("%w: %q", ErrInvalidRepository, name)
		}
	}
	return nil
}
