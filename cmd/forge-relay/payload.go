// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
)

// validPayload reports whether body is a JSON document other than
// null.
func validPayload(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) && json.Valid(trimmed)
}
