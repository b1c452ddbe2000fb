// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP body reads.
//
// Every JSON body this module reads, whether a webhook request, a
// member's reply, a forge listing page, or a CLI response, goes through
// a limit so a misbehaving peer cannot exhaust memory.
package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response reads: 64 MiB. Forge
// listing pages and state maps are far smaller.
const MaxResponseSize int64 = 64 << 20

// maxErrorBody bounds how much of an error response ends up in a log
// line.
const maxErrorBody int64 = 4 << 10

// ErrBodyTooLarge is returned by ReadLimited when the body exceeds
// its limit.
var ErrBodyTooLarge = errors.New("body exceeds size limit")

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a response body (bounded by MaxResponseSize)
// and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ReadLimited reads at most limit bytes from body. A body longer than
// limit yields ErrBodyTooLarge without reading the remainder.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ErrorBody returns the start of an error response body for
// diagnostics. Read errors are ignored.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return string(data)
}

// Drain discards the rest of a response body so the connection can
// be reused.
func Drain(body io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
}
