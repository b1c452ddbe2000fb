// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps the webhook secret, the relay registration
// token, and the forge access token out of the Go heap.
//
// [Buffer] memory comes from an anonymous mmap, is mlocked so it never
// reaches swap, and is marked MADV_DONTDUMP. Close zeroes it. Token
// checks go through [Buffer.Equal], which compares in constant time.
// [Resolve] turns the literal-or-file pair found in configuration into
// a buffer.
package secret
