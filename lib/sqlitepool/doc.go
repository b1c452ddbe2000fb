// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens a small pool of SQLite connections over
// zombiezen.com/go/sqlite with the pragmas a mirror node's state
// database needs.
//
// The state database is the node's source of truth for sync counters,
// so connections run with synchronous=FULL: a committed transaction
// survives power loss, not just a process crash. WAL mode lets the
// health and repository-list handlers read while a sync commits.
//
// Callers [Pool.Take] a connection, use it from one goroutine, and
// [Pool.Put] it back.
package sqlitepool
