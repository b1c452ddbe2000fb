// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mirror keeps a node's bare mirrors in step with the forge.
//
// Each repository moves through unknown → active ⇄ deleted. A push or
// creation event clones or fetches the mirror and, only if git
// succeeds, marks it active and bumps its sync counter. A deletion
// event renames the mirror into the archive area and marks it deleted,
// whether or not a mirror existed. Every other event is ignored.
//
// Operations on one repository hold that repository's mutex, created on
// first use and kept for the life of the [Engine]. A restore holds the
// tree lock exclusively, so no single-repository operation runs while
// the whole tree is being replaced.
//
// The [Sweeper] permanently removes archives older than the retention
// window, optionally exporting each one to an archive vault first.
package mirror
