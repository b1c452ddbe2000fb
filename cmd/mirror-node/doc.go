// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// mirror-node keeps a local mirror of every repository on a forge.
//
// It applies webhook events delivered by forge-relay: pushes and
// creations clone or fetch the repository, deletions move the working
// copy into the archive. Each repository's status, last sync time and
// sync count are persisted under the data directory together with an
// append-only audit log. On startup the node removes archives older
// than the retention window, exporting them to the archive vault first
// when one is configured, and then keeps itself registered with the
// relay for as long as it runs.
//
// /resync and /restore rebuild the mirror set from the forge listing
// or from another node's tree. Bind the listener privately.
package main
