// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// mirrorctl is the operator CLI for forge-relay and mirror-node.
//
// It reads and drives both HTTP surfaces (membership, health, repository
// state, the audit log, full resync and restore), signs payloads the
// way a forge does, sends test webhooks through the relay, and lists
// or fetches archive bundles from the node's archive vault. Output is
// a table on a terminal and JSON otherwise; --json forces JSON.
package main
