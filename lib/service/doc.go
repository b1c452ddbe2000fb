// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service holds the HTTP scaffolding shared by forge-relay and
// mirror-node: a TCP server with graceful shutdown and the JSON
// request and response helpers every handler uses.
//
// Services compose these in their own main() rather than subclassing
// a framework.
package service
