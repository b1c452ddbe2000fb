// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds binary entrypoint helpers: fatal error
// reporting before the structured logger exists, and the
// signal-cancelled root context every service runs under.
package process
