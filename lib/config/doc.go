// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads settings for the relay and mirror node
// binaries.
//
// Settings come from three layers, later layers winning: built-in
// defaults ([DefaultRelay], [DefaultNode]), an optional config file,
// and environment variables. The file is named by a --config flag or
// FORGEMIRROR_CONFIG and decoded by extension: YAML (.yaml, .yml),
// JSON with comments (.json, .jsonc), or TOML (.toml).
//
// The environment variables are the ones the services have always
// read (PORT, WEBHOOK_SECRET, GITEA_URL, and so on), so an existing
// deployment keeps working without a file. Integer variables below
// their minimum are raised to it; unparseable ones are ignored.
//
// Path fields accept ${VAR} and ${VAR:-default} expansion after
// loading.
package config
