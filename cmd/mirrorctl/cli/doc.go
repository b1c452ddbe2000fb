// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command tree and output layer of mirrorctl.
//
// A [Command] dispatches on its first positional argument, parses its
// own pflag flags, and prints generated help. Unknown commands and
// flags get an edit-distance suggestion. [Output] renders results as
// aligned, coloured tables on a terminal and as indented JSON
// everywhere else, so scripts piping mirrorctl always get JSON.
package cli
