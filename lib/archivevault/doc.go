// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package archivevault stores expired mirror archives outside the
// node before the retention sweep deletes them.
//
// An archive directory is packed into a bundle: a tar stream,
// compressed with zstd or lz4 (or left raw), optionally encrypted to
// one or more age recipients, and digested with BLAKE3 over the bytes
// that are stored. The bundle key encodes every layer, for example
// "org/repo.git.2026-01-02-03-04-05.tar.zst.age", so a bundle can be
// unpacked from its key alone given the right identity. The digest is
// stored next to the bundle under the same key plus ".b3".
//
// Vaults are flat key/value stores with three backends: [FilesystemVault],
// [S3Vault], and [MemoryVault] for tests.
package archivevault
