// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archivevault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"filippo.io/age"
)

// Exporter packs archive directories into a Vault.
type Exporter struct {
	Vault       Vault
	Compression Compression
	Recipients  []age.Recipient

	// StagingDir holds bundles while they upload. Defaults to the
	// system temporary directory.
	StagingDir string

	Logger *slog.Logger
}

// Export packs the archive at path and stores it under the bundle key
// for relative, followed by its digest.
func (e *Exporter) Export(ctx context.Context, path, relative string) error {
	if e.Vault == nil {
		return errors.New("archivevault: exporter has no vault")
	}
	compression := e.Compression
	if compression == "" {
		compression = CompressionZstd
	}
	key := BundleKey(relative, compression, len(e.Recipients) > 0)

	staging, err := os.CreateTemp(e.StagingDir, "bundle-*")
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	defer func() {
		staging.Close()
		os.Remove(staging.Name())
	}()

	digest, err := Pack(path, staging, PackOptions{Compression: compression, Recipients: e.Recipients})
	if err != nil {
		return fmt.Errorf("packing %s: %w", relative, err)
	}
	size, err := staging.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("sizing bundle: %w", err)
	}
	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding bundle: %w", err)
	}

	if err := e.Vault.Put(ctx, key, staging, size); err != nil {
		return err
	}
	digestLine := digest + "\n"
	if err := e.Vault.Put(ctx, key+DigestSuffix, strings.NewReader(digestLine), int64(len(digestLine))); err != nil {
		return err
	}

	if e.Logger != nil {
		e.Logger.Info("archive exported", "key", key, "bytes", size, "blake3", digest)
	}
	return nil
}

// Fetch retrieves the bundle under key, verifies its digest when one
// is stored, and unpacks it into destination.
func Fetch(ctx context.Context, vault Vault, key, destination string, identities []age.Identity) error {
	compression, encrypted, err := ParseBundleKey(key)
	if err != nil {
		return err
	}

	staging, err := os.CreateTemp("", "bundle-*")
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	defer func() {
		staging.Close()
		os.Remove(staging.Name())
	}()

	hasher := newDigest()
	if err := vault.Get(ctx, key, io.MultiWriter(staging, hasher)); err != nil {
		return err
	}

	var stored strings.Builder
	switch err := vault.Get(ctx, key+DigestSuffix, &stored); {
	case err == nil:
		if want := strings.TrimSpace(stored.String()); want != hasher.hex() {
			return fmt.Errorf("archivevault: digest mismatch for %s: stored %s, fetched %s", key, want, hasher.hex())
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding bundle: %w", err)
	}
	return Unpack(staging, destination, UnpackOptions{
		Compression: compression,
		Encrypted:   encrypted,
		Identities:  identities,
	})
}
