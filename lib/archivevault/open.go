// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archivevault

import (
	"context"
	"fmt"
)

// Config selects and configures a vault backend.
type Config struct {
	// Type is "filesystem", "s3", "memory", or "" for no vault.
	Type string `yaml:"type" json:"type" toml:"type"`

	// Root is the filesystem backend's directory.
	Root string `yaml:"root" json:"root" toml:"root"`

	S3 S3Config `yaml:"s3" json:"s3" toml:"s3"`

	// Compression is "zstd" (default), "lz4", or "none".
	Compression string `yaml:"compression" json:"compression" toml:"compression"`

	// Recipients are age public keys. Bundles are encrypted when any
	// are set.
	Recipients []string `yaml:"recipients" json:"recipients" toml:"recipients"`
}

// Enabled reports whether a vault is configured.
func (c Config) Enabled() bool {
	return c.Type != ""
}

// Open builds the Vault described by config.
func Open(ctx context.Context, config Config) (Vault, error) {
	switch config.Type {
	case "memory":
		return NewMemoryVault(), nil
	case "filesystem":
		return NewFilesystemVault(config.Root)
	case "s3":
		return NewS3Vault(ctx, config.S3)
	default:
		return nil, fmt.Errorf("unknown vault type %q", config.Type)
	}
}

// NewExporter opens the configured vault and wraps it in an Exporter.
func NewExporter(ctx context.Context, config Config) (*Exporter, error) {
	vault, err := Open(ctx, config)
	if err != nil {
		return nil, err
	}
	compression, err := ParseCompression(config.Compression)
	if err != nil {
		return nil, err
	}
	recipients, err := ParseRecipients(config.Recipients)
	if err != nil {
		return nil, err
	}
	return &Exporter{Vault: vault, Compression: compression, Recipients: recipients}, nil
}
