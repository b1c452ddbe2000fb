// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archivevault

import (
	"archive/tar"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Compression selects the bundle's compression layer.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// DigestSuffix is appended to a bundle key to name its digest.
const DigestSuffix = ".b3"

const encryptedSuffix = ".age"

// ParseCompression accepts "none", "lz4", "zstd", or "" for zstd.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "", CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4, CompressionNone:
		return Compression(name), nil
	default:
		return "", fmt.Errorf("unknown compression %q", name)
	}
}

// Extension returns the file extension for bundles using c.
func (c Compression) Extension() string {
	switch c {
	case CompressionLZ4:
		return ".tar.lz4"
	case CompressionZstd:
		return ".tar.zst"
	default:
		return ".tar"
	}
}

// BundleKey returns the vault key for an archive at relative.
func BundleKey(relative string, compression Compression, encrypted bool) string {
	key := relative + compression.Extension()
	if encrypted {
		key += encryptedSuffix
	}
	return key
}

// ParseBundleKey recovers the layers of a bundle from its key.
func ParseBundleKey(key string) (compression Compression, encrypted bool, err error) {
	name, encrypted := strings.CutSuffix(key, encryptedSuffix)
	for _, candidate := range []Compression{CompressionZstd, CompressionLZ4, CompressionNone} {
		if strings.HasSuffix(name, candidate.Extension()) {
			return candidate, encrypted, nil
		}
	}
	return "", false, fmt.Errorf("not a bundle key: %q", key)
}

// PackOptions selects the bundle layers.
type PackOptions struct {
	Compression Compression

	// Recipients encrypt the bundle when non-empty.
	Recipients []age.Recipient
}

// Pack streams the directory at source into w as a bundle and returns
// the hex BLAKE3 digest of the bytes written.
func Pack(source string, w io.Writer, options PackOptions) (string, error) {
	hasher := newDigest()
	var output io.Writer = io.MultiWriter(w, hasher)

	var closers []io.Closer
	if len(options.Recipients) > 0 {
		encrypted, err := age.Encrypt(output, options.Recipients...)
		if err != nil {
			return "", fmt.Errorf("starting encryption: %w", err)
		}
		closers = append(closers, encrypted)
		output = encrypted
	}

	switch options.Compression {
	case CompressionZstd, "":
		encoder, err := zstd.NewWriter(output)
		if err != nil {
			return "", fmt.Errorf("starting zstd: %w", err)
		}
		closers = append(closers, encoder)
		output = encoder
	case CompressionLZ4:
		writer := lz4.NewWriter(output)
		closers = append(closers, writer)
		output = writer
	case CompressionNone:
	default:
		return "", fmt.Errorf("unknown compression %q", options.Compression)
	}

	tarWriter := tar.NewWriter(output)
	if err := writeTree(tarWriter, source); err != nil {
		return "", err
	}
	if err := tarWriter.Close(); err != nil {
		return "", fmt.Errorf("finishing tar stream: %w", err)
	}
	// Innermost layer first.
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			return "", fmt.Errorf("finishing bundle: %w", err)
		}
	}
	return hasher.hex(), nil
}

func writeTree(tarWriter *tar.Writer, source string) error {
	return filepath.WalkDir(source, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if current == source {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(current); err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", current, err)
		}
		relative, err := filepath.Rel(source, current)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relative)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("writing header for %s: %w", relative, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		file, err := os.Open(current)
		if err != nil {
			return err
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("writing %s: %w", relative, err)
		}
		return nil
	})
}

// UnpackOptions describes how a bundle was packed.
type UnpackOptions struct {
	Compression Compression

	// Identities decrypt the bundle. Required when it is encrypted.
	Identities []age.Identity
	Encrypted  bool
}

// ErrUnsafePath is returned for tar entries that would land outside
// the destination.
var ErrUnsafePath = errors.New("archivevault: unsafe path in bundle")

// Unpack reverses Pack into destination, which is created if needed.
func Unpack(r io.Reader, destination string, options UnpackOptions) error {
	input := r
	if options.Encrypted {
		if len(options.Identities) == 0 {
			return errors.New("archivevault: bundle is encrypted and no identity was given")
		}
		decrypted, err := age.Decrypt(input, options.Identities...)
		if err != nil {
			return fmt.Errorf("decrypting bundle: %w", err)
		}
		input = decrypted
	}

	switch options.Compression {
	case CompressionZstd, "":
		decoder, err := zstd.NewReader(input)
		if err != nil {
			return fmt.Errorf("starting zstd: %w", err)
		}
		defer decoder.Close()
		input = decoder
	case CompressionLZ4:
		input = lz4.NewReader(input)
	case CompressionNone:
	default:
		return fmt.Errorf("unknown compression %q", options.Compression)
	}

	if err := os.MkdirAll(destination, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", destination, err)
	}
	tarReader := tar.NewReader(input)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}
		if err := extract(tarReader, header, destination); err != nil {
			return err
		}
	}
}

func extract(tarReader *tar.Reader, header *tar.Header, destination string) error {
	name := path.Clean(header.Name)
	if !fs.ValidPath(name) || name == "." {
		return fmt.Errorf("%w: %q", ErrUnsafePath, header.Name)
	}
	target := filepath.Join(destination, filepath.FromSlash(name))
	mode := fs.FileMode(header.Mode).Perm()

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, mode|0o700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return fmt.Errorf("creating %s: %w", name, err)
		}
		if _, err := io.Copy(file, tarReader); err != nil {
			file.Close()
			return fmt.Errorf("writing %s: %w", name, err)
		}
		return file.Close()
	case tar.TypeSymlink:
		resolved := path.Join(path.Dir(name), header.Linkname)
		if path.IsAbs(header.Linkname) || !fs.ValidPath(resolved) {
			return fmt.Errorf("%w: link %q -> %q", ErrUnsafePath, header.Name, header.Linkname)
		}
		return os.Symlink(header.Linkname, target)
	default:
		return fmt.Errorf("unsupported tar entry %q of type %c", header.Name, header.Typeflag)
	}
}

type digest struct {
	*blake3.Hasher
}

func newDigest() digest {
	return digest{blake3.New()}
}

func (d digest) hex() string {
	return hex.EncodeToString(d.Sum(nil))
}
