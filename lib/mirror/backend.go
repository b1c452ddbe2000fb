// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/git"
	"github.com/bureau-foundation/forgemirror/lib/subprocess"
)

// Backend performs the version-control side of a sync.
type Backend interface {
	// Clone creates a mirror of url at dir.
	Clone(ctx context.Context, url, dir string) subprocess.Result

	// Fetch refreshes the mirror at dir from url.
	Fetch(ctx context.Context, dir, url string) subprocess.Result
}

// GitBackend is the Backend that shells out to git.
type GitBackend struct {
	Options git.Options
	Logger  *slog.Logger
}

// Clone runs git clone --mirror.
func (b GitBackend) Clone(ctx context.Context, url, dir string) subprocess.Result {
	return git.CloneMirror(ctx, url, dir, b.Options)
}

// Fetch re-points origin at url, since the forge host or credentials
// may have changed, and then runs a pruning fetch. A failed set-url is
// logged and the fetch still runs against whatever origin is set.
func (b GitBackend) Fetch(ctx context.Context, dir, url string) subprocess.Result {
	repository := git.NewRepository(dir, b.Options)
	if result := repository.SetRemoteURL(ctx, "origin", url); !result.OK() && b.Logger != nil {
		b.Logger.Warn("git remote set-url failed",
			"dir", dir,
			"exit_code", result.ExitCode,
			"stderr", strings.TrimSpace(result.StderrTail(stderrTail)),
		)
	}
	return repository.FetchPrune(ctx, "origin")
}

// Copier bulk-copies a mirror tree for restores.
type Copier interface {
	Mirror(ctx context.Context, source, destination string) subprocess.Result
}

// RsyncCopier mirrors with rsync -a --delete.
type RsyncCopier struct {
	Timeout time.Duration
}

// Mirror makes destination an exact copy of the contents of source.
func (c RsyncCopier) Mirror(ctx context.Context, source, destination string) subprocess.Result {
	return subprocess.Run(ctx, subprocess.Spec{
		Name:    "rsync",
		Args:    []string{"-a", "--delete", strings.TrimRight(source, "/") + "/", strings.TrimRight(destination, "/") + "/"},
		Timeout: c.Timeout,
	})
}
