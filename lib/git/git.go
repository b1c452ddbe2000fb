// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package git drives the git CLI for bare mirror maintenance: the
// initial clone --mirror, refreshing the origin URL, and pruning
// fetches. Commands against an existing mirror target its directory
// with -C, injected by every Repository method.
//
// Forge credentials never touch the command line or a helper script on
// disk. [Credentials] renders them as GIT_CONFIG_* environment entries
// that set http.extraHeader for the lifetime of one child process.
package git

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/secret"
	"github.com/bureau-foundation/forgemirror/lib/subprocess"
)

// Credentials authenticate HTTP git traffic to the forge.
type Credentials struct {
	// Token is sent as "Authorization: token <Token>", the form Gitea,
	// Forgejo, and Gogs accept. The header value is built per
	// invocation and the buffer stays owned by the caller.
	Token *secret.Buffer
}

// Env returns environment entries that configure git for one
// invocation. Prompts are always disabled so a missing credential
// fails fast instead of hanging until the timeout.
func (c Credentials) Env() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	if c.Token == nil {
		return env
	}
	return append(env,
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.extraHeader",
		"GIT_CONFIG_VALUE_0=Authorization: token "+c.Token.String(),
	)
}

// Options apply to every command run by a Repository or CloneMirror.
type Options struct {
	// Timeout bounds each git invocation.
	Timeout     time.Duration
	Credentials Credentials
}

// Repository is a git directory. For mirrors this is the bare
// "<repo>.git" directory itself.
type Repository struct {
	dir     string
	options Options
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string, options Options) *Repository {
	return &Repository{dir: dir, options: options}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Exec runs git with -C <dir> and returns the outcome as data.
func (r *Repository) Exec(ctx context.Context, args ...string) subprocess.Result {
	return subprocess.Run(ctx, subprocess.Spec{
		Name:    "git",
		Args:    append([]string{"-C", r.dir}, args...),
		Env:     r.options.Credentials.Env(),
		Timeout: r.options.Timeout,
	})
}

// Run executes git with -C <dir> and returns stdout, or an error
// carrying stderr when git fails.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	result := r.Exec(ctx, args...)
	if !result.OK() {
		return "", fmt.Errorf("git %s in %s: exit %d (stderr: %s)",
			strings.Join(args, " "), r.dir, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

// SetRemoteURL points remote at url.
func (r *Repository) SetRemoteURL(ctx context.Context, remote, url string) subprocess.Result {
	return r.Exec(ctx, "remote", "set-url", remote, url)
}

// FetchPrune force-fetches all refs from remote, deleting refs and
// tags that no longer exist upstream.
func (r *Repository) FetchPrune(ctx context.Context, remote string) subprocess.Result {
	return r.Exec(ctx, "fetch", "--prune", "--prune-tags", "--force", remote)
}

// CloneMirror runs git clone --mirror url dir.
func CloneMirror(ctx context.Context, url, dir string, options Options) subprocess.Result {
	return subprocess.Run(ctx, subprocess.Spec{
		Name:    "git",
		Args:    []string{"clone", "--mirror", url, dir},
		Env:     options.Credentials.Env(),
		Timeout: options.Timeout,
	})
}
