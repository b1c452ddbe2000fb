// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/audit"
	"github.com/bureau-foundation/forgemirror/lib/clock"
	"github.com/bureau-foundation/forgemirror/lib/forge"
	"github.com/bureau-foundation/forgemirror/lib/repostate"
)

// ArchiveTimeLayout is the UTC timestamp suffix of archived mirrors.
const ArchiveTimeLayout = "2006-01-02-15-04-05"

// stderrTail is how much git stderr an audit record keeps.
const stderrTail = 1024

// Outcome is the result reported for a handled event.
type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomeArchived Outcome = "archived"
	OutcomeIgnored  Outcome = "ignored"
)

var (
	// ErrSyncFailed is returned when git could not clone or fetch. The
	// repository's record is left as it was.
	ErrSyncFailed = errors.New("git sync failed")

	// ErrMissingCredentials is returned by FullResync when the forge
	// token is not configured.
	ErrMissingCredentials = errors.New("full resync requires a forge API token")

	// ErrResyncRunning is returned when a full resync is requested
	// while another is in progress.
	ErrResyncRunning = errors.New("full resync already running")

	// ErrRestoreSource is returned when the restore source is not a
	// readable directory.
	ErrRestoreSource = errors.New("restore source is not a directory")

	// ErrRestoreFailed is returned when the copy tool fails.
	ErrRestoreFailed = errors.New("restore copy failed")
)

// Forge is the forge API surface the engine uses.
type Forge interface {
	CloneURL(fullName string) string
	HasCredentials() bool
	ListRepositories(ctx context.Context) ([]forge.Repository, error)
}

// Layout names the directories a node manages.
type Layout struct {
	// Repositories holds live mirrors as <owner>/<repo>.git.
	Repositories string

	// Archive holds retired mirrors as <owner>/<repo>.git.<timestamp>.
	Archive string
}

// WorkingCopy returns the mirror directory for name.
func (l Layout) WorkingCopy(name string) string {
	return filepath.Join(l.Repositories, filepath.FromSlash(name)+".git")
}

// ArchivePath returns the archive location for name retired at t.
func (l Layout) ArchivePath(name string, t time.Time) string {
	return filepath.Join(l.Archive, filepath.FromSlash(name)+".git."+t.UTC().Format(ArchiveTimeLayout))
}

// Config configures an Engine.
type Config struct {
	Layout  Layout
	Store   *repostate.Store
	Auditor audit.Appender
	Backend Backend
	Forge   Forge

	// Copier defaults to RsyncCopier with a one hour timeout.
	Copier Copier

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine runs sync, archive, resync, and restore operations.
type Engine struct {
	layout  Layout
	store   *repostate.Store
	auditor audit.Appender
	backend Backend
	forge   Forge
	copier  Copier
	clock   clock.Clock
	logger  *slog.Logger

	repoLocks keyedMutex

	// tree is held shared by single-repository operations and
	// exclusively by Restore.
	tree sync.RWMutex

	resyncing atomic.Bool
}

// NewEngine validates config and creates the layout directories.
func NewEngine(config Config) (*Engine, error) {
	switch {
	case config.Layout.Repositories == "" || config.Layout.Archive == "":
		return nil, errors.New("mirror: Layout directories are required")
	case config.Store == nil:
		return nil, errors.New("mirror: Store is required")
	case config.Auditor == nil:
		return nil, errors.New("mirror: Auditor is required")
	case config.Backend == nil:
		return nil, errors.New("mirror: Backend is required")
	case config.Forge == nil:
		return nil, errors.New("mirror: Forge is required")
	}
	if config.Copier == nil {
		config.Copier = RsyncCopier{Timeout: time.Hour}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	for _, directory := range []string{config.Layout.Repositories, config.Layout.Archive} {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return &Engine{
		layout:  config.Layout,
		store:   config.Store,
		auditor: config.Auditor,
		backend: config.Backend,
		forge:   config.Forge,
		copier:  config.Copier,
		clock:   config.Clock,
		logger:  config.Logger,
	}, nil
}

// HandleEvent applies one webhook event.
func (e *Engine) HandleEvent(ctx context.Context, event Event) (Outcome, error) {
	name := event.Repository.FullName
	if err := ValidateName(name); err != nil {
		return "", err
	}

	switch {
	case event.Action == "deleted":
		if _, err := e.Delete(name); err != nil {
			return "", err
		}
		return OutcomeArchived, nil
	case event.Action == "created" || event.Ref != "":
		if _, err := e.Sync(ctx, name); err != nil {
			return "", err
		}
		return OutcomeSynced, nil
	default:
		e.logger.Debug("event ignored", "repo", name, "action", event.Action)
		return OutcomeIgnored, nil
	}
}

// Sync clones or fetches name and, on success, records it active.
// created reports whether this was a fresh clone. A git failure
// returns ErrSyncFailed and leaves the record untouched.
func (e *Engine) Sync(ctx context.Context, name string) (created bool, err error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	e.tree.RLock()
	defer e.tree.RUnlock()
	unlock := e.repoLocks.lock(name)
	defer unlock()

	directory := e.layout.WorkingCopy(name)
	origin := e.forge.CloneURL(name)

	_, statErr := os.Stat(directory)
	created = errors.Is(statErr, os.ErrNotExist)

	action := "fetch"
	if created {
		action = "clone"
		if err := os.MkdirAll(filepath.Dir(directory), 0o755); err != nil {
			return false, fmt.Errorf("creating owner directory for %s: %w", name, err)
		}
	}

	var resultCode int
	var stderr string
	if created {
		result := e.backend.Clone(ctx, origin, directory)
		resultCode, stderr = result.ExitCode, result.StderrTail(stderrTail)
		if !result.OK() {
			// A killed clone can leave a partial directory that would
			// otherwise be mistaken for a mirror on the next attempt.
			os.RemoveAll(directory)
		}
	} else {
		result := e.backend.Fetch(ctx, directory, origin)
		resultCode, stderr = result.ExitCode, result.StderrTail(stderrTail)
	}

	outcome := audit.ResultSuccess
	if resultCode != 0 {
		outcome = audit.ResultFailed
	}
	e.audit(action, name, audit.Fields{"result": outcome, "stderr": stderr})

	if resultCode != 0 {
		e.logger.Warn("git sync failed",
			"repo", name,
			"action", action,
			"exit_code", resultCode,
			"stderr", strings.TrimSpace(stderr),
		)
		return created, fmt.Errorf("%w: %s %s exited %d", ErrSyncFailed, action, name, resultCode)
	}

	record, err := e.store.MarkSynced(name)
	if err != nil {
		return created, err
	}
	e.logger.Info("repository synced",
		"repo", name,
		"action", action,
		"sync_count", record.SyncCount,
	)
	return created, nil
}

// Archive renames the working copy of name into the archive area and
// returns the new path, or "" if there was no working copy.
func (e *Engine) Archive(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	e.tree.RLock()
	defer e.tree.RUnlock()
	unlock := e.repoLocks.lock(name)
	defer unlock()

	return e.archiveLocked(name)
}

func (e *Engine) archiveLocked(name string) (string, error) {
	directory := e.layout.WorkingCopy(name)
	if _, err := os.Stat(directory); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	destination := e.layout.ArchivePath(name, e.clock.Now())
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", fmt.Errorf("creating archive directory for %s: %w", name, err)
	}
	if err := os.Rename(directory, destination); err != nil {
		return "", fmt.Errorf("archiving %s: %w", name, err)
	}
	e.audit("archive", name, audit.Fields{"archived_to": destination})
	e.logger.Info("repository archived", "repo", name, "archived_to", destination)
	return destination, nil
}

// Delete archives name and records it deleted. The state change
// happens even when there was nothing to archive; a failed rename is
// logged and recorded as an empty archive location.
func (e *Engine) Delete(name string) (repostate.Record, error) {
	if err := ValidateName(name); err != nil {
		return repostate.Record{}, err
	}

	e.tree.RLock()
	defer e.tree.RUnlock()
	unlock := e.repoLocks.lock(name)
	defer unlock()

	archivedTo, err := e.archiveLocked(name)
	if err != nil {
		e.logger.Error("archive failed", "repo", name, "error", err)
		e.audit("archive", name, audit.Fields{"result": audit.ResultFailed, "error": err.Error()})
		archivedTo = ""
	}
	return e.store.MarkDeleted(name, archivedTo)
}

// ResyncResult tallies a full resync.
type ResyncResult struct {
	Cloned  int `json:"cloned"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// FullResync syncs every repository the forge lists. One repository's
// failure does not stop the others. Without forge credentials it fails
// before any network access.
func (e *Engine) FullResync(ctx context.Context) (ResyncResult, error) {
	if !e.forge.HasCredentials() {
		return ResyncResult{}, ErrMissingCredentials
	}
	if !e.resyncing.CompareAndSwap(false, true) {
		return ResyncResult{}, ErrResyncRunning
	}
	defer e.resyncing.Store(false)

	repositories, err := e.forge.ListRepositories(ctx)
	if err != nil {
		return ResyncResult{}, fmt.Errorf("listing forge repositories: %w", err)
	}

	var result ResyncResult
	for _, repository := range repositories {
		created, err := e.Sync(ctx, repository.FullName)
		switch {
		case err != nil:
			result.Failed++
			e.logger.Warn("resync of repository failed", "repo", repository.FullName, "error", err)
		case created:
			result.Cloned++
		default:
			result.Updated++
		}
	}

	e.logger.Info("full resync complete",
		"repositories", len(repositories),
		"cloned", result.Cloned,
		"updated", result.Updated,
		"failed", result.Failed,
	)
	return result, nil
}

// Restore replaces the local mirror tree with a copy of source and
// rebuilds state from what landed on disk: every <owner>/<repo>.git
// directory is marked active. Returns the number of repositories
// found.
func (e *Engine) Restore(ctx context.Context, source string) (int, error) {
	info, err := os.Stat(source)
	if err != nil || !info.IsDir() {
		return 0, fmt.Errorf("%w: %s", ErrRestoreSource, source)
	}

	e.tree.Lock()
	defer e.tree.Unlock()

	result := e.copier.Mirror(ctx, source, e.layout.Repositories)
	if !result.OK() {
		e.audit("restore", "_service", audit.Fields{
			"result": audit.ResultFailed,
			"source": source,
			"stderr": result.StderrTail(stderrTail),
		})
		return 0, fmt.Errorf("%w: exit %d: %s", ErrRestoreFailed, result.ExitCode, strings.TrimSpace(result.StderrTail(stderrTail)))
	}

	names, err := discoverMirrors(e.layout.Repositories)
	if err != nil {
		return 0, err
	}
	if err := e.store.MarkRestored(names); err != nil {
		return 0, err
	}

	e.audit("restore", "_service", audit.Fields{
		"result":   audit.ResultSuccess,
		"source":   source,
		"restored": len(names),
	})
	e.logger.Info("mirror tree restored", "source", source, "restored", len(names))
	return len(names), nil
}

// discoverMirrors walks root two levels deep and returns the names of
// every <owner>/<repo>.git directory, sorted.
func discoverMirrors(root string) ([]string, error) {
	owners, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}
	var names []string
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, owner.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", owner.Name(), err)
		}
		for _, entry := range entries {
			repository, isMirror := strings.CutSuffix(entry.Name(), ".git")
			if !entry.IsDir() || !isMirror || repository == "" {
				continue
			}
			names = append(names, owner.Name()+"/"+repository)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (e *Engine) audit(action, repo string, fields audit.Fields) {
	if err := e.auditor.Append(action, repo, fields); err != nil {
		e.logger.Error("writing audit record", "action", action, "repo", repo, "error", err)
	}
}
