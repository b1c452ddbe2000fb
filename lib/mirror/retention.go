// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/audit"
	"github.com/bureau-foundation/forgemirror/lib/clock"
)

// archiveMarker separates a mirror name from its archive timestamp.
const archiveMarker = ".git."

// Exporter copies an expired archive somewhere durable before the
// sweeper removes it. relative is the path below the archive root,
// slash-separated.
type Exporter interface {
	Export(ctx context.Context, path, relative string) error
}

// SweepResult tallies one sweep.
type SweepResult struct {
	Removed int
	Kept    int
	Skipped int
}

// Sweeper removes archived mirrors older than the retention window.
type Sweeper struct {
	Root      string
	Retention time.Duration
	Clock     clock.Clock
	Auditor   audit.Appender

	// Exporter, when set, runs before each removal. An entry whose
	// export fails is kept.
	Exporter Exporter

	Logger *slog.Logger
}

// ParseArchiveTime extracts the timestamp from an archived mirror name
// such as "repo.git.2026-01-02-03-04-05".
func ParseArchiveTime(name string) (time.Time, bool) {
	index := strings.LastIndex(name, archiveMarker)
	if index <= 0 {
		return time.Time{}, false
	}
	stamp, err := time.ParseInLocation(ArchiveTimeLayout, name[index+len(archiveMarker):], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return stamp, true
}

// Sweep walks the archive root once. Entries whose names do not carry a
// parseable timestamp are never touched.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := s.Clock.Now()
	cutoff := now.Add(-s.Retention)

	var result SweepResult
	err := filepath.WalkDir(s.Root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == s.Root && errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			logger.Warn("walking archive area", "path", path, "error", walkErr)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == s.Root || !strings.Contains(entry.Name(), archiveMarker) {
			return nil
		}

		archivedAt, ok := ParseArchiveTime(entry.Name())
		if !ok {
			result.Skipped++
			return skipIfDir(entry)
		}
		if !archivedAt.Before(cutoff) {
			result.Kept++
			return skipIfDir(entry)
		}

		relative, err := filepath.Rel(s.Root, path)
		if err != nil {
			return fmt.Errorf("relating %s to archive root: %w", path, err)
		}
		relative = filepath.ToSlash(relative)

		if s.Exporter != nil {
			if err := s.Exporter.Export(ctx, path, relative); err != nil {
				logger.Error("exporting expired archive", "path", relative, "error", err)
				s.audit(logger, "export", relative, audit.Fields{
					"result": audit.ResultFailed,
					"error":  err.Error(),
				})
				result.Kept++
				return skipIfDir(entry)
			}
			s.audit(logger, "export", relative, audit.Fields{"result": audit.ResultSuccess})
		}

		if entry.IsDir() {
			os.RemoveAll(path)
		} else if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("removing expired archive", "path", relative, "error", err)
		}

		ageDays := int(now.Sub(archivedAt).Hours() / 24)
		s.audit(logger, "cleanup", relative, audit.Fields{"age_days": ageDays})
		logger.Info("expired archive removed", "path", relative, "age_days", ageDays)
		result.Removed++
		return skipIfDir(entry)
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *Sweeper) audit(logger *slog.Logger, action, repo string, fields audit.Fields) {
	if s.Auditor == nil {
		return
	}
	if err := s.Auditor.Append(action, repo, fields); err != nil {
		logger.Error("writing audit record", "action", action, "repo", repo, "error", err)
	}
}

func skipIfDir(entry fs.DirEntry) error {
	if entry.IsDir() {
		return fs.SkipDir
	}
	return nil
}
