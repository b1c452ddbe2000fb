// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subprocess runs external tools (git, rsync) under a wall
// clock limit and reports the outcome as data.
//
// A tool that exits non-zero, cannot be started, or runs past its
// timeout produces a [Result] with a non-zero ExitCode rather than a
// Go error, so callers can log it, audit it, and carry on. A timeout
// is reported as exit code 124, the convention of timeout(1).
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExitTimeout is the exit code reported when a command is killed for
// running past its timeout.
const ExitTimeout = 124

// ExitNotStarted is the exit code reported when the command could not
// be started at all (binary missing, bad directory).
const ExitNotStarted = 127

// Spec describes one invocation.
type Spec struct {
	Name string
	Args []string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// Env entries are appended to the process environment.
	Env []string

	// Timeout bounds the run. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Result is the outcome of a run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// OK reports whether the command exited zero.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// StderrTail returns at most the last n bytes of Stderr.
func (r Result) StderrTail(n int) string {
	if len(r.Stderr) <= n {
		return r.Stderr
	}
	return r.Stderr[len(r.Stderr)-n:]
}

// Run executes spec and waits for it.
func Run(ctx context.Context, spec Spec) Result {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, spec.Name, spec.Args...)
	command.Dir = spec.Dir
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.Env = append(os.Environ(), spec.Env...)
	// A killed git can leave helpers holding the pipes open; stop
	// waiting for them shortly after the kill.
	command.WaitDelay = 5 * time.Second

	started := time.Now() //nolint:realclock duration measurement only
	err := command.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started), //nolint:realclock duration measurement only
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = ExitTimeout
		result.TimedOut = true
		result.Stderr = strings.TrimRight(result.Stderr, "\n") + "\n" + spec.Name + " command timed out"
	default:
		var exitError *exec.ExitError
		if errors.As(err, &exitError) && exitError.ExitCode() > 0 {
			result.ExitCode = exitError.ExitCode()
		} else {
			result.ExitCode = ExitNotStarted
			result.Stderr = strings.TrimRight(result.Stderr, "\n") + "\n" + err.Error()
		}
	}
	return result
}
