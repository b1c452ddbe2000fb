// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunSuccess(t *testing.T) {
	result := Run(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
		Env:  []string{"EXTRA=1"},
	})
	if !result.OK() {
		t.Fatalf("ExitCode = %d, want 0 (stderr %q)", result.ExitCode, result.Stderr)
	}
	if result.Stdout != "out\n" || result.Stderr != "err\n" {
		t.Errorf("Stdout, Stderr = %q, %q, want %q, %q", result.Stdout, result.Stderr, "out\n", "err\n")
	}
}

func TestRunPassesEnvironment(t *testing.T) {
	result := Run(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", `printf %s "$MIRROR_TEST_VALUE"`},
		Env:  []string{"MIRROR_TEST_VALUE=injected"},
	})
	if result.Stdout != "injected" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "injected")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	result := Run(context.Background(), Spec{Name: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	if result.ExitCode != 3 || result.OK() {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "boom") {
		t.Errorf("Stderr = %q, want to contain boom", result.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	result := Run(context.Background(), Spec{
		Name:    "sleep",
		Args:    []string{"10"},
		Timeout: 100 * time.Millisecond,
	})
	if result.ExitCode != ExitTimeout || !result.TimedOut {
		t.Fatalf("Result = %+v, want exit %d and TimedOut", result, ExitTimeout)
	}
	if !strings.HasSuffix(result.Stderr, "sleep command timed out") {
		t.Errorf("Stderr = %q, want timeout note", result.Stderr)
	}
}

func TestRunMissingBinary(t *testing.T) {
	result := Run(context.Background(), Spec{Name: "definitely-not-a-real-binary-x9"})
	if result.ExitCode != ExitNotStarted {
		t.Errorf("ExitCode = %d, want %d", result.ExitCode, ExitNotStarted)
	}
}

func TestStderrTail(t *testing.T) {
	result := Result{Stderr: strings.Repeat("a", 10) + "tail"}
	if got := result.StderrTail(4); got != "tail" {
		t.Errorf("StderrTail(4) = %q, want %q", got, "tail")
	}
	if got := result.StderrTail(100); got != result.Stderr {
		t.Errorf("StderrTail(100) = %q, want whole stderr", got)
	}
}
