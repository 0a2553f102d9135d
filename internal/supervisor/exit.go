// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/ManuGH/webtuner/internal/procgroup"
)

// KillSignal is what Kill sends first; exits by it are never failures.
const KillSignal = syscall.SIGTERM

// ExitClass is the supervisor's verdict on a finished subprocess.
type ExitClass int

const (
	// ExitExpected: shutdown was requested or the process died of KillSignal.
	ExitExpected ExitClass = iota
	// ExitClean: exit code 0 without a shutdown request (input ended).
	ExitClean
	// ExitFailure: non-zero code or a foreign signal.
	ExitFailure
)

func (c ExitClass) String() string {
	switch c {
	case ExitExpected:
		return "expected"
	case ExitClean:
		return "clean"
	case ExitFailure:
		return "failure"
	}
	return "unknown"
}

// ExitError describes a failed subprocess. It is what onError receives.
type ExitError struct {
	Kind   Kind
	Code   int
	Signal string
	Stderr []string
}

func (e *ExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s process ", e.Kind)
	if e.Signal != "" {
		fmt.Fprintf(&b, "killed by %s", e.Signal)
	} else {
		fmt.Fprintf(&b, "exited with code %d", e.Code)
	}
	if n := len(e.Stderr); n > 0 {
		fmt.Fprintf(&b, ": %s", e.Stderr[n-1])
	}
	return b.String()
}

// SpawnError wraps a failure to start the subprocess at all.
type SpawnError struct {
	Kind Kind
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s process: %v", e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// classify maps a finished process to its ExitClass. code is -1 when signalled.
func classify(shuttingDown bool, state *os.ProcessState) (class ExitClass, code int, signal string) {
	code = -1
	if state != nil {
		code = state.ExitCode()
	}
	if sig, ok := procgroup.ExitSignal(state); ok {
		signal = sig.String()
		if shuttingDown || sig == KillSignal {
			return ExitExpected, code, signal
		}
		return ExitFailure, code, signal
	}
	if shuttingDown {
		return ExitExpected, code, ""
	}
	if code == 0 {
		return ExitClean, code, ""
	}
	return ExitFailure, code, ""
}
