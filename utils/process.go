package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ProbeState is the outcome of a zero-effect process existence probe.
type ProbeState int

const (
	// ProbeAbsent means no process with that PID exists.
	ProbeAbsent ProbeState = iota
	// ProbeAlive means the process exists and is signalable by us.
	ProbeAlive
	// ProbeUnauthorized means the process exists but is owned by a more
	// privileged identity. For devvm this happens whenever an instance
	// started under sudo is probed by the unprivileged user; callers must
	// treat it as alive.
	ProbeUnauthorized
)

// Prober probes a PID for existence. It is a capability so liveness-dependent
// logic can be tested without real processes.
type Prober func(pid int) ProbeState

// ProbeProcess is the real Prober: kill(pid, 0) sends no signal, it only
// checks existence and permission.
func ProbeProcess(pid int) ProbeState {
	if pid <= 0 {
		return ProbeAbsent
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil:
		return ProbeAlive
	case errors.Is(err, syscall.EPERM):
		return ProbeUnauthorized
	default:
		return ProbeAbsent
	}
}

// ReadPIDFile reads a PID integer from path. The hypervisor writes its own
// pid file when daemonizing; this side only ever reads it back.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // internal runtime path
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// TerminateProcess sends SIGTERM to pid, waits up to gracePeriod for it to
// exit, then escalates to SIGKILL. The escalation is the only built-in retry
// in the whole tool. Returns nil if the process is gone by any means.
func TerminateProcess(ctx context.Context, pid int, gracePeriod time.Duration, probe Prober) error {
	if probe(pid) == ProbeAbsent {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && probe(pid) == ProbeAbsent {
		return nil
	}

	const pollInterval = 100 * time.Millisecond
	err := WaitFor(ctx, gracePeriod, pollInterval, func() (bool, error) {
		return probe(pid) == ProbeAbsent, nil
	})
	if err == nil {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && probe(pid) != ProbeAbsent {
		return fmt.Errorf("SIGKILL pid %d: %w", pid, err)
	}
	return nil
}
