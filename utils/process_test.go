package utils

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestReadPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	// QEMU writes the pid followed by a newline.
	if err := os.WriteFile(path, []byte("12345\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile() error: %v", err)
	}
	if pid != 12345 {
		t.Errorf("ReadPIDFile() = %d, want 12345", pid)
	}

	if _, err := ReadPIDFile(filepath.Join(t.TempDir(), "absent.pid")); err == nil {
		t.Error("ReadPIDFile() = nil error for missing file")
	}
}

func TestReadPIDFileGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	if err := os.WriteFile(path, []byte("not a pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPIDFile(path); err == nil {
		t.Error("ReadPIDFile() = nil error for garbage content")
	}
}

func TestProbeProcess(t *testing.T) {
	if got := ProbeProcess(os.Getpid()); got != ProbeAlive {
		t.Errorf("ProbeProcess(self) = %v, want ProbeAlive", got)
	}
	if got := ProbeProcess(0); got != ProbeAbsent {
		t.Errorf("ProbeProcess(0) = %v, want ProbeAbsent", got)
	}
	if got := ProbeProcess(-1); got != ProbeAbsent {
		t.Errorf("ProbeProcess(-1) = %v, want ProbeAbsent", got)
	}
}

func TestTerminateProcessAbsent(t *testing.T) {
	absent := Prober(func(int) ProbeState { return ProbeAbsent })
	if err := TerminateProcess(context.Background(), 999999, time.Second, absent); err != nil {
		t.Fatalf("TerminateProcess(absent) = %v, want nil", err)
	}
}

func TestTerminateProcessGraceful(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	pid := cmd.Process.Pid
	// Reap in the background so the probe sees the child disappear instead
	// of lingering as a zombie.
	go cmd.Wait() //nolint:errcheck

	if err := TerminateProcess(context.Background(), pid, 3*time.Second, ProbeProcess); err != nil {
		t.Fatalf("TerminateProcess() error: %v", err)
	}
	waitGone(t, pid)
}

func TestTerminateProcessEscalatesToKill(t *testing.T) {
	cmd := exec.Command("sh", "-c", `trap "" TERM; sleep 60`)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	pid := cmd.Process.Pid
	go cmd.Wait() //nolint:errcheck

	// The shell ignores SIGTERM, so the grace window must expire and the
	// escalation path must fire.
	if err := TerminateProcess(context.Background(), pid, 500*time.Millisecond, ProbeProcess); err != nil {
		t.Fatalf("TerminateProcess() error: %v", err)
	}
	waitGone(t, pid)
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	err := WaitFor(context.Background(), 3*time.Second, 50*time.Millisecond, func() (bool, error) {
		return ProbeProcess(pid) == ProbeAbsent, nil
	})
	if err != nil {
		t.Errorf("pid %d still present: %v", pid, err)
	}
}
