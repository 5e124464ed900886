package instance

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/devvm/bootstrap"
	"github.com/projecteru2/devvm/golden"
	"github.com/projecteru2/devvm/progress"
	"github.com/projecteru2/devvm/utils"
)

const readyPollInterval = 3 * time.Second

// LaunchOptions tune a single launch.
type LaunchOptions struct {
	// Rebuild forces the golden image to be rebuilt even when present.
	Rebuild bool
	// Owner, when non-empty, is the account that should own the generated
	// SSH keypair (the invoking user behind sudo, not root).
	Owner string
	// Tracker observes base image download progress; nil discards events.
	Tracker progress.Tracker
}

// Launch brings up the dev VM: it runs bootstrap and the golden build if
// needed, creates a fresh copy-on-write overlay, boots QEMU with a random
// host-forwarded SSH port and waits until the guest accepts SSH sessions.
// Only then is the connection descriptor committed.
//
// Launch fails fast with ErrAlreadyRunning when a live instance exists; it
// never tears one down implicitly.
func (m *Manager) Launch(ctx context.Context, opts LaunchOptions) (*Connection, error) {
	logger := log.WithFunc("instance.Launch")
	if opts.Tracker == nil {
		opts.Tracker = progress.Discard()
	}

	if err := m.conf.EnsureDevDirs(); err != nil {
		return nil, err
	}
	ok, err := m.locker.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("another devvm operation is in progress")
	}
	defer m.locker.Unlock(ctx) //nolint:errcheck

	conn, err := m.LoadConnection(ctx)
	if err != nil {
		return nil, err
	}
	if conn != nil {
		return nil, fmt.Errorf("%w (pid %d, port %d)", ErrAlreadyRunning, conn.PID, conn.Port)
	}

	if err := bootstrap.EnsureKeyPair(ctx, m.conf, opts.Owner); err != nil {
		return nil, err
	}
	if err := bootstrap.EnsureBaseImage(ctx, m.conf, opts.Tracker); err != nil {
		return nil, err
	}
	if err := golden.Build(ctx, m.conf, opts.Rebuild); err != nil {
		return nil, err
	}

	// Stale runtime state from a dead instance self-heals here: the run dir
	// is recreated from scratch on every launch.
	if err := os.RemoveAll(m.conf.RunDir); err != nil {
		return nil, fmt.Errorf("purge run dir: %w", err)
	}
	if err := utils.EnsureDirs(0o755, m.conf.RunDir); err != nil {
		return nil, err
	}

	if err := m.createOverlay(ctx); err != nil {
		return nil, err
	}

	port := m.conf.PortMin + rand.IntN(m.conf.PortMax-m.conf.PortMin) //nolint:gosec // not security sensitive
	logger.Infof(ctx, "booting dev VM on forwarded SSH port %d", port)

	pid, err := m.bootGuest(ctx, port)
	if err != nil {
		return nil, err
	}

	conn = newConnection(m.conf, port, pid)
	if err := m.waitReady(ctx, conn); err != nil {
		return nil, err
	}

	if err := m.store.Create(conn.toMap()); err != nil {
		return nil, err
	}
	// Runtime files must be readable by the unprivileged invoking user so
	// status, sync and ssh work without sudo.
	for _, p := range []string{m.conf.ConnFilePath(), m.conf.ConsoleLogPath(), m.conf.PIDFilePath()} {
		if err := os.Chmod(p, 0o644); err != nil {
			logger.Warnf(ctx, "chmod %s: %v", p, err)
		}
	}

	logger.Infof(ctx, "dev VM ready: %s", conn.SSHCommand())
	return conn, nil
}

func (m *Manager) createOverlay(ctx context.Context) error {
	args := []string{
		"create", "-f", "qcow2",
		"-F", "qcow2", "-b", m.conf.GoldenImagePath(),
		m.conf.OverlayPath(),
	}
	if out, err := execCommand(ctx, "qemu-img", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("qemu-img create overlay: %w: %s", err, out)
	}
	return nil
}

// bootGuest starts QEMU daemonized on the overlay with user-mode networking
// and the given host port forwarded to guest port 22, then reads back the pid
// QEMU wrote.
func (m *Manager) bootGuest(ctx context.Context, port int) (int, error) {
	memMB, err := m.conf.MemoryMB()
	if err != nil {
		return 0, err
	}
	args := []string{
		"-m", strconv.FormatInt(memMB, 10),
		"-smp", strconv.Itoa(m.conf.CPUs),
		"-cpu", "host",
		"-enable-kvm",
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", m.conf.OverlayPath()),
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:22", port),
		"-device", "virtio-net-pci,netdev=net0",
		"-display", "none",
		"-serial", "file:" + m.conf.ConsoleLogPath(),
		"-pidfile", m.conf.PIDFilePath(),
		"-daemonize",
	}
	if out, err := execCommand(ctx, m.conf.QEMUBinary, args...).CombinedOutput(); err != nil {
		return 0, fmt.Errorf("boot guest: %w: %s", err, out)
	}
	return utils.ReadPIDFile(m.conf.PIDFilePath())
}

// waitReady polls the guest until a full SSH session round-trip succeeds.
// Port reachability alone is not enough: the forwarded port accepts TCP as
// soon as QEMU is up, long before sshd inside the guest does.
//
// On timeout the guest is left running so its console log can be inspected.
func (m *Manager) waitReady(ctx context.Context, conn *Connection) error {
	logger := log.WithFunc("instance.waitReady")
	timeout := time.Duration(m.conf.ReadyTimeoutSeconds) * time.Second

	var lastErr error
	err := utils.WaitFor(ctx, timeout, readyPollInterval, func() (bool, error) {
		if lastErr = m.ready(ctx, conn); lastErr != nil {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		logger.Warnf(ctx, "guest not ready after %s, last error: %v", timeout, lastErr)
		return fmt.Errorf("guest SSH not ready after %s, inspect %s: %w",
			timeout, m.conf.ConsoleLogPath(), err)
	}
	return nil
}
