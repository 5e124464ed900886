package instance

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/devvm/lock"
	"github.com/projecteru2/devvm/utils"
)

// Destroy tears the instance down: graceful SIGTERM, a short grace window,
// then SIGKILL, and finally a purge of the whole run directory. Destroying
// when nothing runs is not an error; any stale runtime state is purged so
// the slot always ends clean.
func (m *Manager) Destroy(ctx context.Context) error {
	logger := log.WithFunc("instance.Destroy")

	if err := m.conf.EnsureDevDirs(); err != nil {
		return err
	}
	return lock.WithLock(ctx, m.locker, func() error {
		conn, err := m.LoadConnection(ctx)
		if err != nil {
			return err
		}
		if conn == nil {
			logger.Info(ctx, "no dev VM running, purging leftover state")
			if err := m.reapOrphan(ctx); err != nil {
				return err
			}
			return m.purge()
		}

		logger.Infof(ctx, "stopping dev VM pid %d", conn.PID)
		if err := m.stop(ctx, conn.PID); err != nil {
			return err
		}
		return m.purge()
	})
}

// reapOrphan handles a guest that booted but never reached readiness: no
// descriptor was committed, yet the pid file in the run directory still names
// a live hypervisor. Purging without stopping it would orphan that process.
func (m *Manager) reapOrphan(ctx context.Context) error {
	pid, err := utils.ReadPIDFile(m.conf.PIDFilePath())
	if err != nil {
		// No readable pid file means nothing booted.
		return nil
	}
	if m.probe(pid) == utils.ProbeAbsent {
		return nil
	}
	log.WithFunc("instance.reapOrphan").Infof(ctx, "stopping orphaned dev VM pid %d", pid)
	return m.stop(ctx, pid)
}

func (m *Manager) stop(ctx context.Context, pid int) error {
	grace := time.Duration(m.conf.StopGraceSeconds) * time.Second
	if err := utils.TerminateProcess(ctx, pid, grace, m.probe); err != nil {
		return fmt.Errorf("stop dev VM pid %d: %w", pid, err)
	}
	return nil
}

// purge removes the descriptor first: if the directory removal fails partway,
// no record naming a dead process survives it.
func (m *Manager) purge() error {
	if err := m.store.Remove(); err != nil {
		return err
	}
	if err := os.RemoveAll(m.conf.RunDir); err != nil {
		return fmt.Errorf("purge run dir: %w", err)
	}
	return nil
}
