// Package instance manages the single dev VM slot: launching an overlay-backed
// guest on top of the golden image, reporting its status and tearing it down.
package instance

import (
	"context"
	"errors"
	"os/exec"

	"github.com/projecteru2/devvm/config"
	"github.com/projecteru2/devvm/lock"
	"github.com/projecteru2/devvm/lock/flock"
	"github.com/projecteru2/devvm/storage/envfile"
	"github.com/projecteru2/devvm/utils"
)

// replaced in tests
var execCommand = exec.CommandContext

var (
	// ErrAlreadyRunning is returned by Launch when a live instance exists.
	ErrAlreadyRunning = errors.New("dev VM is already running, destroy it first")
	// ErrNotRunning is returned by bridge operations when no instance exists.
	ErrNotRunning = errors.New("no dev VM is running, launch one first")
)

// Manager owns the instance slot. Launch and Destroy serialize on a file lock
// so concurrent invocations cannot interleave; Status and LoadConnection are
// lock-free reads.
type Manager struct {
	conf   *config.Config
	store  *envfile.Store
	locker lock.Locker
	probe  utils.Prober
	ready  func(ctx context.Context, conn *Connection) error
}

// New creates a Manager over the configured run directory.
func New(conf *config.Config) *Manager {
	return &Manager{
		conf:   conf,
		store:  envfile.New(conf.ConnFilePath()),
		locker: flock.New(conf.InstanceLockPath()),
		probe:  utils.ProbeProcess,
		ready:  checkSSH,
	}
}
