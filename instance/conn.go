package instance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/devvm/config"
	"github.com/projecteru2/devvm/utils"
)

// Descriptor keys. The file is plain key=value so that shell scripts can
// source it and reach the instance without going through this binary.
const (
	keyHost = "DEVVM_SSH_HOST"
	keyPort = "DEVVM_SSH_PORT"
	keyUser = "DEVVM_SSH_USER"
	keyKey  = "DEVVM_SSH_KEY"
	keyPID  = "DEVVM_PID"
	keyDir  = "DEVVM_DIR"
)

// Connection describes a running instance: how to reach it over SSH and how
// to find its process and runtime directory.
type Connection struct {
	Host    string
	Port    int
	User    string
	KeyPath string
	PID     int
	RunDir  string
}

func (c *Connection) toMap() map[string]string {
	return map[string]string{
		keyHost: c.Host,
		keyPort: strconv.Itoa(c.Port),
		keyUser: c.User,
		keyKey:  c.KeyPath,
		keyPID:  strconv.Itoa(c.PID),
		keyDir:  c.RunDir,
	}
}

func connFromMap(kv map[string]string) (*Connection, error) {
	port, err := strconv.Atoi(kv[keyPort])
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", keyPort, kv[keyPort], err)
	}
	pid, err := strconv.Atoi(kv[keyPID])
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", keyPID, kv[keyPID], err)
	}
	host := kv[keyHost]
	if host == "" {
		host = "localhost"
	}
	return &Connection{
		Host:    host,
		Port:    port,
		User:    kv[keyUser],
		KeyPath: kv[keyKey],
		PID:     pid,
		RunDir:  kv[keyDir],
	}, nil
}

// SSHCommand renders the ssh invocation a user can paste to reach the
// instance directly.
func (c *Connection) SSHCommand() string {
	return fmt.Sprintf("ssh -i %s -p %d %s@%s", c.KeyPath, c.Port, c.User, c.Host)
}

// LoadConnection reads the descriptor and checks that the process it names is
// still there. It returns (nil, nil) when no live instance exists: the
// descriptor is absent, unparseable, or its pid no longer maps to a process.
// Anything short of a live, well-formed record counts as no instance, so
// destroy can always purge whatever a previous run left behind.
//
// A pid that exists but belongs to another user still counts as live. Probing
// across a privilege boundary yields EPERM, and an unprivileged status check
// must not declare a root-owned instance dead.
func (m *Manager) LoadConnection(ctx context.Context) (*Connection, error) {
	kv, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if kv == nil {
		return nil, nil
	}
	conn, err := connFromMap(kv)
	if err != nil {
		log.WithFunc("instance.LoadConnection").Warnf(ctx,
			"treating corrupt descriptor %s as stale: %v", m.store.Path(), err)
		return nil, nil
	}
	if m.probe(conn.PID) == utils.ProbeAbsent {
		return nil, nil
	}
	return conn, nil
}

func newConnection(conf *config.Config, port, pid int) *Connection {
	return &Connection{
		Host:    "localhost",
		Port:    port,
		User:    conf.SSHUser,
		KeyPath: conf.SSHKeyPath(),
		PID:     pid,
		RunDir:  conf.RunDir,
	}
}
