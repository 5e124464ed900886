package config

import (
	"path/filepath"

	"github.com/projecteru2/devvm/utils"
)

// EnsureDevDirs creates the durable directory tree. The runtime directory is
// deliberately not created here: launch recreates it fresh every time. The
// ssh directory is also left to the keypair bootstrap, which owns its 0700
// mode.
func (c *Config) EnsureDevDirs() error {
	return utils.EnsureDirs(0o755, c.DevDir)
}

// Durable paths, survive destroy.

func (c *Config) SSHDir() string        { return filepath.Join(c.DevDir, "ssh") }
func (c *Config) SSHKeyPath() string    { return filepath.Join(c.SSHDir(), "id_ed25519") }
func (c *Config) SSHPubKeyPath() string { return c.SSHKeyPath() + ".pub" }

func (c *Config) BaseImagePath() string   { return filepath.Join(c.DevDir, "base.img") }
func (c *Config) GoldenImagePath() string { return filepath.Join(c.DevDir, "golden.qcow2") }

// GoldenBuildPath is where a golden image is provisioned before being
// published by rename; a failed build never leaves anything at
// GoldenImagePath.
func (c *Config) GoldenBuildPath() string { return c.GoldenImagePath() + ".building" }

// InstanceLockPath is the flock file guarding the single instance slot.
// It lives in DevDir because destroy removes RunDir wholesale.
func (c *Config) InstanceLockPath() string { return filepath.Join(c.DevDir, "instance.lock") }

// Runtime paths, purged by destroy.

func (c *Config) OverlayPath() string    { return filepath.Join(c.RunDir, "overlay.qcow2") }
func (c *Config) ConsoleLogPath() string { return filepath.Join(c.RunDir, "console.log") }
func (c *Config) PIDFilePath() string    { return filepath.Join(c.RunDir, "qemu.pid") }
func (c *Config) ConnFilePath() string   { return filepath.Join(c.RunDir, "connection.env") }
