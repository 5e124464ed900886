package config

import (
	units "github.com/docker/go-units"
	coretypes "github.com/projecteru2/core/types"
)

// Config holds global devvm configuration.
//
// DevDir holds durable artifacts (keypair, base image, golden image) that
// survive destroy. RunDir holds per-instance runtime state (overlay, console
// log, PID file, connection descriptor) and is purged as a whole by destroy.
type Config struct {
	DevDir string `json:"dev_dir" mapstructure:"dev_dir"`
	RunDir string `json:"run_dir" mapstructure:"run_dir"`

	// BaseImageURL is the fixed source of the pristine cloud image.
	BaseImageURL string `json:"base_image_url" mapstructure:"base_image_url"`

	// GoldenSize is the capacity the golden image is grown to, and Memory
	// the guest RAM size; both accept go-units strings ("20G", "4096M").
	GoldenSize string `json:"golden_size" mapstructure:"golden_size"`
	Memory     string `json:"memory" mapstructure:"memory"`
	CPUs       int    `json:"cpus" mapstructure:"cpus"`

	// SSHUser is the login account provisioned into the golden image.
	SSHUser  string `json:"ssh_user" mapstructure:"ssh_user"`
	Hostname string `json:"hostname" mapstructure:"hostname"`

	// PortMin/PortMax bound the pseudo-random forwarded SSH port. Collisions
	// are tolerated as a rare launch failure, not actively avoided.
	PortMin int `json:"port_min" mapstructure:"port_min"`
	PortMax int `json:"port_max" mapstructure:"port_max"`

	QEMUBinary string `json:"qemu_binary" mapstructure:"qemu_binary"`

	// SyncExcludes are rsync exclude patterns for the sync bridge.
	SyncExcludes []string `json:"sync_excludes" mapstructure:"sync_excludes"`

	// BuildTimeoutSeconds bounds the golden-image provisioning boot,
	// ReadyTimeoutSeconds the guest SSH readiness wait, and
	// StopGraceSeconds the SIGTERM→SIGKILL window during destroy.
	BuildTimeoutSeconds int `json:"build_timeout_seconds" mapstructure:"build_timeout_seconds"`
	ReadyTimeoutSeconds int `json:"ready_timeout_seconds" mapstructure:"ready_timeout_seconds"`
	StopGraceSeconds    int `json:"stop_grace_seconds" mapstructure:"stop_grace_seconds"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DevDir:              "/var/lib/devvm",
		RunDir:              "/tmp/devvm",
		BaseImageURL:        "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img",
		GoldenSize:          "20G",
		Memory:              "4G",
		CPUs:                2,
		SSHUser:             "dev",
		Hostname:            "devvm",
		PortMin:             10000,
		PortMax:             60000,
		QEMUBinary:          "qemu-system-x86_64",
		SyncExcludes:        []string{".git/", "target/", "__pycache__/", "node_modules/"},
		BuildTimeoutSeconds: 600,
		ReadyTimeoutSeconds: 120,
		StopGraceSeconds:    2,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Normalize fills zero values back in after an unmarshal overlaid a partial
// config file or environment.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.DevDir == "" {
		c.DevDir = def.DevDir
	}
	if c.RunDir == "" {
		c.RunDir = def.RunDir
	}
	if c.BaseImageURL == "" {
		c.BaseImageURL = def.BaseImageURL
	}
	if c.GoldenSize == "" {
		c.GoldenSize = def.GoldenSize
	}
	if c.Memory == "" {
		c.Memory = def.Memory
	}
	if c.CPUs <= 0 {
		c.CPUs = def.CPUs
	}
	if c.SSHUser == "" {
		c.SSHUser = def.SSHUser
	}
	if c.Hostname == "" {
		c.Hostname = def.Hostname
	}
	if c.PortMin <= 0 || c.PortMax <= c.PortMin {
		c.PortMin, c.PortMax = def.PortMin, def.PortMax
	}
	if c.QEMUBinary == "" {
		c.QEMUBinary = def.QEMUBinary
	}
	if len(c.SyncExcludes) == 0 {
		c.SyncExcludes = def.SyncExcludes
	}
	if c.BuildTimeoutSeconds <= 0 {
		c.BuildTimeoutSeconds = def.BuildTimeoutSeconds
	}
	if c.ReadyTimeoutSeconds <= 0 {
		c.ReadyTimeoutSeconds = def.ReadyTimeoutSeconds
	}
	if c.StopGraceSeconds <= 0 {
		c.StopGraceSeconds = def.StopGraceSeconds
	}
}

// GoldenSizeBytes parses GoldenSize.
func (c *Config) GoldenSizeBytes() (int64, error) {
	return units.RAMInBytes(c.GoldenSize)
}

// MemoryMB parses Memory and returns whole mebibytes for the QEMU -m flag.
func (c *Config) MemoryMB() (int64, error) {
	b, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return 0, err
	}
	return b >> 20, nil
}
