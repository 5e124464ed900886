// Package core holds shared plumbing for command handlers.
package core

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/projecteru2/devvm/config"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// RequireRoot gates operations that need KVM and the durable data dir.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("this command needs root (re-run with sudo)")
	}
	return nil
}

// InvokingUser resolves the account behind sudo so artifacts meant for the
// human (the SSH keypair) can be chowned back to them. Empty when the
// command was run as real root.
func InvokingUser() string {
	return os.Getenv("SUDO_USER")
}
