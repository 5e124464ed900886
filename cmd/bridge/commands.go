// Package bridge wires the host-side collaborator verbs.
package bridge

import "github.com/spf13/cobra"

// Actions defines operations against a running instance.
type Actions interface {
	Sync(cmd *cobra.Command, args []string) error
	Shell(cmd *cobra.Command, args []string) error
	Run(cmd *cobra.Command, args []string) error
}

// Commands builds the collaborator command set (sync, ssh, run).
func Commands(h Actions) []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "sync",
			Short: "Mirror the project tree into the dev VM",
			Args:  cobra.NoArgs,
			RunE:  h.Sync,
		},
		{
			Use:   "ssh",
			Short: "Open an interactive shell in the dev VM",
			Args:  cobra.NoArgs,
			RunE:  h.Shell,
		},
		{
			Use:   "run COMMAND",
			Short: "Run one command in the dev VM under a login shell",
			Args:  cobra.ExactArgs(1),
			RunE:  h.Run,
		},
	}
}
