// Package vm wires the instance lifecycle verbs.
package vm

import "github.com/spf13/cobra"

// Actions defines instance lifecycle operations.
type Actions interface {
	Launch(cmd *cobra.Command, args []string) error
	Status(cmd *cobra.Command, args []string) error
	Destroy(cmd *cobra.Command, args []string) error
}

// Commands builds the lifecycle command set (launch, status, destroy).
func Commands(h Actions) []*cobra.Command {
	launchCmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch the dev VM (bootstraps keys, images and golden build as needed)",
		Args:  cobra.NoArgs,
		RunE:  h.Launch,
	}
	launchCmd.Flags().Bool("rebuild", false, "rebuild the golden image even if present")

	return []*cobra.Command{
		launchCmd,
		{
			Use:   "status",
			Short: "Show whether the dev VM is running and how to reach it",
			Args:  cobra.NoArgs,
			RunE:  h.Status,
		},
		{
			Use:   "destroy",
			Short: "Stop the dev VM and purge its runtime state",
			Args:  cobra.NoArgs,
			RunE:  h.Destroy,
		},
	}
}
