package vm

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/devvm/cmd/core"
	"github.com/projecteru2/devvm/instance"
	"github.com/projecteru2/devvm/progress"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Launch(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	if err := cmdcore.RequireRoot(); err != nil {
		return err
	}
	rebuild, err := cmd.Flags().GetBool("rebuild")
	if err != nil {
		return err
	}

	mgr := instance.New(conf)
	conn, err := mgr.Launch(ctx, instance.LaunchOptions{
		Rebuild: rebuild,
		Owner:   cmdcore.InvokingUser(),
		Tracker: downloadTracker(),
	})
	if err != nil {
		return err
	}

	fmt.Println("Dev VM is up")
	fmt.Printf("  PID:      %d\n", conn.PID)
	fmt.Printf("  SSH port: %d\n", conn.Port)
	fmt.Printf("  SSH cmd:  %s\n", conn.SSHCommand())
	return nil
}

func (h Handler) Status(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	st, err := instance.New(conf).Status(ctx)
	if err != nil {
		return err
	}
	if !st.Running {
		fmt.Println("No dev VM is running")
		return nil
	}
	fmt.Println("Dev VM is running")
	fmt.Printf("  PID:      %d\n", st.PID)
	fmt.Printf("  SSH port: %d\n", st.Port)
	fmt.Printf("  SSH cmd:  %s\n", st.SSHCommand)
	return nil
}

func (h Handler) Destroy(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	if err := instance.New(conf).Destroy(ctx); err != nil {
		return err
	}
	fmt.Println("Dev VM destroyed")
	return nil
}

// downloadTracker prints base image download progress to the terminal.
func downloadTracker() progress.Tracker {
	var started bool
	return progress.TrackerFunc(func(e progress.Event) {
		switch e.Phase {
		case progress.PhaseDownload:
			if !started {
				started = true
				if e.BytesTotal > 0 {
					fmt.Printf("Downloading base image (%s)\n", units.HumanSize(float64(e.BytesTotal)))
				} else {
					fmt.Println("Downloading base image")
				}
				return
			}
			if e.BytesTotal > 0 {
				pct := float64(e.BytesDone) / float64(e.BytesTotal) * 100 //nolint:mnd
				fmt.Printf("\r  %s / %s (%.1f%%)",
					units.HumanSize(float64(e.BytesDone)), units.HumanSize(float64(e.BytesTotal)), pct)
			} else {
				fmt.Printf("\r  %s downloaded", units.HumanSize(float64(e.BytesDone)))
			}
		case progress.PhaseCommit:
			fmt.Printf("\nCommitting...\n")
		case progress.PhaseDone:
			fmt.Println("Base image ready")
		}
	})
}
