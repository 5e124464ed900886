package bridge

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/projecteru2/devvm/bridge"
	cmdcore "github.com/projecteru2/devvm/cmd/core"
	"github.com/projecteru2/devvm/config"
	"github.com/projecteru2/devvm/instance"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initConn resolves config and the live connection. All bridge verbs need a
// running instance and fail with ErrNotRunning otherwise.
func (h Handler) initConn(cmd *cobra.Command) (context.Context, *config.Config, *instance.Connection, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	conn, err := instance.New(conf).LoadConnection(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if conn == nil {
		return nil, nil, nil, instance.ErrNotRunning
	}
	return ctx, conf, conn, nil
}

func (h Handler) Sync(cmd *cobra.Command, _ []string) error {
	ctx, conf, conn, err := h.initConn(cmd)
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	root, err := bridge.ProjectRoot(cwd)
	if err != nil {
		return err
	}
	return bridge.Sync(ctx, conf, conn, root)
}

func (h Handler) Shell(cmd *cobra.Command, _ []string) error {
	ctx, _, conn, err := h.initConn(cmd)
	if err != nil {
		return err
	}
	return bridge.Shell(ctx, conn)
}

func (h Handler) Run(cmd *cobra.Command, args []string) error {
	ctx, _, conn, err := h.initConn(cmd)
	if err != nil {
		return err
	}
	return bridge.Run(ctx, conn, args[0])
}
