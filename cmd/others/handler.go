package others

import (
	"fmt"

	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/devvm/cmd/core"
	"github.com/projecteru2/devvm/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
