package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/projecteru2/devvm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// Remote commands propagate the guest's exit status unchanged so
		// `devvm run` composes with scripts and make targets.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
