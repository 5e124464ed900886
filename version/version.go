// Package version provides build-time version information.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time via -ldflags "-X github.com/projecteru2/devvm/version.VERSION=...".
var (
	VERSION  = "dev"
	REVISION = "unknown"
	BUILTAT  = "unknown"
)

// String renders the multi-line version report printed by the version verb.
func String() string {
	return fmt.Sprintf(
		"Version:        %s\nGit hash:       %s\nBuilt:          %s\nGolang version: %s\nOS/Arch:        %s/%s\n",
		VERSION, REVISION, BUILTAT, runtime.Version(), runtime.GOOS, runtime.GOARCH,
	)
}
