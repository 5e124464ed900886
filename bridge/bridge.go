// Package bridge runs host-side collaborators against a live instance:
// rsync of the project tree, an interactive shell and one-shot remote
// commands. All of it speaks plain OpenSSH so the instance stays reachable
// without this binary.
package bridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"
	"golang.org/x/term"

	"github.com/projecteru2/devvm/config"
	"github.com/projecteru2/devvm/instance"
)

// remoteWorkDir is provisioned by cloud-init and owned by the guest user.
const remoteWorkDir = "/work"

// replaced in tests
var execCommand = exec.CommandContext

// SSHArgs builds the common ssh argument list for the instance. Host key
// churn is expected: every launch boots a fresh guest, so strict checking
// would reject every second instance.
func SSHArgs(conn *instance.Connection) []string {
	return []string{
		"-i", conn.KeyPath,
		"-p", strconv.Itoa(conn.Port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
	}
}

func sshDestination(conn *instance.Connection) string {
	return fmt.Sprintf("%s@%s", conn.User, conn.Host)
}

// Shell replaces stdio with an interactive SSH session. A TTY is only
// requested when stdin actually is one, so piping into the shell still works.
func Shell(ctx context.Context, conn *instance.Connection) error {
	args := SSHArgs(conn)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		args = append(args, "-t")
	}
	args = append(args, sshDestination(conn))

	cmd := execCommand(ctx, "ssh", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Run executes one command remotely under a login shell so the guest user's
// profile (PATH, toolchain env) applies. The returned error carries the
// remote exit status as an *exec.ExitError for the caller to propagate.
func Run(ctx context.Context, conn *instance.Connection, command string) error {
	args := append(SSHArgs(conn), sshDestination(conn))
	args = append(args, "bash -l -c "+shellQuote(command))

	cmd := execCommand(ctx, "ssh", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Sync mirrors the project tree into the guest work directory with rsync.
// Deletions propagate; configured excludes keep build artifacts and VCS
// metadata off the wire.
func Sync(ctx context.Context, conf *config.Config, conn *instance.Connection, srcRoot string) error {
	logger := log.WithFunc("bridge.Sync")
	dst := fmt.Sprintf("%s:%s/", sshDestination(conn),
		filepath.Join(remoteWorkDir, filepath.Base(srcRoot)))
	logger.Infof(ctx, "syncing %s -> %s", srcRoot, dst)

	args := []string{"-az", "--delete"}
	for _, pattern := range conf.SyncExcludes {
		args = append(args, "--exclude", pattern)
	}
	args = append(args,
		"-e", "ssh "+strings.Join(SSHArgs(conn), " "),
		srcRoot+"/",
		dst,
	)
	if out, err := execCommand(ctx, "rsync", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("rsync: %w: %s", err, out)
	}
	logger.Info(ctx, "sync complete")
	return nil
}

// ProjectRoot walks up from dir looking for a go.mod or .git marker. It is
// how sync decides what "the project" is without being told.
func ProjectRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for d := abs; ; d = filepath.Dir(d) {
		for _, marker := range []string{"go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(d, marker)); err == nil {
				return d, nil
			}
		}
		if d == filepath.Dir(d) {
			return "", fmt.Errorf("no project root found above %s", abs)
		}
	}
}

// shellQuote single-quotes s for the remote shell, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
