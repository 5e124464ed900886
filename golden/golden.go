// Package golden builds the provisioned, reusable golden disk image.
//
// The build is slow (package install, toolchain bootstrap) relative to
// instance creation, so it runs once and the result is reused until a rebuild
// is requested. The image is provisioned at a scratch path and published by
// rename, so the golden path either holds a fully provisioned image or
// nothing at all.
package golden

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/devvm/bootstrap"
	"github.com/projecteru2/devvm/config"
	"github.com/projecteru2/devvm/metadata"
	"github.com/projecteru2/devvm/utils"
)

// seams for tests.
var (
	execCommand = exec.CommandContext
	probe       = utils.ProbeProcess
	writeSeed   = metadata.WriteSeed

	// pollInterval is how often the build checks whether the provisioning
	// boot has powered itself off.
	pollInterval = 15 * time.Second
)

// Build produces the golden image. Skips all work when the image already
// exists and rebuild is false. Any sub-step failure aborts the build without
// publishing anything at the golden path; the caller retries with rebuild.
func Build(ctx context.Context, conf *config.Config, rebuild bool) error {
	goldenPath := conf.GoldenImagePath()
	if utils.ValidFile(goldenPath) && !rebuild {
		return nil
	}
	logger := log.WithFunc("golden.Build")
	logger.Infof(ctx, "building golden image (this takes a few minutes)")

	buildPath := conf.GoldenBuildPath()
	defer os.Remove(buildPath) //nolint:errcheck // gone already on success

	if err := copyFile(conf.BaseImagePath(), buildPath); err != nil {
		return fmt.Errorf("copy base image: %w", err)
	}
	sizeBytes, err := conf.GoldenSizeBytes()
	if err != nil {
		return fmt.Errorf("invalid golden size %q: %w", conf.GoldenSize, err)
	}
	if out, err := execCommand(ctx, "qemu-img", "resize", buildPath, //nolint:gosec // controlled paths
		fmt.Sprintf("%d", sizeBytes)).CombinedOutput(); err != nil {
		return fmt.Errorf("qemu-img resize: %s: %w", strings.TrimSpace(string(out)), err)
	}

	if err := provision(ctx, conf, buildPath); err != nil {
		return err
	}

	if err := os.Rename(buildPath, goldenPath); err != nil {
		return fmt.Errorf("publish golden image: %w", err)
	}
	if err := utils.SyncParentDir(conf.DevDir); err != nil {
		return fmt.Errorf("sync dev dir: %w", err)
	}
	logger.Infof(ctx, "golden image ready: %s", goldenPath)
	return nil
}

// ConsoleLogPath is the provisioning boot's console transcript. It lives in
// the durable directory so a failed build can still be diagnosed.
func ConsoleLogPath(conf *config.Config) string {
	return conf.GoldenImagePath() + ".console.log"
}

// provision boots buildPath once with the first-boot seed attached and waits
// for the guest to power itself off, bounded by the build timeout. On timeout
// the throwaway boot is force-killed and the build fails.
func provision(ctx context.Context, conf *config.Config, buildPath string) error {
	logger := log.WithFunc("golden.provision")

	seedDir, err := os.MkdirTemp("", "devvm-seed-")
	if err != nil {
		return fmt.Errorf("create seed dir: %w", err)
	}
	defer os.RemoveAll(seedDir) //nolint:errcheck

	pubKey, err := bootstrap.PublicKeyLine(conf)
	if err != nil {
		return err
	}
	seedPath, err := writeSeed(ctx, seedDir, &metadata.Config{
		InstanceID:    "devvm-golden-" + uuid.NewString(),
		Hostname:      conf.Hostname,
		User:          conf.SSHUser,
		AuthorizedKey: pubKey,
		Packages:      metadata.DefaultPackages,
	})
	if err != nil {
		return err
	}

	memMB, err := conf.MemoryMB()
	if err != nil {
		return fmt.Errorf("invalid memory %q: %w", conf.Memory, err)
	}
	consoleLog := ConsoleLogPath(conf)
	pidFile := buildPath + ".pid"
	defer os.Remove(pidFile) //nolint:errcheck

	args := []string{
		"-m", fmt.Sprintf("%d", memMB),
		"-smp", fmt.Sprintf("%d", conf.CPUs),
		"-cpu", "host", "-enable-kvm",
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", buildPath),
		"-drive", fmt.Sprintf("file=%s,format=raw,if=virtio", seedPath),
		"-netdev", "user,id=net0",
		"-device", "virtio-net-pci,netdev=net0",
		"-display", "none",
		"-serial", "file:" + consoleLog,
		"-pidfile", pidFile,
		"-daemonize",
	}
	if out, err := execCommand(ctx, conf.QEMUBinary, args...).CombinedOutput(); err != nil { //nolint:gosec // fixed binary
		return fmt.Errorf("boot provisioning VM: %s: %w", strings.TrimSpace(string(out)), err)
	}

	pid, err := utils.ReadPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("read provisioning PID: %w", err)
	}
	logger.Infof(ctx, "provisioning VM started (PID %d), waiting for self-shutdown", pid)

	// The provisioning script's final action is poweroff; the hypervisor
	// process disappearing is the completion signal.
	timeout := time.Duration(conf.BuildTimeoutSeconds) * time.Second
	if err := utils.WaitFor(ctx, timeout, pollInterval, func() (bool, error) {
		return probe(pid) == utils.ProbeAbsent, nil
	}); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return fmt.Errorf("golden image provisioning did not finish within %s (console log: %s): %w",
			timeout, consoleLog, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // devvm-managed path
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // image is world-readable
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
