package instance

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/projecteru2/core/log"
	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/devvm/config"
	"github.com/projecteru2/devvm/utils"
)

func TestMain(m *testing.M) {
	_ = log.SetupLog(context.Background(), &coretypes.ServerLogConfig{Level: "info"}, "")
	os.Exit(m.Run())
}

func testConf(t *testing.T) *config.Config {
	t.Helper()
	conf := config.DefaultConfig()
	conf.DevDir = t.TempDir()
	conf.RunDir = t.TempDir()
	conf.ReadyTimeoutSeconds = 1
	conf.StopGraceSeconds = 1
	return conf
}

func fixedProber(state utils.ProbeState) utils.Prober {
	return func(int) utils.ProbeState { return state }
}

// writeDescriptor plants a connection descriptor as a previous launch
// would have left it.
func writeDescriptor(t *testing.T, m *Manager, port, pid int) {
	t.Helper()
	conn := newConnection(m.conf, port, pid)
	if err := m.store.Create(conn.toMap()); err != nil {
		t.Fatal(err)
	}
}

func TestConnectionMapRoundTrip(t *testing.T) {
	conf := testConf(t)
	want := newConnection(conf, 23456, 777)

	got, err := connFromMap(want.toMap())
	if err != nil {
		t.Fatalf("connFromMap() error: %v", err)
	}
	if *got != *want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestConnFromMapRejectsGarbage(t *testing.T) {
	_, err := connFromMap(map[string]string{keyPort: "not-a-port", keyPID: "1"})
	if err == nil {
		t.Error("connFromMap() accepted garbage port")
	}
	_, err = connFromMap(map[string]string{keyPort: "22", keyPID: ""})
	if err == nil {
		t.Error("connFromMap() accepted empty pid")
	}
}

func TestSSHCommand(t *testing.T) {
	conf := testConf(t)
	conn := newConnection(conf, 23456, 777)
	cmd := conn.SSHCommand()
	for _, want := range []string{"-p 23456", "-i " + conf.SSHKeyPath(), conf.SSHUser + "@localhost"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("SSHCommand() = %q, missing %q", cmd, want)
		}
	}
}

func TestLoadConnection(t *testing.T) {
	tests := []struct {
		name     string
		probe    utils.Prober
		wantLive bool
	}{
		{"process gone means stale", fixedProber(utils.ProbeAbsent), false},
		{"live process", fixedProber(utils.ProbeAlive), true},
		{"privileged process counts as live", fixedProber(utils.ProbeUnauthorized), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(testConf(t))
			m.probe = tt.probe
			writeDescriptor(t, m, 22222, 4242)

			conn, err := m.LoadConnection(context.Background())
			if err != nil {
				t.Fatalf("LoadConnection() error: %v", err)
			}
			if got := conn != nil; got != tt.wantLive {
				t.Errorf("live = %v, want %v", got, tt.wantLive)
			}
			if conn != nil && (conn.Port != 22222 || conn.PID != 4242) {
				t.Errorf("conn = %+v", conn)
			}
		})
	}
}

func TestDestroyPurgesCorruptDescriptor(t *testing.T) {
	conf := testConf(t)
	m := New(conf)
	m.probe = fixedProber(utils.ProbeAlive)
	if err := os.WriteFile(conf.ConnFilePath(), []byte("DEVVM_SSH_PORT=nope\nDEVVM_PID=zero\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	conn, err := m.LoadConnection(context.Background())
	if err != nil || conn != nil {
		t.Fatalf("LoadConnection(corrupt) = (%v, %v), want (nil, nil)", conn, err)
	}
	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if _, err := os.Stat(conf.RunDir); !os.IsNotExist(err) {
		t.Error("run dir with corrupt descriptor not purged")
	}
}

func TestLoadConnectionNoDescriptor(t *testing.T) {
	m := New(testConf(t))
	conn, err := m.LoadConnection(context.Background())
	if err != nil || conn != nil {
		t.Fatalf("LoadConnection() = (%v, %v), want (nil, nil)", conn, err)
	}
}

func TestStatus(t *testing.T) {
	m := New(testConf(t))
	m.probe = fixedProber(utils.ProbeAlive)

	st, err := m.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Running {
		t.Error("Status() reports running with no descriptor")
	}

	writeDescriptor(t, m, 22222, 4242)
	st, err = m.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.PID != 4242 || st.Port != 22222 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestLaunchFailsFastWhenRunning(t *testing.T) {
	m := New(testConf(t))
	m.probe = fixedProber(utils.ProbeAlive)
	writeDescriptor(t, m, 22222, 4242)

	origExec := execCommand
	defer func() { execCommand = origExec }()
	execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		t.Errorf("fail-fast launch ran %s %v", name, args)
		return exec.CommandContext(ctx, "true")
	}

	_, err := m.Launch(context.Background(), LaunchOptions{})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Launch() = %v, want ErrAlreadyRunning", err)
	}
	// The existing descriptor survives untouched.
	conn, err := m.LoadConnection(context.Background())
	if err != nil || conn == nil || conn.Port != 22222 {
		t.Errorf("descriptor disturbed: (%+v, %v)", conn, err)
	}
}

func TestLaunchHappyPath(t *testing.T) {
	conf := testConf(t)
	m := New(conf)
	m.probe = fixedProber(utils.ProbeAlive)
	m.ready = func(context.Context, *Connection) error { return nil }

	// Bootstrap and golden build are idempotent; presenting their outputs
	// makes Launch go straight to instance creation.
	seedArtifacts(t, conf)

	var commands [][]string
	origExec := execCommand
	defer func() { execCommand = origExec }()
	execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		commands = append(commands, append([]string{name}, args...))
		if name == conf.QEMUBinary {
			return exec.CommandContext(ctx, "sh", "-c",
				"echo "+strconv.Itoa(os.Getpid())+" > "+conf.PIDFilePath())
		}
		return exec.CommandContext(ctx, "true")
	}

	conn, err := m.Launch(context.Background(), LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}

	if conn.Port < conf.PortMin || conn.Port >= conf.PortMax {
		t.Errorf("port %d outside [%d, %d)", conn.Port, conf.PortMin, conf.PortMax)
	}
	if conn.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", conn.PID, os.Getpid())
	}

	// The descriptor must be committed and loadable.
	loaded, err := m.LoadConnection(context.Background())
	if err != nil || loaded == nil {
		t.Fatalf("LoadConnection() after launch = (%v, %v)", loaded, err)
	}
	if *loaded != *conn {
		t.Errorf("descriptor = %+v, want %+v", loaded, conn)
	}

	assertOverlayCommand(t, commands, conf)
	assertQEMUCommand(t, commands, conf, conn.Port)
}

func seedArtifacts(t *testing.T, conf *config.Config) {
	t.Helper()
	if err := os.MkdirAll(conf.SSHDir(), 0o700); err != nil {
		t.Fatal(err)
	}
	for path, content := range map[string]string{
		conf.SSHKeyPath():      "fake private key",
		conf.SSHPubKeyPath():   "ssh-ed25519 AAAATEST devvm\n",
		conf.BaseImagePath():   "base image",
		conf.GoldenImagePath(): "golden image",
	} {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

func assertOverlayCommand(t *testing.T, commands [][]string, conf *config.Config) {
	t.Helper()
	for _, cmd := range commands {
		if cmd[0] != "qemu-img" {
			continue
		}
		joined := strings.Join(cmd, " ")
		if !strings.Contains(joined, "-b "+conf.GoldenImagePath()) {
			t.Errorf("overlay not backed by golden image: %v", cmd)
		}
		if cmd[len(cmd)-1] != conf.OverlayPath() {
			t.Errorf("overlay created at %q, want %q", cmd[len(cmd)-1], conf.OverlayPath())
		}
		return
	}
	t.Error("qemu-img create never invoked")
}

func assertQEMUCommand(t *testing.T, commands [][]string, conf *config.Config, port int) {
	t.Helper()
	for _, cmd := range commands {
		if cmd[0] != conf.QEMUBinary {
			continue
		}
		joined := strings.Join(cmd, " ")
		wantFwd := "hostfwd=tcp::" + strconv.Itoa(port) + "-:22"
		if !strings.Contains(joined, wantFwd) {
			t.Errorf("qemu args missing %q: %v", wantFwd, cmd)
		}
		if !strings.Contains(joined, conf.OverlayPath()) {
			t.Errorf("qemu not booting the overlay: %v", cmd)
		}
		if !strings.Contains(joined, "-daemonize") {
			t.Errorf("qemu not daemonized: %v", cmd)
		}
		return
	}
	t.Errorf("%s never invoked", conf.QEMUBinary)
}

func TestLaunchReadinessTimeoutLeavesGuestRunning(t *testing.T) {
	conf := testConf(t)
	m := New(conf)
	m.probe = fixedProber(utils.ProbeAlive)
	m.ready = func(context.Context, *Connection) error { return errors.New("connection refused") }
	seedArtifacts(t, conf)

	origExec := execCommand
	defer func() { execCommand = origExec }()
	execCommand = func(ctx context.Context, name string, _ ...string) *exec.Cmd {
		if name == conf.QEMUBinary {
			return exec.CommandContext(ctx, "sh", "-c",
				"echo "+strconv.Itoa(os.Getpid())+" > "+conf.PIDFilePath())
		}
		return exec.CommandContext(ctx, "true")
	}

	_, err := m.Launch(context.Background(), LaunchOptions{})
	if err == nil {
		t.Fatal("Launch() = nil, want readiness timeout")
	}
	if !strings.Contains(err.Error(), conf.ConsoleLogPath()) {
		t.Errorf("timeout error %q does not name the console log", err)
	}
	// No descriptor is committed on a failed launch.
	if _, statErr := os.Stat(conf.ConnFilePath()); !os.IsNotExist(statErr) {
		t.Error("failed launch committed a descriptor")
	}
}

func TestDestroyReapsGuestAfterReadinessTimeout(t *testing.T) {
	conf := testConf(t)
	m := New(conf)
	m.ready = func(context.Context, *Connection) error { return errors.New("connection refused") }
	seedArtifacts(t, conf)

	// Stand in for the daemonized hypervisor with a real process so the
	// pid file names something alive after the failed launch.
	child := exec.Command("sleep", "300")
	if err := child.Start(); err != nil {
		t.Fatal(err)
	}
	go child.Wait() //nolint:errcheck
	pid := child.Process.Pid

	origExec := execCommand
	defer func() { execCommand = origExec }()
	execCommand = func(ctx context.Context, name string, _ ...string) *exec.Cmd {
		if name == conf.QEMUBinary {
			return exec.CommandContext(ctx, "sh", "-c",
				"echo "+strconv.Itoa(pid)+" > "+conf.PIDFilePath())
		}
		return exec.CommandContext(ctx, "true")
	}

	if _, err := m.Launch(context.Background(), LaunchOptions{}); err == nil {
		t.Fatal("Launch() = nil, want readiness timeout")
	}
	if utils.ProbeProcess(pid) != utils.ProbeAlive {
		t.Fatal("guest gone before destroy; timed-out launch must leave it running")
	}

	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	waitGone(t, pid)
	if _, err := os.Stat(conf.RunDir); !os.IsNotExist(err) {
		t.Error("run dir not purged")
	}
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	err := utils.WaitFor(context.Background(), 3*time.Second, 50*time.Millisecond, func() (bool, error) {
		return utils.ProbeProcess(pid) == utils.ProbeAbsent, nil
	})
	if err != nil {
		t.Errorf("pid %d still present: %v", pid, err)
	}
}

func TestDestroyWithoutInstancePurges(t *testing.T) {
	conf := testConf(t)
	m := New(conf)
	m.probe = fixedProber(utils.ProbeAbsent)

	leftover := conf.OverlayPath()
	if err := os.WriteFile(leftover, []byte("stale overlay"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if _, err := os.Stat(conf.RunDir); !os.IsNotExist(err) {
		t.Error("run dir not purged")
	}
}

func TestDestroyStopsLiveProcess(t *testing.T) {
	conf := testConf(t)
	m := New(conf)

	child := exec.Command("sleep", "60")
	if err := child.Start(); err != nil {
		t.Fatal(err)
	}
	go child.Wait() //nolint:errcheck
	writeDescriptor(t, m, 22222, child.Process.Pid)

	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if utils.ProbeProcess(child.Process.Pid) == utils.ProbeAlive {
		t.Error("instance process still alive after destroy")
	}
	if _, err := os.Stat(conf.RunDir); !os.IsNotExist(err) {
		t.Error("run dir not purged")
	}
}

func TestDestroyIdempotent(t *testing.T) {
	m := New(testConf(t))
	m.probe = fixedProber(utils.ProbeAbsent)
	for i := 0; i < 2; i++ {
		if err := m.Destroy(context.Background()); err != nil {
			t.Fatalf("Destroy() #%d error: %v", i+1, err)
		}
	}
}
