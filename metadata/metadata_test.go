package metadata

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func testConfig() *Config {
	return &Config{
		InstanceID:    "devvm-golden-test",
		Hostname:      "devvm",
		User:          "dev",
		AuthorizedKey: "ssh-ed25519 AAAATEST devvm",
		Packages:      []string{"curl", "build-essential"},
		RunCmds:       []string{"echo it's done"},
	}
}

func TestRenderUserData(t *testing.T) {
	out, err := RenderUserData(testConfig())
	if err != nil {
		t.Fatalf("RenderUserData() error: %v", err)
	}

	for _, want := range []string{
		"#cloud-config",
		"name: dev",
		"sudo: ALL=(ALL) NOPASSWD:ALL",
		"- ssh-ed25519 AAAATEST devvm",
		"- curl",
		"- build-essential",
		"systemctl enable --now ssh",
		"chown -R dev:dev /work",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("user-data missing %q\n%s", want, out)
		}
	}

	// The provisioning boot must end by powering itself off; that shutdown
	// is the build completion signal.
	if !strings.HasSuffix(strings.TrimSpace(out), "- poweroff") {
		t.Errorf("user-data does not end with poweroff:\n%s", out)
	}
}

func TestRenderUserDataQuotesRunCmds(t *testing.T) {
	out, err := RenderUserData(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "- 'echo it''s done'") {
		t.Errorf("runcmd not single-quote escaped:\n%s", out)
	}
}

func TestRenderMetaData(t *testing.T) {
	out, err := RenderMetaData(testConfig())
	if err != nil {
		t.Fatalf("RenderMetaData() error: %v", err)
	}
	if !strings.Contains(out, "instance-id: devvm-golden-test") {
		t.Errorf("meta-data missing instance-id:\n%s", out)
	}
	if !strings.Contains(out, "local-hostname: devvm") {
		t.Errorf("meta-data missing hostname:\n%s", out)
	}
}

func TestWriteSeed(t *testing.T) {
	var gotName string
	var gotArgs []string
	execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotName = name
		gotArgs = args
		return exec.CommandContext(ctx, "true")
	}
	defer func() { execCommand = exec.CommandContext }()

	dir := t.TempDir()
	seedPath, err := WriteSeed(context.Background(), dir, testConfig())
	if err != nil {
		t.Fatalf("WriteSeed() error: %v", err)
	}
	if seedPath != filepath.Join(dir, "seed.img") {
		t.Errorf("seed path = %q", seedPath)
	}
	if gotName != "cloud-localds" {
		t.Errorf("packed with %q, want cloud-localds", gotName)
	}
	if len(gotArgs) == 0 || gotArgs[0] != seedPath {
		t.Errorf("cloud-localds args = %v, want seed path first", gotArgs)
	}

	for _, name := range []string{"user-data", "meta-data"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
}
