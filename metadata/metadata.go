// Package metadata generates the cloud-init NoCloud payload injected into the
// golden-image provisioning boot.
package metadata

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

// seam for tests.
var execCommand = exec.CommandContext

// Config holds the inputs for the first-boot configuration.
type Config struct {
	InstanceID string
	Hostname   string
	// User is the login account created with passwordless sudo and the
	// authorized public key.
	User          string
	AuthorizedKey string
	Packages      []string
	// RunCmds are provisioning commands executed after package install.
	// The guest always powers itself off as the final action; that is the
	// signal the golden build waits for.
	RunCmds []string
}

// DefaultPackages is the tooling installed into the golden image.
var DefaultPackages = []string{
	"e2fsprogs",
	"curl",
	"file",
	"openssh-server",
	"python3",
	"build-essential",
	"pkg-config",
	"libssl-dev",
}

var tmplFuncs = template.FuncMap{
	// yamlQuote escapes single quotes for YAML single-quoted strings.
	"yamlQuote": func(s string) string {
		return strings.ReplaceAll(s, "'", "''")
	},
}

var metaDataTmpl = template.Must(template.New("meta-data").Parse(
	"instance-id: {{.InstanceID}}\nlocal-hostname: {{.Hostname}}\n"))

var userDataTmpl = template.Must(template.New("user-data").Funcs(tmplFuncs).Parse(`#cloud-config
hostname: {{.Hostname}}

users:
  - name: {{.User}}
    shell: /bin/bash
    sudo: ALL=(ALL) NOPASSWD:ALL
    groups: kvm
    ssh_authorized_keys:
      - {{.AuthorizedKey}}

package_update: true

packages:
{{- range .Packages}}
  - {{.}}
{{- end}}

runcmd:
{{- range .RunCmds}}
  - '{{yamlQuote .}}'
{{- end}}
  - systemctl enable --now ssh
  - mkdir -p /work
  - chown -R {{.User}}:{{.User}} /work
  - poweroff
`))

// RenderUserData renders the #cloud-config user-data document.
func RenderUserData(cfg *Config) (string, error) {
	var buf bytes.Buffer
	if err := userDataTmpl.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("render user-data: %w", err)
	}
	return buf.String(), nil
}

// RenderMetaData renders the NoCloud meta-data document.
func RenderMetaData(cfg *Config) (string, error) {
	var buf bytes.Buffer
	if err := metaDataTmpl.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("render meta-data: %w", err)
	}
	return buf.String(), nil
}

// WriteSeed renders user-data and meta-data into dir and packs them into a
// NoCloud seed volume with cloud-localds. Returns the seed image path.
func WriteSeed(ctx context.Context, dir string, cfg *Config) (string, error) {
	userData, err := RenderUserData(cfg)
	if err != nil {
		return "", err
	}
	metaData, err := RenderMetaData(cfg)
	if err != nil {
		return "", err
	}

	userPath := filepath.Join(dir, "user-data")
	metaPath := filepath.Join(dir, "meta-data")
	if err := os.WriteFile(userPath, []byte(userData), 0o644); err != nil { //nolint:gosec // throwaway seed input
		return "", fmt.Errorf("write user-data: %w", err)
	}
	if err := os.WriteFile(metaPath, []byte(metaData), 0o644); err != nil { //nolint:gosec // throwaway seed input
		return "", fmt.Errorf("write meta-data: %w", err)
	}

	seedPath := filepath.Join(dir, "seed.img")
	cmd := execCommand(ctx, "cloud-localds", seedPath, userPath, metaPath) //nolint:gosec // fixed binary, controlled paths
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("cloud-localds: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return seedPath, nil
}
