package instance

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshDialTimeout = 3 * time.Second

// checkSSH performs one full SSH round-trip against the forwarded port:
// key authentication, session open, and a trivial command. Success means
// cloud-init finished enough for the provisioned user and key to exist.
func checkSSH(ctx context.Context, conn *Connection) error {
	key, err := os.ReadFile(conn.KeyPath)
	if err != nil {
		return fmt.Errorf("read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parse SSH key: %w", err)
	}

	addr := net.JoinHostPort(conn.Host, fmt.Sprint(conn.Port))
	cfg := &ssh.ClientConfig{
		User:            conn.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // ephemeral localhost guest
		Timeout:         sshDialTimeout,
	}

	dialer := net.Dialer{Timeout: sshDialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		_ = raw.Close()
		return err
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close() //nolint:errcheck

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close() //nolint:errcheck
	return session.Run("true")
}
