package bootstrap

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"golang.org/x/crypto/ssh"

	"github.com/projecteru2/devvm/config"
	"github.com/projecteru2/devvm/utils"
)

const keyComment = "devvm"

// EnsureKeyPair generates the durable ed25519 keypair if it does not exist.
// Idempotent: an existing private key is never regenerated.
//
// owner names the identity that must be able to use the credential later
// without elevation. launch runs under sudo, so the files come into existence
// owned by root; when owner is non-empty the key files and their directory
// are re-assigned to it. Empty owner skips the ownership step.
func EnsureKeyPair(ctx context.Context, conf *config.Config, owner string) error {
	keyPath := conf.SSHKeyPath()
	if utils.ValidFile(keyPath) {
		return nil
	}
	logger := log.WithFunc("bootstrap.EnsureKeyPair")
	logger.Infof(ctx, "generating SSH keypair at %s", keyPath)

	if err := utils.EnsureDirs(0o700, conf.SSHDir()); err != nil {
		return err
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, keyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := utils.AtomicWriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		_ = os.Remove(keyPath)
		return fmt.Errorf("convert public key: %w", err)
	}
	authorized := ssh.MarshalAuthorizedKey(sshPub)
	line := fmt.Sprintf("%s %s\n", string(authorized[:len(authorized)-1]), keyComment)
	if err := utils.AtomicWriteFile(conf.SSHPubKeyPath(), []byte(line), 0o644); err != nil {
		_ = os.Remove(keyPath)
		return fmt.Errorf("write public key: %w", err)
	}

	if owner != "" {
		if err := utils.ChownTree(conf.SSHDir(), owner); err != nil {
			return fmt.Errorf("install keypair for %s: %w", owner, err)
		}
		logger.Infof(ctx, "keypair ownership assigned to %s", owner)
	}
	return nil
}

// PublicKeyLine reads the authorized_keys form of the public key.
func PublicKeyLine(conf *config.Config) (string, error) {
	data, err := os.ReadFile(conf.SSHPubKeyPath()) //nolint:gosec // devvm-managed path
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	line := string(data)
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}
