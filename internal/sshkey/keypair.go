package sshkey

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

type Algorithm string

const (
	Ed25519 Algorithm = "ed25519"
	RSA     Algorithm = "rsa"
	ECDSA   Algorithm = "ecdsa"
)

// NewKeyPair generates a fresh SSH keypair with ssh-keygen and returns the
// encoded public and private keys.
func NewKeyPair(algo Algorithm) (pubKey string, privKey string, err error) {
	if _, err := exec.LookPath("ssh-keygen"); err != nil {
		return "", "", fmt.Errorf("ssh-keygen not found: %w", err)
	}

	switch algo {
	case Ed25519, RSA, ECDSA:
	default:
		return "", "", fmt.Errorf("unsupported algorithm: %s", algo)
	}

	// Use tmpfs-backed secure location
	tempDir, err := os.MkdirTemp("", "keygate-")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	keyPath := filepath.Join(tempDir, "keygate")

	cmd := exec.Command("ssh-keygen", "-t", string(algo), "-N", "", "-f", keyPath)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return "", "", fmt.Errorf("ssh-keygen failed: %w", err)
	}

	privBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read private key: %w", err)
	}

	pubBytes, err := os.ReadFile(keyPath + ".pub")
	if err != nil {
		return "", "", fmt.Errorf("failed to read public key: %w", err)
	}

	return string(pubBytes), string(privBytes), nil
}
