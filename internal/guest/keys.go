package guest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyManager keeps one ed25519 key pair per VM for host-to-guest access.
type KeyManager struct {
	dir string
}

// NewKeyManager stores keys under {dir}/<vm>/.
func NewKeyManager(dir string) *KeyManager {
	return &KeyManager{dir: dir}
}

func (m *KeyManager) vmDir(vm string) string {
	return filepath.Join(m.dir, vm)
}

// PrivateKeyPath returns the private key location for vm.
func (m *KeyManager) PrivateKeyPath(vm string) string {
	return filepath.Join(m.vmDir(vm), "id_ed25519")
}

// PublicKeyPath returns the public key location for vm.
func (m *KeyManager) PublicKeyPath(vm string) string {
	return m.PrivateKeyPath(vm) + ".pub"
}

// Exists returns true if both halves of vm's key pair are on disk.
func (m *KeyManager) Exists(vm string) bool {
	_, privErr := os.Stat(m.PrivateKeyPath(vm))
	_, pubErr := os.Stat(m.PublicKeyPath(vm))
	return privErr == nil && pubErr == nil
}

// Ensure generates vm's key pair unless it already exists.
func (m *KeyManager) Ensure(vm string) error {
	if m.Exists(vm) {
		return nil
	}
	if err := os.MkdirAll(m.vmDir(vm), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	comment := "clawbox@" + vm
	block, err := ssh.MarshalPrivateKey(privKey, comment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(m.PrivateKeyPath(vm), pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		os.Remove(m.PrivateKeyPath(vm))
		return fmt.Errorf("convert public key: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment + "\n"
	if err := os.WriteFile(m.PublicKeyPath(vm), []byte(line), 0644); err != nil {
		os.Remove(m.PrivateKeyPath(vm))
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// PrivateKey returns vm's private key in PEM form.
func (m *KeyManager) PrivateKey(vm string) ([]byte, error) {
	data, err := os.ReadFile(m.PrivateKeyPath(vm))
	if err != nil {
		return nil, fmt.Errorf("read private key for %s: %w", vm, err)
	}
	return data, nil
}

// AuthorizedKey returns vm's public key as an authorized_keys line.
func (m *KeyManager) AuthorizedKey(vm string) (string, error) {
	data, err := os.ReadFile(m.PublicKeyPath(vm))
	if err != nil {
		return "", fmt.Errorf("read public key for %s: %w", vm, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Remove deletes vm's key pair.
func (m *KeyManager) Remove(vm string) error {
	if err := os.RemoveAll(m.vmDir(vm)); err != nil {
		return fmt.Errorf("remove keys for %s: %w", vm, err)
	}
	return nil
}

// AuthorizeCommand returns a guest command that appends key to the login
// user's authorized_keys once.
func AuthorizeCommand(key string) string {
	q := Quote(key)
	return `mkdir -p "$HOME/.ssh" && chmod 700 "$HOME/.ssh" && touch "$HOME/.ssh/authorized_keys" && ` +
		`chmod 600 "$HOME/.ssh/authorized_keys" && ` +
		`(grep -qxF ` + q + ` "$HOME/.ssh/authorized_keys" || printf '%s\n' ` + q + ` >> "$HOME/.ssh/authorized_keys")`
}
