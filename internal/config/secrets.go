package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultVMPassword is written into a freshly created secrets file.
const DefaultVMPassword = "clawbox"

type secretsFile struct {
	VMPassword string `yaml:"vm_password"`
}

// SecretsFileContents renders a secrets file for password.
func SecretsFileContents(password string) string {
	return fmt.Sprintf("vm_password: %q\n", password)
}

// MissingSecretsMessage tells the operator how to create the secrets file.
func MissingSecretsMessage(path string) string {
	return fmt.Sprintf("secrets file not found: %s\n\nCreate it with:\n  mkdir -p %q\n  printf '%%s' '%s' > %q\n  chmod 600 %q",
		path, filepath.Dir(path), SecretsFileContents(DefaultVMPassword), path, path)
}

// EnsureSecretsFile creates path with the default password when missing and
// create is true. It reports whether a file was created.
func EnsureSecretsFile(path string, create bool) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if !create {
		return false, fmt.Errorf("%s", MissingSecretsMessage(path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(SecretsFileContents(DefaultVMPassword)), 0600); err != nil {
		return false, fmt.Errorf("write secrets file: %w", err)
	}
	return true, nil
}

// ReadVMPassword returns vm_password from the secrets file.
func ReadVMPassword(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s", MissingSecretsMessage(path))
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}

	var s secretsFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("parse secrets file %s: %w", path, err)
	}
	if s.VMPassword == "" {
		return "", fmt.Errorf("could not parse vm_password from %s", path)
	}
	return s.VMPassword, nil
}
