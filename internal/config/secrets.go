package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const apiKeySecret = "openrouter_api_key"

// ErrSecretNotFound is returned when the secrets file has no entry for a name.
var ErrSecretNotFound = errors.New("secret not found")

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// fileSecrets is a flat {"name": "value"} JSON file readable only by its owner.
type fileSecrets struct {
	path string
}

func (f fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", f.path, err)
	}
	return m, nil
}

func (f fileSecrets) Secret(name string) (string, error) {
	m, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := m[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}
	return v, nil
}

func (f fileSecrets) Store(name, value string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	lock := flock.New(f.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking secrets file: %w", err)
	}
	defer lock.Unlock()

	m, err := f.read()
	if err != nil {
		return err
	}
	m[name] = value

	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.path, out, 0o600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(f.path, 0o600)
}

// SetAPIKey stores the OpenRouter API key in the secrets file.
func SetAPIKey(value string) error {
	return fileSecrets{path: secretsFilePath()}.Store(apiKeySecret, value)
}
