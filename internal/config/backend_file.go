package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const appName = "lexiassist"

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return appName + "-data"
	}
	return filepath.Join(home, ".local", "share", appName)
}

func configFilePath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName, "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", appName, "config.json")
	}
	return filepath.Join(home, ".config", appName, "config.json")
}

// sections maps "server" -> "port" -> 8080 as it appears in config.json.
type sections map[string]map[string]json.RawMessage

// fileBackend keeps config.json grouped by section:
//
//	{"server": {"port": 8080}, "cache": {"ttl": "1h"}}
//
// Writes take a sibling lock file and replace config.json atomically, so a
// running server never reads a half-written file.
type fileBackend struct {
	path string
	data sections
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path}
	data, err := readSections(path)
	if err != nil {
		slog.Warn("ignoring unreadable config file", "path", path, "error", err)
		data = sections{}
	}
	b.data = data
	return b
}

func readSections(path string) (sections, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return sections{}, nil
	}
	if err != nil {
		return nil, err
	}
	data := sections{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return data, nil
}

func splitKey(key string) (section, name string, err error) {
	section, name, ok := strings.Cut(key, ".")
	if !ok || section == "" || name == "" {
		return "", "", fmt.Errorf("config key %q must look like section.name", key)
	}
	return section, name, nil
}

func (b *fileBackend) Lookup(key string) (json.RawMessage, bool) {
	section, name, err := splitKey(key)
	if err != nil {
		return nil, false
	}
	v, ok := b.data[section][name]
	return v, ok
}

func (b *fileBackend) Set(key string, value any) error {
	section, name, err := splitKey(key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return b.update(func(data sections) {
		if data[section] == nil {
			data[section] = map[string]json.RawMessage{}
		}
		data[section][name] = raw
	})
}

func (b *fileBackend) Unset(key string) error {
	section, name, err := splitKey(key)
	if err != nil {
		return err
	}
	return b.update(func(data sections) {
		delete(data[section], name)
		if len(data[section]) == 0 {
			delete(data, section)
		}
	})
}

// update re-reads the file under the lock so concurrent `config set` calls
// do not drop each other's keys.
func (b *fileBackend) update(mutate func(sections)) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	lock := flock.New(b.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking config file: %w", err)
	}
	defer lock.Unlock()

	data, err := readSections(b.path)
	if err != nil {
		return err
	}
	mutate(data)

	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, append(out, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config: %w", err)
	}
	b.data = data
	return nil
}
