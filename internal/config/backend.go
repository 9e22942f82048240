package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Backend persists non-secret settings under their dotted key names. Values
// are held as JSON text and decoded by the key's spec.
type Backend interface {
	Lookup(key string) (json.RawMessage, bool)
	Store(key string, raw json.RawMessage) error
	Unset(key string) error
}

// xdgBase returns $env, or home joined with fallback when it is unset.
// It returns "" when neither is available.
func xdgBase(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

func defaultDataDir() string {
	base := xdgBase("XDG_DATA_HOME", ".local", "share")
	if base == "" {
		return "vibelink-data"
	}
	return filepath.Join(base, "vibelink")
}

func configFilePath() string {
	base := xdgBase("XDG_CONFIG_HOME", ".config")
	if base == "" {
		base = "."
	}
	return filepath.Join(base, "vibelink", "config.json")
}

// fileBackend keeps settings in one flat JSON object on disk. Every write
// replaces the file through a rename.
type fileBackend struct {
	path   string
	values map[string]json.RawMessage
}

func newPlatformBackend() Backend {
	return newFileBackend(configFilePath())
}

// newFileBackend reads path. A missing file is an empty config; an
// unreadable or corrupt one is reported and treated as empty.
func newFileBackend(path string) *fileBackend {
	values, err := readSettings(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] ignoring config file %s: %v. Using default values.\n", path, err)
	}
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	return &fileBackend{path: path, values: values}
}

func readSettings(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	return values, nil
}

func (b *fileBackend) Lookup(key string) (json.RawMessage, bool) {
	raw, ok := b.values[key]
	if !ok || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}

func (b *fileBackend) Store(key string, raw json.RawMessage) error {
	b.values[key] = raw
	return b.flush()
}

func (b *fileBackend) Unset(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.flush()
}

func (b *fileBackend) flush() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}
