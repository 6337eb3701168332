// Package config loads and persists the host list REC runtimes are
// configured from.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/recstack/rec/internal/ports"
	"github.com/recstack/rec/pkg/rec"
)

// DefaultConfigPath returns $XDG_CONFIG_HOME/rec/hosts.yaml, falling
// back to ~/.config/rec/hosts.yaml.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "rec", "hosts.yaml")
}

// HostEntry names a HostConfig so a host list can be addressed by a
// short alias rather than repeating Host/Username/Port everywhere.
type HostEntry struct {
	Name   string         `yaml:"name"`
	Config rec.HostConfig `yaml:"config"`
}

// HostList is the top-level document persisted to hosts.yaml.
type HostList struct {
	Hosts []HostEntry `yaml:"hosts"`
}

// DefaultHostList returns an empty list; REC has no built-in hosts.
func DefaultHostList() *HostList {
	return &HostList{}
}

// LoadHosts loads the host list from path. A missing file is not an
// error: it returns an empty list so first-run callers can add hosts
// and Save them. An optional FileSystem overrides the real OS, for
// tests.
func LoadHosts(path string, fsys ...ports.FileSystem) (*HostList, error) {
	list := DefaultHostList()

	if path == "" {
		return list, nil
	}

	var data []byte
	var err error
	if len(fsys) > 0 && fsys[0] != nil {
		data, err = fsys[0].ReadFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return list, nil
		}
		return nil, fmt.Errorf("read host list: %w", err)
	}

	if err := yaml.Unmarshal(data, list); err != nil {
		return nil, fmt.Errorf("parse host list: %w", err)
	}
	return list, nil
}

// SaveHosts writes list to path as YAML, creating parent directories
// as needed. An optional FileSystem overrides the real OS, for tests.
func SaveHosts(list *HostList, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal host list: %w", err)
	}

	if len(fsys) > 0 && fsys[0] != nil {
		return fsys[0].WriteFile(path, data, 0644)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Find returns the HostConfig named name, and whether it was found.
func (l *HostList) Find(name string) (rec.HostConfig, bool) {
	for _, e := range l.Hosts {
		if e.Name == name {
			return e.Config, true
		}
	}
	return rec.HostConfig{}, false
}

// Upsert adds or replaces the entry named name.
func (l *HostList) Upsert(name string, cfg rec.HostConfig) {
	for i, e := range l.Hosts {
		if e.Name == name {
			l.Hosts[i].Config = cfg
			return
		}
	}
	l.Hosts = append(l.Hosts, HostEntry{Name: name, Config: cfg})
}
