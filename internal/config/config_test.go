package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recstack/rec/pkg/rec"
)

func TestLoadHosts_MissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	list, err := LoadHosts(path)
	require.NoError(t, err)
	assert.Empty(t, list.Hosts)
}

func TestLoadHosts_EmptyPathReturnsEmptyList(t *testing.T) {
	list, err := LoadHosts("")
	require.NoError(t, err)
	assert.Empty(t, list.Hosts)
}

func TestSaveHosts_ThenLoadHosts_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hosts.yaml")

	list := DefaultHostList()
	list.Upsert("prod-db", rec.HostConfig{
		Host:         "db.internal",
		Username:     "deploy",
		Port:         2222,
		IdentityFile: "~/.ssh/id_ed25519",
	})

	require.NoError(t, SaveHosts(list, path))

	loaded, err := LoadHosts(path)
	require.NoError(t, err)
	require.Len(t, loaded.Hosts, 1)

	cfg, ok := loaded.Find("prod-db")
	require.True(t, ok)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, "deploy", cfg.Username)
	assert.Equal(t, 2222, cfg.Port)
}

func TestHostList_UpsertReplacesExistingEntry(t *testing.T) {
	list := DefaultHostList()
	list.Upsert("web-1", rec.HostConfig{Host: "web1.example.com", Port: 22})
	list.Upsert("web-1", rec.HostConfig{Host: "web1.example.com", Port: 2200})

	require.Len(t, list.Hosts, 1)
	cfg, ok := list.Find("web-1")
	require.True(t, ok)
	assert.Equal(t, 2200, cfg.Port)
}

func TestHostList_FindMissingReturnsFalse(t *testing.T) {
	list := DefaultHostList()
	_, ok := list.Find("nope")
	assert.False(t, ok)
}

func TestDefaultConfigPath_RespectsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/rec/hosts.yaml", DefaultConfigPath())
}
