package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedStartingValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10000, cfg.Tenants.UIDStart)
	assert.Equal(t, 9000, cfg.Tenants.GatewayPortStart)
	assert.Equal(t, uint32(52), cfg.Vsock.AgentPort)
	assert.Equal(t, 60000, cfg.Watchdog.IdleThresholdMs)
	assert.NotNil(t, cfg.Caddy)
	assert.Nil(t, cfg.Nginx)
	assert.NotEmpty(t, cfg.ZFS.ParentDataset)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := Default()
	want.ZFS.DefaultQuota = "20G"
	want.Watchdog.IntervalMs = 1234

	require.NoError(t, Save(dir, want))
	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveSetsRestrictiveMode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, Default()))

	info, err := os.Stat(ConfigPath(dir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadMissingConfigFails(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	require.NoError(t, AtomicWriteFile(path, []byte(`{"a":1}`), 0o600))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.json", entries[0].Name())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}
