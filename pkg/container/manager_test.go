package container

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteConfigTreeWritesClientConfigAndSoul(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{opts: Options{ConfigRoot: dir, ProxyPort: 8787}}

	configDir, err := m.writeConfigTree("job-1", 9000, "tok123", "You are a helpful agent.")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "job-1"), configDir)

	raw, err := os.ReadFile(filepath.Join(configDir, "client-config.json"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "tok123")
	require.Contains(t, string(raw), "8787")

	soul, err := os.ReadFile(filepath.Join(configDir, "SOUL.md"))
	require.NoError(t, err)
	require.Equal(t, "You are a helpful agent.", string(soul))
}

func TestWriteConfigTreeOmitsSoulWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{opts: Options{ConfigRoot: dir, ProxyPort: 8787}}

	configDir, err := m.writeConfigTree("job-1", 9000, "tok123", "")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(configDir, "SOUL.md"))
	require.True(t, os.IsNotExist(err))
}
