package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, baseURL string) {
	t.Helper()
	data := []byte("providers:\n  custom:\n    base_url: " + baseURL + "\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestManager_ServesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llmrelay.yaml")
	writeConfig(t, path, "https://one.example.com/v1")

	m, err := NewManager(path, nil)
	require.NoError(t, err)
	require.Equal(t, "https://one.example.com/v1", m.Get().Providers["custom"].BaseURL)
}

func TestManager_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llmrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  broken: {}\n"), 0o600))

	_, err := NewManager(path, nil)
	require.Error(t, err)
}

func TestManager_ReloadSwapsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llmrelay.yaml")
	writeConfig(t, path, "https://one.example.com/v1")

	m, err := NewManager(path, nil)
	require.NoError(t, err)

	var notified *Config
	m.OnChange(func(c *Config) { notified = c })

	writeConfig(t, path, "https://two.example.com/v1")
	m.reload()

	require.Equal(t, "https://two.example.com/v1", m.Get().Providers["custom"].BaseURL)
	require.NotNil(t, notified)
	require.Same(t, m.Get(), notified)
}

func TestManager_FailedReloadKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llmrelay.yaml")
	writeConfig(t, path, "https://one.example.com/v1")

	m, err := NewManager(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("providers: [broken"), 0o600))
	m.reload()

	require.Equal(t, "https://one.example.com/v1", m.Get().Providers["custom"].BaseURL)
}
