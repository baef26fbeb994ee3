package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stratum.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesRunConfig(t *testing.T) {
	path := writeConfig(t, `
state_path: /var/lib/stratum/state.db
parallelism: 6
defaults:
  batch_size: 500
  csv_header: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/stratum/state.db", cfg.StatePath)
	require.Equal(t, 6, cfg.Parallelism)
	require.EqualValues(t, 500, cfg.Defaults.BatchSize)
	require.True(t, cfg.Defaults.CSVHeader)
}

func TestLoadRejectsNegativeParallelism(t *testing.T) {
	path := writeConfig(t, "parallelism: -1\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
