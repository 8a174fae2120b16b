package confloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Password string `koanf:"password"`
	AOFPath  string `koanf:"aof_path"`
	Port     int    `koanf:"port"`
	Log      string `koanf:"log"`
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fedis.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "# comment line\nFEDIS_PASSWORD=filepw\nFEDIS_AOF_PATH=/data/fedis.aof\nFEDIS_PORT=6390\n")

	var cfg testConfig
	require.NoError(t, NewLoader(WithConfigFile(path)).Load(&cfg))

	assert.Equal(t, "filepw", cfg.Password)
	assert.Equal(t, "/data/fedis.aof", cfg.AOFPath)
	assert.Equal(t, 6390, cfg.Port)
}

func TestFileKeysWithoutPrefix(t *testing.T) {
	path := writeFile(t, "LOG=debug\n")

	var cfg testConfig
	require.NoError(t, NewLoader(WithConfigFile(path)).Load(&cfg))
	assert.Equal(t, "debug", cfg.Log)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "FEDIS_PASSWORD=filepw\nFEDIS_LOG=info\n")
	t.Setenv("FEDIS_PASSWORD", "envpw")

	var cfg testConfig
	require.NoError(t, NewLoader(WithConfigFile(path)).Load(&cfg))

	assert.Equal(t, "envpw", cfg.Password, "environment wins over the file")
	assert.Equal(t, "info", cfg.Log, "file value survives where env is silent")
}

func TestEnvOnly(t *testing.T) {
	t.Setenv("FEDIS_PORT", "6400")

	var cfg testConfig
	require.NoError(t, NewLoader().Load(&cfg))
	assert.Equal(t, 6400, cfg.Port)
}

func TestMissingFileFails(t *testing.T) {
	var cfg testConfig
	err := NewLoader(WithConfigFile(filepath.Join(t.TempDir(), "absent.conf"))).Load(&cfg)
	assert.Error(t, err)
}
