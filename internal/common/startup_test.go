package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	ListenAddress string
	ReadTimeout   time.Duration
	Routes        map[string]string
	Nested        struct {
		Port uint16
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadConfig_MergesOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base", "config.yaml"), `
listenAddress: ":9999"
readTimeout: 30s
routes:
  report: reportes
nested:
  port: 1
`)
	override := filepath.Join(dir, "override.yaml")
	writeFile(t, override, `
readTimeout: 5s
`)
	t.Setenv("TASKRELAY_NESTED_PORT", "42")

	var config testConfig
	LoadConfig(&config, filepath.Join(dir, "base"), []string{override})

	assert.Equal(t, ":9999", config.ListenAddress)
	assert.Equal(t, 5*time.Second, config.ReadTimeout)
	assert.Equal(t, map[string]string{"report": "reportes"}, config.Routes)
	assert.Equal(t, uint16(42), config.Nested.Port)
}

func TestReadEnvironmentLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	assert.Equal(t, "debug", readEnvironmentLogLevel().String())

	t.Setenv("LOG_LEVEL", "nonsense")
	assert.Equal(t, "info", readEnvironmentLogLevel().String())
}
