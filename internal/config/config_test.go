package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
providers:
  - name: aistudio
    throttle_mode: BY_MODEL
    min_throttle_duration: 1
    max_throttle_duration: 10
    models: [gemini-2.5-pro]
    native_protocols: [gemini]
users:
  - token: sk-test
    keys:
      - provider: aistudio
        key_data: '{"apiKey":"AIza-x"}'
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, ":memory:", cfg.Database.DSN)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "aistudio", cfg.Providers[0].Name)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "sk-test", cfg.Users[0].Token)
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}"))
	assert.Equal(t, "key: sk-secret-123", string(result))
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "relay.db", cfg.Database.DSN)
	assert.Equal(t, "@every 1h", cfg.Maintenance.Schedule)
}
