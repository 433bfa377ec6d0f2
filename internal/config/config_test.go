package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBackendsExpandsEnvVars(t *testing.T) {
	t.Setenv("WEATHER_API_KEY", "super-secret")
	dir := t.TempDir()
	path := writeFile(t, dir, "mcp-servers.json", `{
		"mcpServers": {
			"weather": {
				"command": "./weather-server",
				"args": ["--stdio"],
				"env": {"API_KEY": "${WEATHER_API_KEY}"}
			}
		}
	}`)

	backends, err := LoadBackends(path)
	require.NoError(t, err)
	require.Contains(t, backends, "weather")
	b := backends["weather"]
	assert.Equal(t, "weather", b.Name)
	assert.Equal(t, "super-secret", b.Env["API_KEY"])
	assert.True(t, b.IsEnabled())
}

func TestLoadBackendsPreservesLiteralOnUnsetVar(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mcp-servers.json", `{
		"mcpServers": {
			"x": {"command": "x", "env": {"TOKEN": "${NOT_SET_ANYWHERE}"}}
		}
	}`)

	backends, err := LoadBackends(path)
	require.NoError(t, err)
	assert.Equal(t, "${NOT_SET_ANYWHERE}", backends["x"].Env["TOKEN"])
}

func TestLoadBackendsRejectsDotInName(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mcp-servers.json", `{"mcpServers": {"bad.name": {"command": "x"}}}`)

	_, err := LoadBackends(path)
	assert.Error(t, err)
}

func TestBackendConfigEnabledDefaultsTrue(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mcp-servers.json", `{
		"mcpServers": {
			"a": {"command": "x"},
			"b": {"command": "y", "enabled": false}
		}
	}`)

	backends, err := LoadBackends(path)
	require.NoError(t, err)
	assert.True(t, backends["a"].IsEnabled())
	assert.False(t, backends["b"].IsEnabled())
}

func TestLoadReadsEnvironmentVariables(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", `{"mcpServers": {}}`)
	t.Setenv("MCP_CONFIG_PATH", path)
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_KEYS_FILE", "/tmp/keys.json")
	t.Setenv("AUDIT_LOG_FILE", "/tmp/audit.log")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AuthEnabled)
	assert.Equal(t, "/tmp/keys.json", cfg.AuthKeysFile)
	assert.Equal(t, "/tmp/audit.log", cfg.AuditLogFile)
	assert.Empty(t, cfg.Backends)
}
