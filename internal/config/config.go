// Package config loads the aggregator's backend roster and ambient
// settings: the mcp-servers.json file describing which child MCP
// servers to spawn, and the handful of environment variables that
// control auth, audit, and config file locations.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// BackendConfig describes one child MCP server to spawn and supervise.
// Immutable after Load: the manager never mutates a loaded BackendConfig.
type BackendConfig struct {
	Name    string            `json:"-"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Enabled *bool             `json:"enabled"`
}

// IsEnabled returns the backend's enabled flag, defaulting to true when
// the field was omitted from the config file.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// mcpServersFile is the on-disk shape of mcp-servers.json.
type mcpServersFile struct {
	MCPServers map[string]BackendConfig `json:"mcpServers"`
}

// AggregatorConfig is the fully resolved set of backends plus the
// process-wide settings read from the environment.
type AggregatorConfig struct {
	Backends     map[string]BackendConfig
	AuthEnabled  bool
	AuthKeysFile string
	AuditLogFile string
}

// Load resolves every environment variable and config file the
// aggregator needs, in spec-mandated precedence order: explicit env var
// path, else the conventional default path.
func Load() (*AggregatorConfig, error) {
	configPath := envStr("MCP_CONFIG_PATH", "./config/mcp-servers.json")

	backends, err := LoadBackends(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading backend config %s: %w", configPath, err)
	}

	return &AggregatorConfig{
		Backends:     backends,
		AuthEnabled:  envBool("AUTH_ENABLED", false),
		AuthKeysFile: envStr("AUTH_KEYS_FILE", "./config/api-keys.json"),
		AuditLogFile: envStr("AUDIT_LOG_FILE", "./logs/audit.log"),
	}, nil
}

// LoadBackends reads and parses an mcp-servers.json file, expanding
// ${VAR} references in each backend's env map and stamping the map key
// onto BackendConfig.Name.
func LoadBackends(path string) (map[string]BackendConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file mcpServersFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	backends := make(map[string]BackendConfig, len(file.MCPServers))
	for name, cfg := range file.MCPServers {
		if strings.Contains(name, ".") {
			return nil, fmt.Errorf("backend name %q must not contain '.'", name)
		}
		cfg.Name = name
		cfg.Env = expandEnvMap(cfg.Env)
		backends[name] = cfg
	}
	return backends, nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvMap replaces every ${VAR} token in each value with the
// aggregator process's own environment value for VAR. A reference to an
// unset variable is preserved literally rather than rejected: a missing
// optional credential shouldn't prevent an otherwise-working backend
// from starting.
func expandEnvMap(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	expanded := make(map[string]string, len(env))
	for k, v := range env {
		expanded[k] = expandEnvString(v)
	}
	return expanded
}

func expandEnvString(v string) string {
	return envRefPattern.ReplaceAllStringFunc(v, func(token string) string {
		name := envRefPattern.FindStringSubmatch(token)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return token
	})
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
