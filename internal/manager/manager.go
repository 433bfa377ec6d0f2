// Package manager owns the set of backend clients and the aggregated,
// namespaced tool catalog, and routes tool calls to the backend that
// owns them.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/search-mcp/search-mcp/internal/apperr"
	"github.com/search-mcp/search-mcp/internal/backend"
	"github.com/search-mcp/search-mcp/internal/config"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

// AuditSink is the narrow audit surface the manager needs.
type AuditSink interface {
	Record(eventType, level, action, result string, details map[string]any)
}

// ServerStats summarizes one backend for GetStats.
type ServerStats struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	ToolCount int    `json:"toolCount"`
}

// Stats is the aggregate view returned by GetStats and surfaced by
// list_servers.
type Stats struct {
	TotalServers   int           `json:"totalServers"`
	RunningServers int           `json:"runningServers"`
	TotalTools     int           `json:"totalTools"`
	PerServer      []ServerStats `json:"perServer"`
}

// Manager loads backend config, spawns backend.Client instances,
// aggregates their tool catalogs under a namespace prefix, and routes
// ExecuteTool calls to the owning backend.
type Manager struct {
	audit  AuditSink
	policy backend.ReconnectPolicy

	mu       sync.RWMutex
	backends map[string]*backend.Client
	configs  map[string]config.BackendConfig

	catalog atomic.Pointer[map[string]jsonrpc.ToolInfoFull]
}

// New builds an empty Manager. Call LoadConfig then StartAll before use.
func New(audit AuditSink, reconnect bool) *Manager {
	m := &Manager{
		audit:    audit,
		policy:   backend.ReconnectPolicy{Enabled: reconnect},
		backends: make(map[string]*backend.Client),
		configs:  make(map[string]config.BackendConfig),
	}
	empty := map[string]jsonrpc.ToolInfoFull{}
	m.catalog.Store(&empty)
	return m
}

// LoadConfig reads and parses the backend roster, registering every
// enabled backend. Disabled backends are recorded but never spawned.
func (m *Manager) LoadConfig(path string) error {
	backends, err := config.LoadBackends(path)
	if err != nil {
		return apperr.Wrap(apperr.KindConfigurationError, "loading backend config", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = backends
	for name, cfg := range backends {
		if !cfg.IsEnabled() {
			continue
		}
		m.backends[name] = backend.NewClient(cfg, m.policy, m.audit)
	}
	return nil
}

// StartAll starts every registered backend in parallel. A backend that
// fails to start does not prevent the others from starting; its absence
// from the catalog is the only symptom, plus a logged/audited failure.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	clients := make([]*backend.Client, 0, len(m.backends))
	for _, c := range m.backends {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *backend.Client) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				log.Error().Str("backend", c.Name()).Err(err).Msg("backend failed to start")
				if m.audit != nil {
					m.audit.Record("system", "error", "backend_start_failed", "failure",
						map[string]any{"backend": c.Name(), "error": err.Error()})
				}
			}
		}(c)
	}
	wg.Wait()

	m.RefreshTools(ctx)
}

// StopAll stops every backend in parallel and clears the catalog.
func (m *Manager) StopAll() {
	m.mu.RLock()
	clients := make([]*backend.Client, 0, len(m.backends))
	for _, c := range m.backends {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *backend.Client) {
			defer wg.Done()
			_ = c.Stop()
		}(c)
	}
	wg.Wait()

	empty := map[string]jsonrpc.ToolInfoFull{}
	m.catalog.Store(&empty)
}

// RefreshTools re-queries every live backend and atomically swaps in a
// freshly built catalog. Readers never observe a partially built map.
func (m *Manager) RefreshTools(ctx context.Context) {
	m.mu.RLock()
	clients := make([]*backend.Client, 0, len(m.backends))
	for _, c := range m.backends {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	next := make(map[string]jsonrpc.ToolInfoFull)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range clients {
		if !c.IsRunning() {
			continue
		}
		wg.Add(1)
		go func(c *backend.Client) {
			defer wg.Done()
			tools, err := c.ListTools(ctx)
			if err != nil {
				log.Error().Str("backend", c.Name()).Err(err).Msg("failed to refresh tools")
				if m.audit != nil {
					m.audit.Record("system", "error", "tool_refresh_failed", "failure",
						map[string]any{"backend": c.Name(), "error": err.Error()})
				}
				return
			}
			mu.Lock()
			for _, t := range tools {
				qualified := c.Name() + "." + t.RawName
				t.Name = qualified
				next[qualified] = t
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	m.catalog.Store(&next)
}

// ListTools returns lightweight descriptors: qualified name and
// description only, for context economy.
func (m *Manager) ListTools() []jsonrpc.ToolInfo {
	catalog := *m.catalog.Load()
	out := make([]jsonrpc.ToolInfo, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, jsonrpc.ToolInfo{Name: t.Name, Description: t.Description})
	}
	return out
}

// ListToolsFull returns the full aggregated descriptors, including
// backend, raw name, and input schema.
func (m *Manager) ListToolsFull() []jsonrpc.ToolInfoFull {
	catalog := *m.catalog.Load()
	out := make([]jsonrpc.ToolInfoFull, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, t)
	}
	return out
}

// Catalog returns a snapshot of the current qualifiedName → descriptor
// map, for internal tools (search_tools, advanced_search) that need to
// score over it without going through ListTools's flattening.
func (m *Manager) Catalog() map[string]jsonrpc.ToolInfoFull {
	return *m.catalog.Load()
}

// ExecuteTool splits a qualified name on its first '.', routes to the
// owning backend, and forwards the call verbatim.
func (m *Manager) ExecuteTool(ctx context.Context, qualifiedName string, arguments json.RawMessage) (*jsonrpc.ToolCallResult, error) {
	backendName, rawName, err := splitQualifiedName(qualifiedName)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	c, ok := m.backends[backendName]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.ToolNotFound(qualifiedName)
	}
	if !c.IsRunning() {
		return nil, apperr.BackendUnavailable(backendName, fmt.Errorf("backend not running"))
	}

	return c.CallTool(ctx, rawName, arguments)
}

func splitQualifiedName(qualifiedName string) (backendName, rawName string, err error) {
	parts := strings.SplitN(qualifiedName, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apperr.ValidationError(
			fmt.Sprintf("tool name %q must be of the form <backend>.<tool>", qualifiedName), nil)
	}
	return parts[0], parts[1], nil
}

// GetStats reports a snapshot of backend health and tool counts.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	clients := make([]*backend.Client, 0, len(m.backends))
	for _, c := range m.backends {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	catalog := *m.catalog.Load()
	toolCounts := make(map[string]int)
	for _, t := range catalog {
		toolCounts[t.Backend]++
	}

	stats := Stats{TotalServers: len(clients), TotalTools: len(catalog)}
	for _, c := range clients {
		running := c.IsRunning()
		if running {
			stats.RunningServers++
		}
		stats.PerServer = append(stats.PerServer, ServerStats{
			Name:      c.Name(),
			Running:   running,
			ToolCount: toolCounts[c.Name()],
		})
	}
	return stats
}
