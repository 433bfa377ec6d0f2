package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/search-mcp/search-mcp/internal/audit"
	"github.com/search-mcp/search-mcp/internal/auth"
	"github.com/search-mcp/search-mcp/internal/manager"
	"github.com/search-mcp/search-mcp/internal/ratelimit"
	"github.com/search-mcp/search-mcp/internal/tools"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

func newTestDispatcher(t *testing.T, in, out *bytes.Buffer, authEnabled bool) *Dispatcher {
	t.Helper()

	mgr := manager.New(nil, false)
	registry := tools.NewRegistry()
	limiter := ratelimit.New(ratelimit.DefaultTiers())
	authMgr := auth.NewManager(authEnabled)
	auditLog, err := audit.New("", audit.LevelInfo, time.Hour)
	require.NoError(t, err)

	tools.RegisterAll(registry, mgr, mgr, auditLog, limiter)

	// An existing config with an empty roster: initialize succeeds with no
	// backends (a missing config file is a ConfigurationError instead).
	configPath := filepath.Join(t.TempDir(), "mcp-servers.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"mcpServers": {}}`), 0o644))

	d := New(in, out, configPath, mgr, registry, limiter, authMgr, auditLog, authEnabled, nil)
	return d
}

func readLines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	scanner := bufio.NewScanner(out)
	var results []map[string]any
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		results = append(results, m)
	}
	return results
}

func TestInitializeSucceedsEvenWithNoBackends(t *testing.T) {
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n")
	out := &bytes.Buffer{}
	d := newTestDispatcher(t, in, out, false)

	require.NoError(t, d.Run(context.Background()))

	lines := readLines(t, out)
	require.Len(t, lines, 1)
	result, ok := lines[0]["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, protocolVersion, result["protocolVersion"])
}

func TestToolsListBeforeInitializeReturnsNotInitialized(t *testing.T) {
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	out := &bytes.Buffer{}
	d := newTestDispatcher(t, in, out, false)

	require.NoError(t, d.Run(context.Background()))

	lines := readLines(t, out)
	require.Len(t, lines, 1)
	errObj, ok := lines[0]["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(jsonrpc.CodeNotInitialized), errObj["code"])
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"nonexistent"}` + "\n")
	out := &bytes.Buffer{}
	d := newTestDispatcher(t, in, out, false)

	require.NoError(t, d.Run(context.Background()))

	lines := readLines(t, out)
	require.Len(t, lines, 1)
	errObj, ok := lines[0]["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(jsonrpc.CodeMethodNotFound), errObj["code"])
}

func TestParseErrorUsesIDZeroAndCodeParseError(t *testing.T) {
	in := bytes.NewBufferString(`not json at all` + "\n")
	out := &bytes.Buffer{}
	d := newTestDispatcher(t, in, out, false)

	require.NoError(t, d.Run(context.Background()))

	lines := readLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(0), lines[0]["id"])
	errObj, ok := lines[0]["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(jsonrpc.CodeParseError), errObj["code"])
}

func TestPingReturnsStatusOk(t *testing.T) {
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	out := &bytes.Buffer{}
	d := newTestDispatcher(t, in, out, false)

	require.NoError(t, d.Run(context.Background()))

	lines := readLines(t, out)
	require.Len(t, lines, 1)
	result, ok := lines[0]["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", result["status"])
}

func TestToolsCallMissingNameReturnsValidationError(t *testing.T) {
	in := bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{}}` + "\n")
	out := &bytes.Buffer{}
	d := newTestDispatcher(t, in, out, false)

	require.NoError(t, d.Run(context.Background()))

	lines := readLines(t, out)
	require.Len(t, lines, 2)
	errObj, ok := lines[1]["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(jsonrpc.CodeInvalidParams), errObj["code"])
}

func TestToolsCallDispatchesInternalTool(t *testing.T) {
	in := bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_servers","arguments":{}}}` + "\n")
	out := &bytes.Buffer{}
	d := newTestDispatcher(t, in, out, false)

	require.NoError(t, d.Run(context.Background()))

	lines := readLines(t, out)
	require.Len(t, lines, 2)
	result, ok := lines[1]["result"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, result["content"])
}

func TestToolsCallUnknownToolReturnsNotFound(t *testing.T) {
	in := bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope.nothing","arguments":{}}}` + "\n")
	out := &bytes.Buffer{}
	d := newTestDispatcher(t, in, out, false)

	require.NoError(t, d.Run(context.Background()))

	lines := readLines(t, out)
	require.Len(t, lines, 2)
	errObj, ok := lines[1]["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(jsonrpc.CodeServerError), errObj["code"])
	data, ok := errObj["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "TOOL_NOT_FOUND", data["code"])
}

func TestToolsCallDeniedWithoutPermissionWhenAuthEnabled(t *testing.T) {
	in := bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_servers","arguments":{}}}` + "\n")
	out := &bytes.Buffer{}
	d := newTestDispatcher(t, in, out, true)

	require.NoError(t, d.Run(context.Background()))

	lines := readLines(t, out)
	require.Len(t, lines, 2)
	errObj, ok := lines[1]["error"].(map[string]any)
	require.True(t, ok)
	data, ok := errObj["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AUTHORIZATION_ERROR", data["code"])
}
