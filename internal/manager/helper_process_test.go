package manager

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

// TestHelperProcess is re-executed as a subprocess by newFakeBackendConfig,
// the same re-exec technique internal/backend's own tests use, so Manager
// can be exercised against real child processes without a dependency on
// any particular backend implementation.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("MANAGER_HELPER_PROCESS") != "1" {
		return
	}
	runFakeBackend()
	os.Exit(0)
}

type rpcIn struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// runFakeBackend answers initialize and tools/list with one "echo" tool
// per process (named after the MANAGER_HELPER_TOOL env var so tests can
// tell which backend answered a tools/call), and tools/call by echoing
// its arguments back.
func runFakeBackend() {
	toolName := os.Getenv("MANAGER_HELPER_TOOL")
	if toolName == "" {
		toolName = "echo"
	}

	reader := bufio.NewScanner(os.Stdin)
	reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()

	for reader.Scan() {
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}
		var req rpcIn
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			continue
		}

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": "1.0.0"}
		case "tools/list":
			result = map[string]any{
				"tools": []map[string]any{
					{"name": toolName, "description": "fake tool", "inputSchema": map[string]any{}},
				},
			}
		case "tools/call":
			var params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &params)
			result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": toolName + ":" + string(params.Arguments)}},
				"isError": false,
			}
		default:
			result = map[string]any{}
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": result}
		raw, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		writer.Write(raw)
		writer.WriteByte('\n')
		writer.Flush()
	}
}
