package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/search-mcp/search-mcp/internal/audit"
	"github.com/search-mcp/search-mcp/internal/manager"
	"github.com/search-mcp/search-mcp/internal/ratelimit"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

type fakeCatalog struct {
	catalog map[string]jsonrpc.ToolInfoFull
	stats   manager.Stats
}

func (f fakeCatalog) Catalog() map[string]jsonrpc.ToolInfoFull { return f.catalog }
func (f fakeCatalog) GetStats() manager.Stats                  { return f.stats }

type fakeAuditSource struct {
	events []audit.Event
	stats  audit.Stats
}

func (f fakeAuditSource) Run(q audit.Query) []audit.Event {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if q.Offset >= len(f.events) {
		return []audit.Event{}
	}
	end := q.Offset + limit
	if end > len(f.events) {
		end = len(f.events)
	}
	return f.events[q.Offset:end]
}

func (f fakeAuditSource) GetStats(_ time.Duration) audit.Stats { return f.stats }

type fakeRateLimitSource struct {
	tiers map[string]ratelimit.TierLimits
}

func (f fakeRateLimitSource) Tiers() map[string]ratelimit.TierLimits { return f.tiers }

// fakeExecutor simulates the manager's ExecuteTool for execute_parallel tests.
type fakeExecutor struct {
	failNames map[string]bool
	delay     time.Duration
}

func (f fakeExecutor) ExecuteTool(ctx context.Context, name string, _ json.RawMessage) (*jsonrpc.ToolCallResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failNames[name] {
		return nil, errors.New("simulated failure for " + name)
	}
	return jsonrpc.TextResult("ok:"+name, false), nil
}
