package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/search-mcp/search-mcp/internal/audit"
	"github.com/search-mcp/search-mcp/internal/manager"
	"github.com/search-mcp/search-mcp/internal/ratelimit"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

// CatalogSource is the read-only view of the backend manager that
// search_tools and advanced_search score over.
type CatalogSource interface {
	Catalog() map[string]jsonrpc.ToolInfoFull
	GetStats() manager.Stats
}

// Executor is the narrow dispatch surface execute_parallel needs.
type Executor interface {
	ExecuteTool(ctx context.Context, qualifiedName string, arguments json.RawMessage) (*jsonrpc.ToolCallResult, error)
}

// AuditSource is the read surface query_audit_logs and get_audit_stats need.
type AuditSource interface {
	Run(q audit.Query) []audit.Event
	GetStats(timeWindow time.Duration) audit.Stats
}

// RateLimitSource is the read surface get_rate_limit_stats needs. The
// rate limiter itself has no multi-bucket enumeration API by design
// (spec keeps it a pure check primitive), so this reports the
// configured tiers rather than live bucket state.
type RateLimitSource interface {
	Tiers() map[string]ratelimit.TierLimits
}
