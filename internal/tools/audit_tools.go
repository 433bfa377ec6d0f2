package tools

import (
	"context"
	"time"

	"github.com/search-mcp/search-mcp/internal/audit"
	"github.com/search-mcp/search-mcp/internal/validate"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

// RegisterAuditTools wires query_audit_logs and get_audit_stats against
// the audit logger's read-only query surface.
func RegisterAuditTools(r *Registry, auditSrc AuditSource) {
	r.Register(&Tool{
		Name:        "query_audit_logs",
		Description: "Query the in-memory audit log ring buffer.",
		Schema: validate.Schema{
			{Name: "type", Type: validate.TypeString},
			{Name: "level", Type: validate.TypeString, Enum: []any{"info", "warn", "error", "critical"}},
			{Name: "actorId", Type: validate.TypeString},
			{Name: "action", Type: validate.TypeString},
			{Name: "result", Type: validate.TypeString, Enum: []any{"success", "failure"}},
			{Name: "limit", Type: validate.TypeNumber},
			{Name: "offset", Type: validate.TypeNumber},
		},
		Handler: func(_ context.Context, args map[string]any) (*jsonrpc.ToolCallResult, error) {
			q := audit.Query{
				Type:    stringOr(args, "type", ""),
				Level:   audit.Level(stringOr(args, "level", "")),
				ActorID: stringOr(args, "actorId", ""),
				Action:  stringOr(args, "action", ""),
				Result:  stringOr(args, "result", ""),
				Limit:   intOr(args, "limit", 100),
				Offset:  intOr(args, "offset", 0),
			}
			events := auditSrc.Run(q)
			return jsonResult(map[string]any{"events": events, "count": len(events)})
		},
	})

	r.Register(&Tool{
		Name:        "get_audit_stats",
		Description: "Summarize audit log activity by type, level, and result.",
		Schema: validate.Schema{
			{Name: "timeWindowMs", Type: validate.TypeNumber},
		},
		Handler: func(_ context.Context, args map[string]any) (*jsonrpc.ToolCallResult, error) {
			window := time.Duration(intOr(args, "timeWindowMs", 0)) * time.Millisecond
			return jsonResult(auditSrc.GetStats(window))
		},
	})
}

// RegisterRateLimitTools wires get_rate_limit_stats.
func RegisterRateLimitTools(r *Registry, rl RateLimitSource) {
	r.Register(&Tool{
		Name:        "get_rate_limit_stats",
		Description: "Report the configured rate-limit tiers.",
		Schema:      validate.Schema{},
		Handler: func(_ context.Context, _ map[string]any) (*jsonrpc.ToolCallResult, error) {
			return jsonResult(rl.Tiers())
		},
	})
}
