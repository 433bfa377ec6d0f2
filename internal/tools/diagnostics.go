package tools

import (
	"context"
	"runtime"
	"time"

	"github.com/search-mcp/search-mcp/internal/validate"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

// RegisterListServers wires list_servers, a thin wrapper over the
// manager's GetStats.
func RegisterListServers(r *Registry, catalog CatalogSource) {
	r.Register(&Tool{
		Name:        "list_servers",
		Description: "List configured backend servers and their status.",
		Schema:      validate.Schema{},
		Handler: func(_ context.Context, _ map[string]any) (*jsonrpc.ToolCallResult, error) {
			return jsonResult(catalog.GetStats())
		},
	})
}

// healthStatus mirrors the three-way status health_check reports.
type healthStatus string

const (
	healthHealthy  healthStatus = "healthy"
	healthDegraded healthStatus = "degraded"
	healthUnhealthy healthStatus = "unhealthy"
)

type checkResult struct {
	Name   string       `json:"name"`
	Status healthStatus `json:"status"`
	Detail any          `json:"detail,omitempty"`
}

// RegisterHealthCheck wires health_check, which aggregates backend
// counts, audit stats, and process memory usage into one status.
func RegisterHealthCheck(r *Registry, catalog CatalogSource, auditSrc AuditSource) {
	r.Register(&Tool{
		Name:        "health_check",
		Description: "Report aggregator health: backend availability, memory usage, and audit activity.",
		Schema: validate.Schema{
			{Name: "detailed", Type: validate.TypeBoolean},
		},
		Handler: func(_ context.Context, args map[string]any) (*jsonrpc.ToolCallResult, error) {
			detailed, _ := args["detailed"].(bool)

			stats := catalog.GetStats()
			var checks []checkResult

			backendStatus := healthHealthy
			if stats.TotalServers > 0 && stats.RunningServers == 0 {
				backendStatus = healthUnhealthy
			} else if stats.RunningServers < stats.TotalServers {
				backendStatus = healthDegraded
			}
			checks = append(checks, checkResult{Name: "backends", Status: backendStatus, Detail: stats})

			var memDetail any
			if detailed {
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)
				memDetail = map[string]any{
					"allocBytes":      mem.Alloc,
					"totalAllocBytes": mem.TotalAlloc,
					"numGoroutine":    runtime.NumGoroutine(),
				}
			}
			checks = append(checks, checkResult{Name: "memory", Status: healthHealthy, Detail: memDetail})

			if auditSrc != nil {
				auditStats := auditSrc.GetStats(time.Hour)
				checks = append(checks, checkResult{Name: "audit", Status: healthHealthy, Detail: auditStats})
			}

			overall := healthHealthy
			for _, c := range checks {
				if c.Status == healthUnhealthy {
					overall = healthUnhealthy
					break
				}
				if c.Status == healthDegraded && overall == healthHealthy {
					overall = healthDegraded
				}
			}

			return jsonResult(map[string]any{
				"status": overall,
				"checks": checks,
			})
		},
	})
}
