package tools

// RegisterAll wires every internal tool adapter into r. catalog and
// exec may be the same concrete *manager.Manager; auditSrc and rl may
// be nil only in tests that don't exercise those tools.
func RegisterAll(r *Registry, catalog CatalogSource, exec Executor, auditSrc AuditSource, rl RateLimitSource) {
	RegisterSearchTools(r, catalog)
	RegisterListServers(r, catalog)
	RegisterHealthCheck(r, catalog, auditSrc)
	RegisterAuditTools(r, auditSrc)
	RegisterRateLimitTools(r, rl)
	RegisterExecuteParallel(r, exec)
}
