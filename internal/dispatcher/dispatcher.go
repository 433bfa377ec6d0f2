// Package dispatcher implements the aggregator's frontend MCP server
// (C3): a line-delimited JSON-RPC loop over stdin/stdout that handles
// initialize/tools-list/tools-call/ping and runs every tools/call
// through the cross-cutting pipeline of rate limiting, authorization,
// validation, dispatch, and audit logging.
package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/search-mcp/search-mcp/internal/apperr"
	"github.com/search-mcp/search-mcp/internal/audit"
	"github.com/search-mcp/search-mcp/internal/auth"
	"github.com/search-mcp/search-mcp/internal/manager"
	"github.com/search-mcp/search-mcp/internal/ratelimit"
	"github.com/search-mcp/search-mcp/internal/tools"
	"github.com/search-mcp/search-mcp/internal/validate"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

const (
	protocolVersion = "1.0.0"
	serverName      = "search-mcp"
	serverVersion   = "1.0.0"
)

// ConfigLoader is the narrow surface Dispatcher needs to bootstrap the
// backend manager during initialize, kept separate from Manager itself
// so tests can stub config loading independently of spawning processes.
type ConfigLoader interface {
	LoadConfig(path string) error
	StartAll(ctx context.Context)
}

// Dispatcher is a compliant MCP server over stdin/stdout. It owns no
// state beyond the initialization flag and the per-request AuthContext;
// every other dependency (rate limiter, auth manager, audit logger,
// tool registries) is injected explicitly.
type Dispatcher struct {
	reader *bufio.Reader
	writer io.Writer
	writeMu sync.Mutex

	configPath string
	mgr        *manager.Manager
	registry   *tools.Registry

	limiter *ratelimit.Limiter
	authMgr *auth.Manager
	auditLog *audit.Logger

	authEnabled bool

	mu          sync.Mutex
	initialized bool

	tracer trace.Tracer
}

// New builds a Dispatcher. mgr and registry must already have their
// internal tools registered against mgr before dispatch begins (the
// caller wires RegisterAll after constructing both).
func New(
	in io.Reader,
	out io.Writer,
	configPath string,
	mgr *manager.Manager,
	registry *tools.Registry,
	limiter *ratelimit.Limiter,
	authMgr *auth.Manager,
	auditLog *audit.Logger,
	authEnabled bool,
	tracer trace.Tracer,
) *Dispatcher {
	return &Dispatcher{
		reader:      bufio.NewReaderSize(in, 1<<20),
		writer:      out,
		configPath:  configPath,
		mgr:         mgr,
		registry:    registry,
		limiter:     limiter,
		authMgr:     authMgr,
		auditLog:    auditLog,
		authEnabled: authEnabled,
		tracer:      tracer,
	}
}

// Run reads JSON-RPC lines from stdin until EOF or ctx is canceled,
// dispatching each to handleRequest and writing exactly one response
// line per request.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := d.reader.ReadString('\n')
		if len(line) > 0 {
			d.processLine(ctx, []byte(line))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading client stdin: %w", err)
		}
	}
}

func (d *Dispatcher) processLine(ctx context.Context, line []byte) {
	trimmed := trimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		d.writeResponse(jsonrpc.NewError(json.RawMessage("0"), jsonrpc.CodeParseError, "Parse error", nil))
		return
	}

	resp := d.handleRequest(ctx, req)
	if resp != nil {
		d.writeResponse(resp)
	}
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}

func (d *Dispatcher) writeResponse(resp *jsonrpc.Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal response")
		return
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := d.writer.Write(append(raw, '\n')); err != nil {
		log.Error().Err(err).Msg("failed to write response to client")
	}
}

func (d *Dispatcher) isInitialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

func (d *Dispatcher) handleRequest(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(ctx, req)
	case "tools/list":
		if !d.isInitialized() {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeNotInitialized, "Server not initialized", nil)
		}
		return d.handleToolsList(req)
	case "tools/call":
		if !d.isInitialized() {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeNotInitialized, "Server not initialized", nil)
		}
		return d.handleToolsCall(ctx, req)
	case "ping":
		return jsonrpc.NewResult(req.ID, map[string]string{"status": "ok"})
	case "notifications/initialized":
		return nil
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "Method not found", nil)
	}
}

func (d *Dispatcher) handleInitialize(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response {
	if err := d.mgr.LoadConfig(d.configPath); err != nil {
		return errorResponse(req.ID, err)
	}
	d.mgr.StartAll(ctx)

	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()

	return jsonrpc.NewResult(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo":      map[string]string{"name": serverName, "version": serverVersion},
		"capabilities":    map[string]any{"tools": map[string]any{}},
	})
}

func (d *Dispatcher) handleToolsList(req jsonrpc.Request) *jsonrpc.Response {
	internal := d.registry.List()
	external := d.mgr.ListTools()
	all := make([]jsonrpc.ToolInfo, 0, len(internal)+len(external))
	all = append(all, internal...)
	all = append(all, external...)
	return jsonrpc.NewResult(req.ID, map[string]any{"tools": all})
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, apperr.ValidationError("invalid params", nil))
		}
	}

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "tools/call")
		defer span.End()
	}

	authCtx := d.currentAuthContext(req)

	// 1. Name check.
	if params.Name == "" {
		err := apperr.ValidationError("Required parameter missing: name", nil)
		d.auditToolExecution(authCtx, params.Name, nil, false, err, time.Since(start))
		return errorResponse(req.ID, err)
	}

	// 2. Rate limit.
	tier := ratelimit.TierDefault
	if authCtx.Authenticated {
		tier = ratelimit.TierAuthenticated
	}
	identifier := authCtx.ApiKeyID
	if identifier == "" {
		identifier = "anonymous"
	}
	if d.limiter != nil {
		result, err := d.limiter.CheckLimit(tier, identifier, 1)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		if !result.Allowed {
			rlErr := apperr.RateLimitExceeded(identifier, result.RetryAfter)
			d.recordAudit(audit.Event{
				Type: "rate_limit", Level: audit.LevelWarn, Result: "failure",
				Action: "tools/call", Actor: actorFor(authCtx),
				Details: map[string]any{"tool": params.Name, "retryAfter": result.RetryAfter},
			})
			return errorResponse(req.ID, rlErr)
		}
	}

	// 3. Authorization.
	if d.authEnabled {
		required := "tools:" + params.Name
		if !authCtx.Allows(required) {
			authzErr := apperr.AuthorizationError(params.Name)
			d.recordAudit(audit.Event{
				Type: "authorization", Level: audit.LevelWarn, Result: "failure",
				Action: "tools/call", Actor: actorFor(authCtx),
				Details: map[string]any{"tool": params.Name, "required": required},
			})
			return errorResponse(req.ID, authzErr)
		}
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			verr := apperr.ValidationError("arguments must be a JSON object", nil)
			d.auditToolExecution(authCtx, params.Name, nil, false, verr, time.Since(start))
			return errorResponse(req.ID, verr)
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	// 4. Internal tool dispatch.
	if t, ok := d.registry.Get(params.Name); ok {
		if errs := validate.Validate(t.Schema, args); len(errs) > 0 {
			verr := validate.ValidateOrThrow(t.Schema, args)
			d.auditToolExecution(authCtx, params.Name, args, false, verr, time.Since(start))
			return errorResponse(req.ID, verr)
		}
		result, err := t.Handler(ctx, args)
		d.auditToolExecution(authCtx, params.Name, args, err == nil, err, time.Since(start))
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return jsonrpc.NewResult(req.ID, result)
	}

	// 5. External dispatch.
	result, err := d.mgr.ExecuteTool(ctx, params.Name, params.Arguments)
	d.auditToolExecution(authCtx, params.Name, args, err == nil, err, time.Since(start))
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return jsonrpc.NewResult(req.ID, result)
}

// currentAuthContext resolves the request's identity. There is no HTTP
// header channel over stdio, so an out-of-band api key may be supplied
// via the request params' "apiKey" field; its absence means anonymous
// when auth is enabled, and an anonymous wildcard context when disabled.
func (d *Dispatcher) currentAuthContext(req jsonrpc.Request) auth.AuthContext {
	if d.authMgr == nil {
		return auth.AuthContext{Permissions: []string{"*"}}
	}

	var envelope struct {
		ApiKey string `json:"apiKey"`
	}
	_ = json.Unmarshal(req.Params, &envelope)

	ctx, err := d.authMgr.Validate(envelope.ApiKey)
	if err != nil {
		return auth.AuthContext{}
	}
	return ctx
}

func actorFor(ctx auth.AuthContext) audit.Actor {
	if ctx.Authenticated {
		return audit.Actor{ID: ctx.ApiKeyID, Type: "apikey"}
	}
	return audit.Actor{ID: "anonymous", Type: "anonymous"}
}

func (d *Dispatcher) recordAudit(evt audit.Event) {
	if d.auditLog == nil {
		return
	}
	d.auditLog.Emit(evt)
}

func (d *Dispatcher) auditToolExecution(authCtx auth.AuthContext, toolName string, args map[string]any, success bool, err error, duration time.Duration) {
	if d.auditLog == nil {
		return
	}
	ms := float64(duration.Milliseconds())
	result := "success"
	level := audit.LevelInfo
	var evtErr *audit.EventError
	if !success {
		result = "failure"
		level = audit.LevelError
		if err != nil {
			evtErr = &audit.EventError{Message: err.Error()}
			if appErr, ok := apperr.As(err); ok {
				evtErr.Code = string(appErr.Kind)
			}
		}
	}
	d.recordAudit(audit.Event{
		Type:   "tool_execution",
		Level:  level,
		Action: "tools/call",
		Actor:  actorFor(authCtx),
		Result: result,
		Details: map[string]any{
			"tool":       toolName,
			"parameters": args,
		},
		Duration: &ms,
		Error:    evtErr,
	})
}

// errorResponse shapes any error leaving the dispatcher into a JSON-RPC
// error: 400→-32602, anything else→-32000, with a data object carrying
// the typed error's code and details.
func errorResponse(id json.RawMessage, err error) *jsonrpc.Response {
	appErr, ok := apperr.As(err)
	if !ok {
		return jsonrpc.NewError(id, jsonrpc.CodeServerError, err.Error(), nil)
	}

	// Only invalid-params shapes to its own JSON-RPC code here; a
	// not-registered tool (KindToolNotFound, HTTP-equivalent 404) stays
	// on -32000 rather than borrowing -32601, which is reserved for an
	// unrecognized JSON-RPC method, not an unrecognized tool name.
	code := jsonrpc.CodeServerError
	if appErr.HTTPStatus() == 400 {
		code = jsonrpc.CodeInvalidParams
	}

	return jsonrpc.NewError(id, code, appErr.Message, map[string]any{
		"code":    string(appErr.Kind),
		"details": appErr.Details,
	})
}
