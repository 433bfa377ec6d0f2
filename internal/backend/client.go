// Package backend implements the aggregator's sole speaker of the MCP
// wire protocol with one backend subprocess: spawn, line-framed
// request/response correlation, timeouts, and optional reconnection.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/search-mcp/search-mcp/internal/apperr"
	"github.com/search-mcp/search-mcp/internal/config"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

// State is the backend client's lifecycle stage.
type State int

const (
	StateUnstarted State = iota
	StateStarting
	StateReady
	StateReconnecting
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	startTimeout     = 30 * time.Second
	defaultReqTimeout = 30 * time.Second
	stopGrace        = 3 * time.Second

	backoffBase   = 1 * time.Second
	backoffFactor = 2
	backoffCap    = 30 * time.Second
	backoffMaxAttempts = 5
)

// pendingRequest is a single in-flight request waiting for its response.
type pendingRequest struct {
	method string
	start  time.Time
	ch     chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    *jsonrpc.Error
}

// ReconnectPolicy controls whether a client respawns its child on
// unexpected exit. Reconnection is spec-optional; this aggregator
// implements it so a flaky backend doesn't take down the whole roster.
type ReconnectPolicy struct {
	Enabled bool
}

// Client owns one child MCP server process and is the exclusive speaker
// of its wire protocol. Nothing outside Client touches the child's
// stdin/stdout/stderr directly.
type Client struct {
	name   string
	cfg    config.BackendConfig
	policy ReconnectPolicy
	audit  AuditSink

	mu    sync.RWMutex
	state State
	cmd   *exec.Cmd
	stdin io.WriteCloser

	nextID  atomic.Int64
	pending sync.Map // int64 -> *pendingRequest

	stopCh   chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

// AuditSink is the minimal surface Client needs from the audit logger,
// kept narrow so backend doesn't import the audit package's full API
// and create a dependency cycle back through manager.
type AuditSink interface {
	Record(eventType, level, action, result string, details map[string]any)
}

// NewClient builds a Client for the given backend config. The client
// does nothing until Start is called.
func NewClient(cfg config.BackendConfig, policy ReconnectPolicy, audit AuditSink) *Client {
	return &Client{
		name:   cfg.Name,
		cfg:    cfg,
		policy: policy,
		audit:  audit,
		state:  StateUnstarted,
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) IsRunning() bool {
	s := c.State()
	return s == StateReady || s == StateStarting
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start spawns the child process and blocks until initialize completes
// or startTimeout elapses.
func (c *Client) Start(ctx context.Context) error {
	c.setState(StateStarting)
	c.stopCh = make(chan struct{})

	if err := c.spawn(ctx); err != nil {
		c.setState(StateTerminated)
		return apperr.Wrap(apperr.KindConfigurationError, fmt.Sprintf("starting backend %q", c.name), err)
	}

	initCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if _, err := c.call(initCtx, "initialize", map[string]any{
		"protocolVersion": "1.0.0",
		"clientInfo":      map[string]string{"name": "search-mcp", "version": "1.0.0"},
	}); err != nil {
		_ = c.Stop()
		return apperr.Wrap(apperr.KindConfigurationError, fmt.Sprintf("initializing backend %q", c.name), err)
	}

	c.setState(StateReady)
	return nil
}

func (c *Client) spawn(ctx context.Context) error {
	args := append([]string(nil), c.cfg.Args...)
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)

	env := os.Environ()
	for k, v := range c.cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning process: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.mu.Unlock()

	c.exited = make(chan struct{})

	go c.relayStderr(stderr)
	go c.readLoop(stdout)
	go c.waitForExit()

	return nil
}

// relayStderr forwards the child's stderr to the aggregator's stderr,
// tagged with the backend name, exactly as the teacher pipes child
// process diagnostics through its own logger without interpreting them.
func (c *Client) relayStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Info().Str("backend", c.name).Msg("[" + c.name + "] " + scanner.Text())
	}
}

// readLoop is the single reader draining the child's stdout, line by
// line, matching each response to its waiter.
func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.handleLine([]byte(line))
	}
}

func (c *Client) handleLine(line []byte) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		log.Warn().Str("backend", c.name).Err(err).Msg("malformed line from backend, discarding")
		return
	}
	if len(resp.ID) == 0 {
		log.Debug().Str("backend", c.name).Msg("notification from backend, discarding")
		return
	}

	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		log.Debug().Str("backend", c.name).Msg("non-numeric id from backend, discarding")
		return
	}

	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		log.Debug().Str("backend", c.name).Int64("id", id).Msg("response for unknown or expired id, discarding")
		return
	}
	pr := v.(*pendingRequest)

	var result pendingResult
	if resp.Error != nil {
		result.err = resp.Error
	} else {
		raw, _ := json.Marshal(resp.Result)
		result.result = raw
	}
	select {
	case pr.ch <- result:
	default:
	}
}

func (c *Client) waitForExit() {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()
	if cmd == nil {
		return
	}
	_ = cmd.Wait()
	close(c.exited)

	s := c.State()
	if s == StateStopping || s == StateTerminated {
		c.failAllPending(apperr.New(apperr.KindBackendUnavailable, "client stopped"))
		c.setState(StateTerminated)
		return
	}

	log.Warn().Str("backend", c.name).Msg("backend exited unexpectedly")
	c.failAllPending(apperr.BackendUnavailable(c.name, fmt.Errorf("process exited")))

	if c.policy.Enabled {
		go c.reconnect()
	} else {
		c.setState(StateTerminated)
	}
}

// reconnect respawns the child with exponential backoff. While
// reconnecting, the backend is invisible to new catalog refreshes and
// every attempt is audited.
func (c *Client) reconnect() {
	c.setState(StateReconnecting)
	delay := backoffBase
	for attempt := 1; attempt <= backoffMaxAttempts; attempt++ {
		select {
		case <-c.stopCh:
			c.setState(StateTerminated)
			return
		case <-time.After(delay):
		}

		if c.audit != nil {
			c.audit.Record("system", "warn", "backend_reconnect_attempt", "failure",
				map[string]any{"backend": c.name, "attempt": attempt})
		}

		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		err := c.Start(ctx)
		cancel()
		if err == nil {
			if c.audit != nil {
				c.audit.Record("system", "info", "backend_reconnect_succeeded", "success",
					map[string]any{"backend": c.name, "attempt": attempt})
			}
			return
		}

		log.Warn().Str("backend", c.name).Int("attempt", attempt).Err(err).Msg("reconnect attempt failed")
		delay *= backoffFactor
		if delay > backoffCap {
			delay = backoffCap
		}
	}

	if c.audit != nil {
		c.audit.Record("system", "error", "backend_reconnect_exhausted", "failure",
			map[string]any{"backend": c.name, "maxAttempts": backoffMaxAttempts})
	}
	c.setState(StateTerminated)
}

func (c *Client) failAllPending(cause *apperr.Error) {
	c.pending.Range(func(key, value any) bool {
		c.pending.Delete(key)
		pr := value.(*pendingRequest)
		select {
		case pr.ch <- pendingResult{err: &jsonrpc.Error{Code: jsonrpc.CodeServerError, Message: cause.Message}}:
		default:
		}
		return true
	})
}

// call sends a JSON-RPC request and waits for its matching response or
// timeout, whichever comes first.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.RLock()
	stdin := c.stdin
	c.mu.RUnlock()
	if stdin == nil {
		return nil, apperr.BackendUnavailable(c.name, fmt.Errorf("not started"))
	}

	id := c.nextID.Add(1)
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	idRaw, _ := json.Marshal(id)

	req := jsonrpc.Request{JSONRPC: "2.0", ID: idRaw, Method: method, Params: paramsRaw}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	pr := &pendingRequest{method: method, start: time.Now(), ch: make(chan pendingResult, 1)}
	c.pending.Store(id, pr)

	c.mu.Lock()
	_, writeErr := stdin.Write(append(line, '\n'))
	c.mu.Unlock()
	if writeErr != nil {
		c.pending.Delete(id)
		return nil, fmt.Errorf("writing to backend stdin: %w", writeErr)
	}

	timeout := defaultReqTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.ch:
		if res.err != nil {
			return nil, apperr.Newf(apperr.KindToolExecutionError, "%s", res.err.Message).
				WithDetails(map[string]any{"code": res.err.Code})
		}
		return res.result, nil
	case <-timer.C:
		c.pending.Delete(id)
		return nil, apperr.BackendTimeout(c.name, method)
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, apperr.BackendTimeout(c.name, method)
	case <-c.stopCh:
		c.pending.Delete(id)
		return nil, apperr.New(apperr.KindBackendUnavailable, "client stopped")
	}
}

// ListTools sends tools/list and returns the backend's raw descriptors.
func (c *Client) ListTools(ctx context.Context) ([]jsonrpc.ToolInfoFull, error) {
	raw, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing tools/list result from %q: %w", c.name, err)
	}
	out := make([]jsonrpc.ToolInfoFull, 0, len(payload.Tools))
	for _, t := range payload.Tools {
		out = append(out, jsonrpc.ToolInfoFull{
			Name:        t.Name,
			Description: t.Description,
			Backend:     c.name,
			RawName:     t.Name,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

// CallTool sends tools/call with the backend's own (unqualified) tool
// name and returns the result verbatim.
func (c *Client) CallTool(ctx context.Context, rawName string, arguments json.RawMessage) (*jsonrpc.ToolCallResult, error) {
	raw, err := c.call(ctx, "tools/call", jsonrpc.ToolCallParams{Name: rawName, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var result jsonrpc.ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing tools/call result from %q: %w", c.name, err)
	}
	return &result, nil
}

// Stop idempotently terminates the child process: SIGINT, then a grace
// period, then a kill.
func (c *Client) Stop() error {
	s := c.State()
	if s == StateTerminated || s == StateStopping {
		return nil
	}
	c.setState(StateStopping)
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		c.setState(StateTerminated)
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)

	select {
	case <-c.exited:
	case <-time.After(stopGrace):
		_ = cmd.Process.Kill()
		<-c.exited
	}

	c.failAllPending(apperr.New(apperr.KindBackendUnavailable, "client stopped"))
	c.setState(StateTerminated)
	return nil
}
