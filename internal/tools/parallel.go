package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/search-mcp/search-mcp/internal/validate"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

// parallelRequest is one item of execute_parallel's requests array.
type parallelRequest struct {
	ID        string          `json:"id,omitempty"`
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// parallelResult is what execute_parallel collects per item.
type parallelResult struct {
	ID            string `json:"id,omitempty"`
	ToolName      string `json:"toolName"`
	Success       bool   `json:"success"`
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	ExecutionTime int64  `json:"executionTime"`
}

const (
	defaultMaxConcurrency = 10
	defaultParallelTimeoutMs = 30000
)

// RegisterExecuteParallel wires execute_parallel: a concurrency-capped
// batch loop over the manager's ExecuteTool, modeled on the teacher's
// turn-loop accumulation of per-step traces (here, per-item results
// instead of per-turn LLM traces).
func RegisterExecuteParallel(r *Registry, exec Executor) {
	r.Register(&Tool{
		Name:        "execute_parallel",
		Description: "Execute multiple tool calls concurrently, with a concurrency cap and optional fail-fast.",
		Schema: validate.Schema{
			{Name: "requests", Type: validate.TypeArray, Required: true},
			{Name: "maxConcurrency", Type: validate.TypeNumber},
			{Name: "timeout", Type: validate.TypeNumber},
			{Name: "continueOnError", Type: validate.TypeBoolean},
		},
		Handler: func(ctx context.Context, args map[string]any) (*jsonrpc.ToolCallResult, error) {
			requests, err := decodeRequests(args["requests"])
			if err != nil {
				return nil, err
			}
			maxConcurrency := intOr(args, "maxConcurrency", defaultMaxConcurrency)
			if maxConcurrency <= 0 {
				maxConcurrency = defaultMaxConcurrency
			}
			timeoutMs := intOr(args, "timeout", defaultParallelTimeoutMs)
			continueOnError := true
			if v, ok := args["continueOnError"].(bool); ok {
				continueOnError = v
			}

			results := runParallel(ctx, exec, requests, maxConcurrency, time.Duration(timeoutMs)*time.Millisecond, continueOnError)
			return jsonResult(map[string]any{"results": results})
		},
	})
}

func decodeRequests(raw any) ([]parallelRequest, error) {
	marshaled, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var requests []parallelRequest
	if err := json.Unmarshal(marshaled, &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// runParallel batches requests into groups of at most maxConcurrency,
// running each batch concurrently. If continueOnError is false, it
// stops at the first failure and never schedules the remaining items —
// but results already in flight within the failing batch are still
// collected, since they were scheduled before the failure was known.
func runParallel(ctx context.Context, exec Executor, requests []parallelRequest, maxConcurrency int, timeout time.Duration, continueOnError bool) []parallelResult {
	results := make([]parallelResult, 0, len(requests))

	for start := 0; start < len(requests); start += maxConcurrency {
		end := start + maxConcurrency
		if end > len(requests) {
			end = len(requests)
		}
		batch := requests[start:end]

		batchResults := make([]parallelResult, len(batch))
		var wg sync.WaitGroup
		for i, req := range batch {
			wg.Add(1)
			go func(i int, req parallelRequest) {
				defer wg.Done()
				batchResults[i] = executeOne(ctx, exec, req, timeout)
			}(i, req)
		}
		wg.Wait()

		stop := false
		for _, res := range batchResults {
			results = append(results, res)
			if !res.Success && !continueOnError {
				stop = true
			}
		}
		if stop {
			break
		}
	}

	return results
}

func executeOne(ctx context.Context, exec Executor, req parallelRequest, timeout time.Duration) parallelResult {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := exec.ExecuteTool(itemCtx, req.ToolName, req.Arguments)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return parallelResult{ID: id, ToolName: req.ToolName, Success: false, Error: err.Error(), ExecutionTime: elapsed}
	}
	return parallelResult{ID: id, ToolName: req.ToolName, Success: true, Result: result, ExecutionTime: elapsed}
}
