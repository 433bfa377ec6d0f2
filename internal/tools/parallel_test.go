package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunParallelAllSucceed(t *testing.T) {
	exec := fakeExecutor{}
	requests := []parallelRequest{
		{ToolName: "a.x"}, {ToolName: "b.y"}, {ToolName: "c.z"},
	}
	results := runParallel(context.Background(), exec, requests, 10, time.Second, true)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestRunParallelContinueOnErrorCollectsAll(t *testing.T) {
	exec := fakeExecutor{failNames: map[string]bool{"b.y": true}}
	requests := []parallelRequest{
		{ToolName: "a.x"}, {ToolName: "b.y"}, {ToolName: "c.z"},
	}
	results := runParallel(context.Background(), exec, requests, 10, time.Second, true)
	require.Len(t, results, 3)

	var failures int
	for _, r := range results {
		if !r.Success {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestRunParallelStopsAtFirstFailureWithConcurrencyOne(t *testing.T) {
	exec := fakeExecutor{failNames: map[string]bool{"a.x": true}}
	requests := []parallelRequest{
		{ToolName: "a.x"}, {ToolName: "b.y"}, {ToolName: "c.z"},
	}
	results := runParallel(context.Background(), exec, requests, 1, time.Second, false)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

func TestRunParallelEmptyRequests(t *testing.T) {
	exec := fakeExecutor{}
	results := runParallel(context.Background(), exec, nil, 10, time.Second, true)
	assert.Empty(t, results)
}
