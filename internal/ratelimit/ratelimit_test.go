package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLimitRefillsAndDeducts(t *testing.T) {
	l := New(map[string]TierLimits{"default": {MaxTokens: 2, RefillRate: 0}})

	r1, err := l.CheckLimit("default", "alice", 1)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)
	assert.Equal(t, 1, r1.Remaining)

	r2, err := l.CheckLimit("default", "alice", 1)
	require.NoError(t, err)
	assert.True(t, r2.Allowed)
	assert.Equal(t, 0, r2.Remaining)

	r3, err := l.CheckLimit("default", "alice", 1)
	require.NoError(t, err)
	assert.False(t, r3.Allowed)
	assert.Greater(t, r3.RetryAfter, 0.0)
}

func TestCheckLimitCostEqualsMaxTokens(t *testing.T) {
	l := New(map[string]TierLimits{"default": {MaxTokens: 5, RefillRate: 0}})

	empty, err := l.CheckLimit("default", "bob", 5)
	require.NoError(t, err)
	assert.True(t, empty.Allowed)
	assert.Equal(t, 0, empty.Remaining)

	denied, err := l.CheckLimit("default", "bob", 5)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
}

func TestCheckLimitUnknownTier(t *testing.T) {
	l := New(DefaultTiers())
	_, err := l.CheckLimit("nonexistent", "x", 1)
	assert.Error(t, err)
}

func TestBucketsAreIndependentPerIdentifier(t *testing.T) {
	l := New(map[string]TierLimits{"default": {MaxTokens: 1, RefillRate: 0}})

	r1, _ := l.CheckLimit("default", "alice", 1)
	r2, _ := l.CheckLimit("default", "bob", 1)
	assert.True(t, r1.Allowed)
	assert.True(t, r2.Allowed)
}

func TestEvictionRemovesIdleFullBuckets(t *testing.T) {
	l := New(map[string]TierLimits{"default": {MaxTokens: 10, RefillRate: 100}})
	_, err := l.CheckLimit("default", "alice", 1)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	l.evict(10 * time.Millisecond)

	l.mu.Lock()
	_, stillPresent := l.buckets[bucketKey("default", "alice")]
	l.mu.Unlock()
	assert.False(t, stillPresent)
}

func TestTokensNeverExceedMax(t *testing.T) {
	l := New(map[string]TierLimits{"default": {MaxTokens: 3, RefillRate: 1000}})
	time.Sleep(10 * time.Millisecond)
	r, err := l.CheckLimit("default", "alice", 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, r.Remaining, 3)
}
