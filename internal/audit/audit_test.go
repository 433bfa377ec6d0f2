package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(path, LevelInfo, 90*24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestEmitRedactsSensitiveKeys(t *testing.T) {
	l := newTestLogger(t)
	l.Emit(Event{
		Type:   "tool_execution",
		Action: "call",
		Result: "success",
		Actor:  Actor{ID: "k1", Type: "apikey"},
		Details: map[string]any{
			"apiKey": "SECRET",
			"q":      "ok",
			"nested": map[string]any{"password": "hunter2", "keep": "me"},
		},
	})

	events := l.Run(Query{})
	require.Len(t, events, 1)
	assert.Equal(t, redactedValue, events[0].Details["apiKey"])
	assert.Equal(t, "ok", events[0].Details["q"])
	nested := events[0].Details["nested"].(map[string]any)
	assert.Equal(t, redactedValue, nested["password"])
	assert.Equal(t, "me", nested["keep"])
}

func TestLevelFilterRejectsBelowMinimum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(path, LevelError, time.Hour)
	require.NoError(t, err)
	defer l.Close()

	l.Emit(Event{Type: "x", Level: LevelInfo, Result: "success"})
	l.Emit(Event{Type: "y", Level: LevelCritical, Result: "success"})

	events := l.Run(Query{})
	require.Len(t, events, 1)
	assert.Equal(t, "y", events[0].Type)
}

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	l := newTestLogger(t)
	for i := 0; i < ringBufferCapacity+10; i++ {
		l.Emit(Event{Type: "x", Result: "success"})
	}
	events := l.Run(Query{Limit: ringBufferCapacity + 100})
	assert.Len(t, events, ringBufferCapacity)
}

func TestQueryFiltersByType(t *testing.T) {
	l := newTestLogger(t)
	l.Emit(Event{Type: "authorization", Result: "failure"})
	l.Emit(Event{Type: "tool_execution", Result: "success"})

	events := l.Run(Query{Type: "authorization"})
	require.Len(t, events, 1)
	assert.Equal(t, "authorization", events[0].Type)
}

func TestGetStatsComputesAverageDuration(t *testing.T) {
	l := newTestLogger(t)
	d1, d2 := 10.0, 30.0
	l.Emit(Event{Type: "a", Result: "success", Duration: &d1})
	l.Emit(Event{Type: "a", Result: "success", Duration: &d2})

	stats := l.GetStats(0)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 20.0, stats.AverageDuration)
}

func TestFileSinkWritesOneJSONObjectPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(path, LevelInfo, time.Hour)
	require.NoError(t, err)
	l.Emit(Event{Type: "x", Result: "success"})
	l.Emit(Event{Type: "y", Result: "failure"})
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := splitNonEmptyLines(string(raw))
	require.Len(t, lines, 2)
	for _, line := range lines {
		var evt Event
		require.NoError(t, json.Unmarshal([]byte(line), &evt))
	}
}

func TestCleanupRemovesOldEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(path, LevelInfo, time.Millisecond)
	require.NoError(t, err)
	defer l.Close()

	l.Emit(Event{Type: "old", Result: "success"})
	time.Sleep(5 * time.Millisecond)

	removed := l.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Empty(t, l.Run(Query{}))
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
