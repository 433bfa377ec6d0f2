// Package audit implements the structured, redacted event log (C6):
// an in-memory ring buffer plus an append-only JSONL file sink, a level
// filter, and a query API. Grounded on the teacher's retention janitor
// ticker shape for the cleanup sweep.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Level is the severity of an audit event, ordered info < warn < error < critical.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{
	LevelInfo: 0, LevelWarn: 1, LevelError: 2, LevelCritical: 3,
}

func (l Level) rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return 0
}

// Actor identifies who performed the action.
type Actor struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Resource identifies what the action acted on.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// EventError carries the failure details of a failed event.
type EventError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Event is one append-only audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Level     Level          `json:"level"`
	Actor     Actor          `json:"actor"`
	Action    string         `json:"action"`
	Resource  *Resource      `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  *float64       `json:"duration,omitempty"`
	Error     *EventError    `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

var redactedKeys = []string{"password", "secret", "token", "apikey", "api_key"}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range redactedKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

const redactedValue = "***REDACTED***"

// redact scans a map (and one level of nested maps) for sensitive keys
// and replaces their values. The input is copied; the caller's map is
// left untouched.
func redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			nestedOut := make(map[string]any, len(nested))
			for nk, nv := range nested {
				if isSensitiveKey(nk) {
					nestedOut[nk] = redactedValue
				} else {
					nestedOut[nk] = nv
				}
			}
			out[k] = nestedOut
			continue
		}
		out[k] = v
	}
	return out
}

const ringBufferCapacity = 10000

// Logger is the process-wide audit sink. Injected explicitly, not a
// package-level global.
type Logger struct {
	mu        sync.Mutex
	minLevel  Level
	ring      []Event
	ringStart int // index of oldest element in ring, modulo len(ring)
	filled    bool

	filePath string
	file     *os.File
	writer   *bufio.Writer

	retention time.Duration
}

// New builds a Logger writing to filePath (created if missing) with the
// given minimum level and retention window for ring-buffer cleanup.
func New(filePath string, minLevel Level, retention time.Duration) (*Logger, error) {
	l := &Logger{
		minLevel:  minLevel,
		ring:      make([]Event, 0, ringBufferCapacity),
		filePath:  filePath,
		retention: retention,
	}

	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening audit log file: %w", err)
		}
		l.file = f
		l.writer = bufio.NewWriter(f)
	}

	return l, nil
}

// Record is the simple form used by lower layers (backend, manager)
// that don't need the full Event shape.
func (l *Logger) Record(eventType, level, action, result string, details map[string]any) {
	l.Emit(Event{
		Type:    eventType,
		Level:   Level(level),
		Action:  action,
		Result:  result,
		Details: details,
		Actor:   Actor{ID: "system", Type: "system"},
	})
}

// Emit accepts a fully-formed event, fills in ID/Timestamp if absent,
// applies the level filter and redaction, and writes to both sinks.
func (l *Logger) Emit(evt Event) {
	if evt.Level == "" {
		evt.Level = LevelInfo
	}
	if evt.Level.rank() < l.minLevel.rank() {
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Details = redact(evt.Details)

	l.mu.Lock()
	l.appendRingLocked(evt)
	l.mu.Unlock()

	l.writeFile(evt)
}

func (l *Logger) appendRingLocked(evt Event) {
	if len(l.ring) < ringBufferCapacity {
		l.ring = append(l.ring, evt)
		return
	}
	l.ring[l.ringStart] = evt
	l.ringStart = (l.ringStart + 1) % ringBufferCapacity
	l.filled = true
}

// writeFile never blocks or fails the caller's path on I/O trouble; it
// degrades to a stderr log line instead.
func (l *Logger) writeFile(evt Event) {
	if l.writer == nil {
		return
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal audit event")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(raw); err != nil {
		log.Error().Err(err).Msg("failed to write audit event")
		return
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		log.Error().Err(err).Msg("failed to write audit event newline")
		return
	}
	if err := l.writer.Flush(); err != nil {
		log.Error().Err(err).Msg("failed to flush audit log")
	}
}

// orderedEvents returns the ring buffer contents in insertion order.
func (l *Logger) orderedEvents() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.filled {
		out := make([]Event, len(l.ring))
		copy(out, l.ring)
		return out
	}
	out := make([]Event, 0, len(l.ring))
	out = append(out, l.ring[l.ringStart:]...)
	out = append(out, l.ring[:l.ringStart]...)
	return out
}

// Query is a struct-of-optionals filter over the ring buffer. It is not
// a search engine: callers know results are bounded by what's still in
// memory.
type Query struct {
	StartDate *time.Time
	EndDate   *time.Time
	Type      string
	Level     Level
	ActorID   string
	Action    string
	Result    string
	Limit     int
	Offset    int
}

// Run executes the query against the in-memory ring buffer, returning
// matches in insertion order after offset/limit.
func (l *Logger) Run(q Query) []Event {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var matched []Event
	for _, evt := range l.orderedEvents() {
		if q.StartDate != nil && evt.Timestamp.Before(*q.StartDate) {
			continue
		}
		if q.EndDate != nil && evt.Timestamp.After(*q.EndDate) {
			continue
		}
		if q.Type != "" && evt.Type != q.Type {
			continue
		}
		if q.Level != "" && evt.Level != q.Level {
			continue
		}
		if q.ActorID != "" && evt.Actor.ID != q.ActorID {
			continue
		}
		if q.Action != "" && evt.Action != q.Action {
			continue
		}
		if q.Result != "" && evt.Result != q.Result {
			continue
		}
		matched = append(matched, evt)
	}

	if q.Offset >= len(matched) {
		return []Event{}
	}
	end := q.Offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[q.Offset:end]
}

// Stats summarizes ring-buffer contents, optionally restricted to
// events within the last timeWindow.
type Stats struct {
	Total           int            `json:"total"`
	ByType          map[string]int `json:"byType"`
	ByLevel         map[string]int `json:"byLevel"`
	ByResult        map[string]int `json:"byResult"`
	AverageDuration float64        `json:"averageDuration"`
}

// GetStats computes Stats over the ring buffer, restricted to the last
// timeWindow if non-zero.
func (l *Logger) GetStats(timeWindow time.Duration) Stats {
	events := l.orderedEvents()
	var cutoff time.Time
	if timeWindow > 0 {
		cutoff = time.Now().Add(-timeWindow)
	}

	stats := Stats{ByType: map[string]int{}, ByLevel: map[string]int{}, ByResult: map[string]int{}}
	var durationSum float64
	var durationCount int

	for _, evt := range events {
		if timeWindow > 0 && evt.Timestamp.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByType[evt.Type]++
		stats.ByLevel[string(evt.Level)]++
		stats.ByResult[evt.Result]++
		if evt.Duration != nil {
			durationSum += *evt.Duration
			durationCount++
		}
	}
	if durationCount > 0 {
		stats.AverageDuration = durationSum / float64(durationCount)
	}
	return stats
}

// Cleanup discards ring-buffer events older than the configured
// retention window. It never touches the file sink; rotation there is
// out of scope.
func (l *Logger) Cleanup() int {
	cutoff := time.Now().Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.ring[:0:0]
	for _, evt := range l.orderedOrSelfLocked() {
		if !evt.Timestamp.Before(cutoff) {
			kept = append(kept, evt)
		}
	}
	removed := len(l.ring) - len(kept)
	l.ring = kept
	l.ringStart = 0
	l.filled = false
	return removed
}

// orderedOrSelfLocked returns events in insertion order; caller holds l.mu.
func (l *Logger) orderedOrSelfLocked() []Event {
	if !l.filled {
		return append([]Event(nil), l.ring...)
	}
	out := make([]Event, 0, len(l.ring))
	out = append(out, l.ring[l.ringStart:]...)
	out = append(out, l.ring[:l.ringStart]...)
	return out
}

// StartCleanupLoop runs Cleanup on the given period until stop is closed.
func (l *Logger) StartCleanupLoop(period time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}

// Close flushes and closes the file sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		_ = l.writer.Flush()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
