// Package ratelimit implements a token-bucket rate limiter keyed by
// (tier, identifier), with lazy bucket creation, refill-on-read, and a
// periodic eviction sweep modeled on the teacher's janitor ticker loop.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/search-mcp/search-mcp/internal/apperr"
)

// Tier names the built-in rate-limit tiers.
const (
	TierDefault       = "default"
	TierAuthenticated = "authenticated"
	TierPremium       = "premium"
)

// TierLimits describes one tier's bucket shape.
type TierLimits struct {
	MaxTokens  float64
	RefillRate float64 // tokens per second
}

// DefaultTiers returns the spec's baseline tier configuration.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		TierDefault:       {MaxTokens: 100, RefillRate: 10},
		TierAuthenticated: {MaxTokens: 1000, RefillRate: 50},
		TierPremium:       {MaxTokens: 5000, RefillRate: 200},
	}
}

// Result is the outcome of a CheckLimit call.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter float64 // seconds, only meaningful when !Allowed
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	lastAccess time.Time // updated only by CheckLimit, used for idle detection
}

func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}
}

// Limiter is the process-wide rate limiter, injected explicitly into
// the dispatcher rather than reached through a package-level global.
type Limiter struct {
	tiers map[string]TierLimits

	mu      sync.Mutex
	buckets map[string]*bucket

	stopCh chan struct{}
	once   sync.Once
}

// New builds a Limiter with the given tier configuration. Pass
// DefaultTiers() for the spec's baseline.
func New(tiers map[string]TierLimits) *Limiter {
	return &Limiter{
		tiers:   tiers,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
}

// Tiers returns the configured tier limits, for diagnostics
// (get_rate_limit_stats).
func (l *Limiter) Tiers() map[string]TierLimits {
	return l.tiers
}

func bucketKey(tier, identifier string) string {
	return tier + "\x00" + identifier
}

// CheckLimit consumes cost tokens from the (tier, identifier) bucket,
// creating it on first use. Refill is applied atomically with the read.
func (l *Limiter) CheckLimit(tier, identifier string, cost float64) (Result, error) {
	limits, ok := l.tiers[tier]
	if !ok {
		return Result{}, apperr.New(apperr.KindConfigurationError, fmt.Sprintf("unknown rate limit tier %q", tier))
	}

	key := bucketKey(tier, identifier)

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:     limits.MaxTokens,
			maxTokens:  limits.MaxTokens,
			refillRate: limits.RefillRate,
			lastRefill: time.Now(),
			lastAccess: time.Now(),
		}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refillLocked(now)
	b.lastAccess = now

	resetAt := now
	if b.refillRate > 0 {
		resetAt = now.Add(time.Duration((b.maxTokens - b.tokens) / b.refillRate * float64(time.Second)))
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return Result{
			Allowed:   true,
			Remaining: int(math.Floor(b.tokens)),
			ResetAt:   resetAt,
		}, nil
	}

	retryAfter := math.Ceil((cost - b.tokens) / math.Max(b.refillRate, 0.0001))
	return Result{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}

// StartEvictionLoop runs a background sweep that removes buckets which
// are both full and idle for at least idleThreshold. It never mutates a
// bucket an in-flight CheckLimit might observe mid-update: eviction
// takes the same per-bucket lock CheckLimit does.
func (l *Limiter) StartEvictionLoop(period, idleThreshold time.Duration) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.evict(idleThreshold)
			case <-l.stopCh:
				return
			}
		}
	}()
}

func (l *Limiter) evict(idleThreshold time.Duration) {
	now := time.Now()

	l.mu.Lock()
	keys := make([]string, 0, len(l.buckets))
	for k := range l.buckets {
		keys = append(keys, k)
	}
	l.mu.Unlock()

	for _, k := range keys {
		l.mu.Lock()
		b, ok := l.buckets[k]
		l.mu.Unlock()
		if !ok {
			continue
		}

		b.mu.Lock()
		idle := now.Sub(b.lastAccess) >= idleThreshold
		b.refillLocked(now)
		full := b.tokens >= b.maxTokens
		b.mu.Unlock()

		if idle && full {
			l.mu.Lock()
			delete(l.buckets, k)
			l.mu.Unlock()
		}
	}
}

// Stop terminates the eviction loop, if running.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}
