// Package auth implements API-key validation and permission checks for
// the aggregator's request pipeline (C5). It follows the teacher's
// hash-and-compare pattern (SHA-256 storage, constant-time comparison)
// but replaces the HTTP-header provider chain with a single opaque-key
// manager, since the aggregator has exactly one authentication scheme.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/search-mcp/search-mcp/internal/apperr"
)

const keyPrefix = "smcp_"

// ApiKey is a persisted API key record. The plaintext secret exists only
// at generation time; everything kept in memory or on disk is the hash.
type ApiKey struct {
	ID         string     `json:"id"`
	HashedKey  string     `json:"hashedKey"`
	Name       string     `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	Enabled    bool       `json:"enabled"`
}

// AuthContext is the per-request identity and permission snapshot built
// by Validate. It is never persisted.
type AuthContext struct {
	ApiKeyID      string
	Permissions   []string
	Authenticated bool
}

// Allows reports whether the context's permissions satisfy required,
// per the match order: wildcard, exact, then patterns ending in "*"
// (such as "tools:*" or "tools:echo.*"), matched as a prefix.
func (c AuthContext) Allows(required string) bool {
	for _, p := range c.Permissions {
		if p == "*" {
			return true
		}
	}
	for _, p := range c.Permissions {
		if p == required {
			return true
		}
	}
	for _, p := range c.Permissions {
		if strings.HasSuffix(p, "*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(required, prefix) {
				return true
			}
		}
	}
	return false
}

// anonymousContext is returned by Validate when auth is disabled.
func anonymousContext() AuthContext {
	return AuthContext{Permissions: []string{"*"}, Authenticated: false}
}

// keyFile is the on-disk shape of the API-key store.
type keyFile struct {
	AuthEnabled bool     `json:"authEnabled"`
	ApiKeys     []ApiKey `json:"apiKeys"`
}

// Manager validates API keys and resolves permissions. It is a process
// singleton, injected explicitly into the dispatcher rather than reached
// via a package-level global.
type Manager struct {
	mu      sync.RWMutex
	enabled bool
	path    string
	keys    map[string]*ApiKey // by ID
	byHash  map[string]*ApiKey // by hashed key
}

// NewManager builds a Manager. When enabled is false, Validate returns
// an anonymous context regardless of what's on disk, until Generate is
// called, which turns auth on.
func NewManager(enabled bool) *Manager {
	return &Manager{
		enabled: enabled,
		keys:    make(map[string]*ApiKey),
		byHash:  make(map[string]*ApiKey),
	}
}

// Load reads the API-key file at path. A missing file disables auth even
// if the caller requested it enabled, per spec: there is nothing to
// authenticate against.
func (m *Manager) Load(path string) error {
	m.path = path
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("api key file not found, disabling auth")
		m.mu.Lock()
		m.enabled = false
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading api key file: %w", err)
	}

	var file keyFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing api key file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = make(map[string]*ApiKey, len(file.ApiKeys))
	m.byHash = make(map[string]*ApiKey, len(file.ApiKeys))
	for i := range file.ApiKeys {
		k := file.ApiKeys[i]
		m.keys[k.ID] = &k
		m.byHash[k.HashedKey] = &k
	}
	return nil
}

// Save persists the current key set to m.path. Plaintext is never
// involved: only HashedKey ever reaches the file.
func (m *Manager) Save() error {
	m.mu.RLock()
	keys := make([]ApiKey, 0, len(m.keys))
	for _, k := range m.keys {
		keys = append(keys, *k)
	}
	enabled := m.enabled
	path := m.path
	m.mu.RUnlock()

	if path == "" {
		return apperr.New(apperr.KindConfigurationError, "no api key file path configured")
	}

	raw, err := json.MarshalIndent(keyFile{AuthEnabled: enabled, ApiKeys: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling api key file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("writing api key file: %w", err)
	}
	return nil
}

// Generate creates a new API key, stores its hash, and returns the
// record plus the plaintext secret — the only time the plaintext ever
// exists.
func (m *Manager) Generate(name string, permissions []string, expiresIn *time.Duration) (*ApiKey, string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("generating key material: %w", err)
	}
	plaintext := keyPrefix + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(secret)
	hash := hashKey(plaintext)

	rec := &ApiKey{
		ID:          uuid.NewString(),
		HashedKey:   hash,
		Name:        name,
		Permissions: permissions,
		CreatedAt:   time.Now().UTC(),
		Enabled:     true,
	}
	if expiresIn != nil {
		exp := rec.CreatedAt.Add(*expiresIn)
		rec.ExpiresAt = &exp
	}

	m.mu.Lock()
	m.keys[rec.ID] = rec
	m.byHash[rec.HashedKey] = rec
	m.enabled = true
	m.mu.Unlock()

	return rec, plaintext, nil
}

// Validate resolves a plaintext key to an AuthContext. When auth is
// disabled it always succeeds anonymously, matching spec's requirement
// that a disabled auth manager never blocks requests.
func (m *Manager) Validate(plaintext string) (AuthContext, error) {
	m.mu.RLock()
	enabled := m.enabled
	m.mu.RUnlock()
	if !enabled {
		return anonymousContext(), nil
	}

	if plaintext == "" {
		return AuthContext{}, apperr.AuthenticationError("missing api key")
	}

	hash := hashKey(plaintext)

	m.mu.Lock()
	defer m.mu.Unlock()

	var rec *ApiKey
	for _, candidate := range m.byHash {
		if constantTimeHashMatch(hash, candidate.HashedKey) {
			rec = candidate
			break
		}
	}
	if rec == nil {
		return AuthContext{}, apperr.AuthenticationError("unknown api key")
	}
	if !rec.Enabled {
		return AuthContext{}, apperr.AuthenticationError("api key disabled")
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return AuthContext{}, apperr.AuthenticationError("api key expired")
	}

	now := time.Now().UTC()
	rec.LastUsedAt = &now

	return AuthContext{
		ApiKeyID:      rec.ID,
		Permissions:   append([]string(nil), rec.Permissions...),
		Authenticated: true,
	}, nil
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return fmt.Sprintf("%x", sum)
}

func constantTimeHashMatch(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
