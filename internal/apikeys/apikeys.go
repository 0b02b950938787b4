// Package apikeys issues and validates API keys for the open beta.
//
// Keys are optional: requests without a key are served, and a valid key only
// meters usage.
package apikeys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// Prefix marks every issued key.
const Prefix = "sk-"

// Key is the metadata kept for an issued key.
type Key struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	CreditsUsed int64  `json:"credits_used"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *Key) error
	Get(ctx context.Context, raw string) (*Key, error)
	IncrementUsage(ctx context.Context, raw string) error
}

// Manager handles key issuance and validation
type Manager struct {
	store Store
}

// NewManager creates a new key manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Generate creates and stores a new key. The raw key is returned once.
func (m *Manager) Generate(ctx context.Context, name string) (*Key, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	key := &Key{Key: Prefix + hex.EncodeToString(b), Name: name}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Validate checks a raw key or a "Bearer sk-..." header value.
func (m *Manager) Validate(ctx context.Context, raw string) (*Key, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, Prefix) {
		return nil, ErrInvalidAPIKey
	}
	key, err := m.store.Get(ctx, raw)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	return key, nil
}

// TrackUsage adds one credit to the key's usage.
func (m *Manager) TrackUsage(ctx context.Context, raw string) error {
	return m.store.IncrementUsage(ctx, raw)
}
