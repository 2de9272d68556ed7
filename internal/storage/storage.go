// Package storage caches generative responses so repeated evaluation runs
// over the same pages do not pay for the same prompt twice.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/schematism/internal/config"
	"github.com/lehigh-university-libraries/schematism/internal/providers"
)

// Store is a key/value cache of model responses
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Key identifies a response by everything that determines it
func Key(provider, model string, temperature float64, jsonMode bool, prompt string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(temperature, 'f', -1, 64)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(jsonMode)))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

// Open returns the store selected by cfg, or nil when caching is off
func Open(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(cfg.TTL), nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.Path, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := OpenRedis(ctx, cfg.URL, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}

type memoryEntry struct {
	value   string
	created time.Time
}

// MemoryStore keeps responses for the life of the process
type MemoryStore struct {
	entries map[string]memoryEntry
	ttl     time.Duration
	mu      sync.RWMutex
}

// NewMemory returns an empty in-process store. A zero ttl never expires.
func NewMemory(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, exists := s.entries[key]
	if !exists || expired(e.created, s.ttl) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, created: time.Now()}
	return nil
}

// Len returns the number of cached responses
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error {
	return nil
}

func expired(created time.Time, ttl time.Duration) bool {
	return ttl > 0 && time.Since(created) > ttl
}

// CachedProvider serves repeated prompts from a Store. Cache failures are
// logged and fall through to the wrapped provider.
type CachedProvider struct {
	inner providers.Provider
	store Store
}

// NewCachedProvider wraps p with store. A nil store returns p unchanged.
func NewCachedProvider(p providers.Provider, store Store) providers.Provider {
	if store == nil {
		return p
	}
	return &CachedProvider{inner: p, store: store}
}

func (c *CachedProvider) Name() string {
	return c.inner.Name()
}

func (c *CachedProvider) ExtractText(ctx context.Context, cfg providers.Config) (string, error) {
	key := Key(c.inner.Name(), cfg.Model, cfg.Temperature, cfg.JSON, cfg.Prompt)

	cached, ok, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Warn("Response cache read failed", "provider", c.inner.Name(), "error", err)
	} else if ok {
		slog.Debug("Response cache hit", "provider", c.inner.Name(), "model", cfg.Model)
		return cached, nil
	}

	text, err := c.inner.ExtractText(ctx, cfg)
	if err != nil {
		return "", err
	}

	if text != "" {
		if err := c.store.Set(ctx, key, text); err != nil {
			slog.Warn("Response cache write failed", "provider", c.inner.Name(), "error", err)
		}
	}
	return text, nil
}
