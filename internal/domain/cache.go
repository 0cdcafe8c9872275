package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching derived detection output.
// Supports two-phase caching: local LRU (community) + Redis (pro).
// Rosters are cached per (kind, window, reference instant) key; a fresh
// derivation with the same key is identical, so stale reads are safe
// within the TTL.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetRoster retrieves a cached classified roster.
	GetRoster(ctx context.Context, key string) ([]RosterEntry, error)

	// SetRoster caches a classified roster.
	SetRoster(ctx context.Context, key string, roster []RosterEntry, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
