package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. Supports two-phase
// caching: local LRU (Community) + Redis (Pro). All methods require tenantID
// for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache. Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetProfile retrieves a cached domain profile.
	GetProfile(ctx context.Context, tenantID string, domain string) (*DomainProfile, error)

	// SetProfile caches a domain profile for whitelist and trust lookups.
	SetProfile(ctx context.Context, tenantID string, profile *DomainProfile, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns the new
	// value. Used for per-domain communication frequency within a window.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     int // seconds

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
