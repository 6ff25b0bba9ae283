// Package cache stores forwarded GET responses keyed by their absolute URL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"forward-proxy-go/internal/config"
)

// ErrUnknownBackend is returned by New for an unsupported [cache] backend.
var ErrUnknownBackend = errors.New("unknown cache backend")

// Entry is a cached origin response.
type Entry struct {
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Clone returns a deep copy so callers never share storage with the backend.
func (e Entry) Clone() Entry {
	out := Entry{Header: e.Header.Clone()}
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Cache is a key to Entry store with per-entry expiry. Implementations are
// safe for concurrent use and never return an expired entry.
type Cache interface {
	// Get returns the entry for key, or false on a miss or after expiry.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set stores e under key for ttl, replacing any existing entry.
	// A ttl of zero or less stores nothing.
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// New builds the backend selected by cfg.Cache.Backend.
func New(cfg *config.Config) (Cache, error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendMemory:
		return NewMemory(cfg.Cache.MaxEntries), nil
	case config.CacheBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		return NewRedis(client, cfg.Cache.Redis.KeyPrefix), nil
	}
	return nil, fmt.Errorf("cache: %w %q", ErrUnknownBackend, cfg.Cache.Backend)
}
