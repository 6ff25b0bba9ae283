// Package settings holds the runtime-mutable proxy configuration: access
// lists and caching. Readers load an immutable snapshot per request; writers
// publish a replacement snapshot, so a reader never sees a partial update.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/filter"
)

// ErrNegativeTTL is returned when a caching update carries a TTL below zero.
var ErrNegativeTTL = errors.New("cache ttl must be non-negative")

// FilterLists are the four access lists. URL lists hold hostnames.
type FilterLists struct {
	IPWhitelist  []string `json:"ip_whitelist"`
	IPBlacklist  []string `json:"ip_blacklist"`
	URLWhitelist []string `json:"url_whitelist"`
	URLBlacklist []string `json:"url_blacklist"`
}

// Caching controls whether GET responses are served from and stored in the cache.
type Caching struct {
	Enabled    bool `json:"enabled"`
	TTLSeconds int  `json:"ttl_seconds"`
}

// TTL returns the configured time-to-live.
func (c Caching) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Snapshot is one published version of the settings. It must not be modified.
type Snapshot struct {
	Filters FilterLists
	Caching Caching

	policy filter.Policy
}

// Policy returns the filter policy built from the snapshot's lists.
func (s *Snapshot) Policy() filter.Policy {
	return s.policy
}

// Store publishes snapshots to concurrent readers.
type Store struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// NewStore creates a Store holding the given initial settings.
func NewStore(f FilterLists, c Caching) (*Store, error) {
	if c.TTLSeconds < 0 {
		return nil, fmt.Errorf("settings: %w; got %d", ErrNegativeTTL, c.TTLSeconds)
	}
	s := &Store{}
	s.current.Store(newSnapshot(f, c))
	return s, nil
}

// FromConfig creates a Store seeded from the [filter] and [cache] sections.
func FromConfig(cfg *config.Config) (*Store, error) {
	return NewStore(FilterLists{
		IPWhitelist:  cfg.Filter.IPWhitelist,
		IPBlacklist:  cfg.Filter.IPBlacklist,
		URLWhitelist: cfg.Filter.URLWhitelist,
		URLBlacklist: cfg.Filter.URLBlacklist,
	}, Caching{
		Enabled:    cfg.Cache.Enabled,
		TTLSeconds: cfg.Cache.TTLSeconds,
	})
}

// Load returns the current snapshot.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Update replaces both the filter lists and the caching settings at once.
func (s *Store) Update(f FilterLists, c Caching) error {
	if c.TTLSeconds < 0 {
		return fmt.Errorf("settings: %w; got %d", ErrNegativeTTL, c.TTLSeconds)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(newSnapshot(f, c))
	return nil
}

// SetFilters replaces the filter lists, keeping the caching settings.
func (s *Store) SetFilters(f FilterLists) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(newSnapshot(f, s.current.Load().Caching))
}

// SetCaching replaces the caching settings, keeping the filter lists.
func (s *Store) SetCaching(c Caching) error {
	if c.TTLSeconds < 0 {
		return fmt.Errorf("settings: %w; got %d", ErrNegativeTTL, c.TTLSeconds)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(newSnapshot(s.current.Load().Filters, c))
	return nil
}

func newSnapshot(f FilterLists, c Caching) *Snapshot {
	f = FilterLists{
		IPWhitelist:  clean(f.IPWhitelist),
		IPBlacklist:  clean(f.IPBlacklist),
		URLWhitelist: clean(f.URLWhitelist),
		URLBlacklist: clean(f.URLBlacklist),
	}
	return &Snapshot{
		Filters: f,
		Caching: c,
		policy: filter.Policy{
			IP:   filter.Rule{Whitelist: filter.NewSet(f.IPWhitelist...), Blacklist: filter.NewSet(f.IPBlacklist...)},
			Host: filter.Rule{Whitelist: hostSet(f.URLWhitelist), Blacklist: hostSet(f.URLBlacklist)},
		},
	}
}

// hostSet builds a Set of lowercased hostnames to match filter.TargetHost.
func hostSet(hosts []string) filter.Set {
	lower := make([]string, len(hosts))
	for i, h := range hosts {
		lower[i] = strings.ToLower(h)
	}
	return filter.NewSet(lower...)
}

// clean copies values, trimming whitespace and dropping blanks and repeats
// while keeping the operator's order.
func clean(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
