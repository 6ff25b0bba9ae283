package settings

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forward-proxy-go/internal/config"
)

func TestNewStore_CleansLists(t *testing.T) {
	s, err := NewStore(FilterLists{
		IPBlacklist:  []string{" 10.0.0.5 ", "", "10.0.0.5", "10.0.0.6"},
		URLWhitelist: nil,
	}, Caching{Enabled: true, TTLSeconds: 60})
	require.NoError(t, err)

	snap := s.Load()
	assert.Equal(t, []string{"10.0.0.5", "10.0.0.6"}, snap.Filters.IPBlacklist)
	assert.Empty(t, snap.Filters.URLWhitelist)
	assert.False(t, snap.Policy().Evaluate("10.0.0.5", "example.com").Allowed)
	assert.True(t, snap.Policy().Evaluate("10.0.0.7", "example.com").Allowed)
}

func TestNewStore_HostListsIgnoreCase(t *testing.T) {
	s, err := NewStore(FilterLists{
		URLWhitelist: []string{"Allowed.Example.COM"},
		URLBlacklist: []string{"LOCALHOST"},
	}, Caching{})
	require.NoError(t, err)

	snap := s.Load()
	assert.Equal(t, []string{"LOCALHOST"}, snap.Filters.URLBlacklist, "entries are kept as written")
	assert.True(t, snap.Policy().Host.Whitelist.Has("allowed.example.com"))
	assert.True(t, snap.Policy().Host.Blacklist.Has("localhost"))
	assert.False(t, snap.Policy().Evaluate("10.0.0.5", "localhost").Allowed)
	assert.True(t, snap.Policy().Evaluate("10.0.0.5", "allowed.example.com").Allowed)
}

func TestNewStore_NegativeTTL(t *testing.T) {
	_, err := NewStore(FilterLists{}, Caching{TTLSeconds: -1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNegativeTTL))
}

func TestStore_SnapshotIsolation(t *testing.T) {
	input := []string{"a.test"}
	s, err := NewStore(FilterLists{URLBlacklist: input}, Caching{})
	require.NoError(t, err)

	before := s.Load()
	input[0] = "mutated.test"
	s.SetFilters(FilterLists{URLBlacklist: []string{"b.test"}})

	assert.Equal(t, []string{"a.test"}, before.Filters.URLBlacklist, "old snapshot must not change")
	assert.Equal(t, []string{"b.test"}, s.Load().Filters.URLBlacklist)
}

func TestStore_SetCachingKeepsFilters(t *testing.T) {
	s, err := NewStore(FilterLists{IPWhitelist: []string{"127.0.0.1"}}, Caching{})
	require.NoError(t, err)

	require.NoError(t, s.SetCaching(Caching{Enabled: true, TTLSeconds: 30}))
	snap := s.Load()
	assert.Equal(t, []string{"127.0.0.1"}, snap.Filters.IPWhitelist)
	assert.True(t, snap.Caching.Enabled)
	assert.Equal(t, int64(30), int64(snap.Caching.TTL().Seconds()))

	err = s.SetCaching(Caching{Enabled: true, TTLSeconds: -5})
	assert.ErrorIs(t, err, ErrNegativeTTL)
	assert.Equal(t, 30, s.Load().Caching.TTLSeconds, "rejected update must not be applied")
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s, err := NewStore(FilterLists{IPBlacklist: []string{"v0-a", "v0-b"}}, Caching{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			v := fmt.Sprintf("v%d", i)
			s.SetFilters(FilterLists{IPBlacklist: []string{v + "-a", v + "-b"}})
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				list := s.Load().Filters.IPBlacklist
				if len(list) != 2 || list[0][:len(list[0])-2] != list[1][:len(list[1])-2] {
					t.Errorf("torn snapshot: %v", list)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{
		Filter: config.FilterConfig{URLBlacklist: []string{"blocked.test"}},
		Cache:  config.CacheConfig{Enabled: true, TTLSeconds: 120},
	}
	s, err := FromConfig(cfg)
	require.NoError(t, err)

	snap := s.Load()
	assert.Equal(t, []string{"blocked.test"}, snap.Filters.URLBlacklist)
	assert.Equal(t, Caching{Enabled: true, TTLSeconds: 120}, snap.Caching)
}
