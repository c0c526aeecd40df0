package service

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harry-school/offline-sync/internal/repository"
	"github.com/harry-school/offline-sync/pkg/config"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
	"github.com/harry-school/offline-sync/pkg/jobs"
)

type memoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	setErr  error
	deleted []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.setErr != nil {
		return m.setErr
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) DeleteByPattern(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, pattern)
	for key := range m.data {
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.data, key)
		}
	}
	return nil
}

type summary struct {
	Present int `json:"present"`
	Absent  int `json:"absent"`
}

func TestCacheGetAfterSetWithinAndAfterTTL(t *testing.T) {
	clock := newFakeClock(markBase)
	cache := NewCacheManager("dashboard", newMemoryStore(), config.CacheConfig{TTL: time.Minute, MaxEntries: 10}, nil, nil, WithCacheClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "attendance:C1:2024-01-01", summary{Present: 18, Absent: 2}, 0))

	var got summary
	hit, err := cache.Get(ctx, "attendance:C1:2024-01-01", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, summary{Present: 18, Absent: 2}, got)

	clock.Advance(time.Minute)
	hit, err = cache.Get(ctx, "attendance:C1:2024-01-01", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Zero(t, stats.Entries)
}

func TestCacheEvictsLeastRecentlyUsedByCount(t *testing.T) {
	cache := NewCacheManager("dashboard", nil, config.CacheConfig{TTL: time.Hour, MaxEntries: 2}, nil, nil)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", 1, 0))
	require.NoError(t, cache.Set(ctx, "b", 2, 0))
	var v int
	hit, _ := cache.Get(ctx, "a", &v)
	require.True(t, hit)
	require.NoError(t, cache.Set(ctx, "c", 3, 0))

	hit, _ = cache.Get(ctx, "b", &v)
	assert.False(t, hit)
	hit, _ = cache.Get(ctx, "a", &v)
	assert.True(t, hit)
	assert.Equal(t, uint64(1), cache.Stats().Evictions)
}

func TestCacheEvictsByBytes(t *testing.T) {
	cache := NewCacheManager("strategic", nil, config.CacheConfig{TTL: time.Hour, MaxBytes: 40}, nil, nil)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k1", "0123456789", 0))
	require.NoError(t, cache.Set(ctx, "k2", "0123456789", 0))
	require.NoError(t, cache.Set(ctx, "k3", "0123456789", 0))

	stats := cache.Stats()
	assert.LessOrEqual(t, stats.Bytes, int64(40))
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, uint64(1), stats.Evictions)

	require.NoError(t, cache.Set(ctx, "huge", string(make([]byte, 100)), 0))
	var s string
	hit, _ := cache.Get(ctx, "huge", &s)
	assert.False(t, hit)
}

func TestCacheReadsThroughPersistentTier(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	first := NewCacheManager("dashboard", store, config.CacheConfig{TTL: time.Hour}, nil, nil)
	require.NoError(t, first.Set(ctx, "attendance:C1:2024-01-01", summary{Present: 3}, 0))
	assert.Contains(t, store.data, "dashboard:attendance:C1:2024-01-01")

	restarted := NewCacheManager("dashboard", store, config.CacheConfig{TTL: time.Hour}, nil, nil)
	require.NoError(t, restarted.Restore(ctx))
	var got summary
	hit, err := restarted.Get(ctx, "attendance:C1:2024-01-01", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 3, got.Present)
	assert.Equal(t, 1, restarted.Stats().Entries)
}

func TestCacheInvalidateAllBumpsPersistedVersion(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	cache := NewCacheManager("dashboard", store, config.CacheConfig{TTL: time.Hour}, nil, nil)
	require.NoError(t, cache.Set(ctx, "k", 1, 0))
	require.NoError(t, cache.InvalidateAll(ctx))

	var v int
	hit, _ := cache.Get(ctx, "k", &v)
	assert.False(t, hit)

	restarted := NewCacheManager("dashboard", store, config.CacheConfig{TTL: time.Hour}, nil, nil)
	require.NoError(t, restarted.Restore(ctx))
	assert.Equal(t, int64(1), restarted.Stats().Version)
	hit, _ = restarted.Get(ctx, "k", &v)
	assert.False(t, hit)
}

func TestCacheInvalidatePrefix(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	cache := NewCacheManager("dashboard", store, config.CacheConfig{TTL: time.Hour}, nil, nil)
	require.NoError(t, cache.Set(ctx, "attendance:C1:2024-01-01", 1, 0))
	require.NoError(t, cache.Set(ctx, "attendance:C2:2024-01-01", 2, 0))

	require.NoError(t, cache.InvalidatePrefix(ctx, "attendance:C1:"))
	assert.Equal(t, []string{"dashboard:attendance:C1:*"}, store.deleted)

	var v int
	hit, _ := cache.Get(ctx, "attendance:C1:2024-01-01", &v)
	assert.False(t, hit)
	hit, _ = cache.Get(ctx, "attendance:C2:2024-01-01", &v)
	assert.True(t, hit)
}

func TestCacheSetKeepsMemoryWhenPersistFails(t *testing.T) {
	store := newMemoryStore()
	store.setErr = errors.New("disk full")
	cache := NewCacheManager("dashboard", store, config.CacheConfig{TTL: time.Hour}, nil, nil)
	ctx := context.Background()

	assert.Error(t, cache.Set(ctx, "k", 7, 0))
	var v int
	hit, err := cache.Get(ctx, "k", &v)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 7, v)
}

func TestGetOrFetchMissFetchesOnce(t *testing.T) {
	cache := NewCacheManager("dashboard", newMemoryStore(), config.CacheConfig{TTL: time.Hour}, nil, nil)
	ctx := context.Background()
	var calls int32
	fetch := func(context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return summary{Present: 5}, nil
	}

	var got summary
	require.NoError(t, cache.GetOrFetch(ctx, "k", &got, fetch))
	assert.Equal(t, 5, got.Present)
	require.NoError(t, cache.GetOrFetch(ctx, "k", &got, fetch))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err := cache.Get(ctx, "missing", &got)
	require.NoError(t, err)
	err = cache.GetOrFetch(ctx, "broken", &got, func(context.Context) (interface{}, error) {
		return nil, errors.New("backend down")
	})
	assert.EqualError(t, err, "backend down")
}

func TestGetOrFetchServesStaleAndRevalidates(t *testing.T) {
	clock := newFakeClock(markBase)
	queue := jobs.NewQueue("cache-refresh", jobs.RunFunc, jobs.QueueConfig{Workers: 1})
	queue.Start(context.Background())
	defer queue.Stop()

	cache := NewCacheManager("dashboard", newMemoryStore(),
		config.CacheConfig{TTL: time.Hour, StaleAfter: time.Minute}, nil, nil,
		WithCacheClock(clock.Now), WithRefreshQueue(queue))
	ctx := context.Background()

	var version int32
	fetch := func(context.Context) (interface{}, error) {
		return summary{Present: int(atomic.AddInt32(&version, 1))}, nil
	}

	var got summary
	require.NoError(t, cache.GetOrFetch(ctx, "k", &got, fetch))
	assert.Equal(t, 1, got.Present)

	clock.Advance(2 * time.Minute)
	require.NoError(t, cache.GetOrFetch(ctx, "k", &got, fetch))
	assert.Equal(t, 1, got.Present)

	require.Eventually(t, func() bool {
		var fresh summary
		hit, _ := cache.Get(ctx, "k", &fresh)
		return hit && fresh.Present == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), cache.Stats().Revalidations)
}

func TestCacheWithSQLiteMirror(t *testing.T) {
	kv := repository.NewKVRepository(newLocalDB(t))
	cache := NewCacheManager("dashboard", kv, config.CacheConfig{TTL: time.Hour, MaxEntries: 5}, nil, nil)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "attendance:C1:2024-01-01", summary{Present: 9}, 0))
	require.NoError(t, cache.InvalidateAll(ctx))
	require.NoError(t, cache.Set(ctx, "attendance:C1:2024-01-02", summary{Present: 4}, 0))

	restarted := NewCacheManager("dashboard", kv, config.CacheConfig{TTL: time.Hour, MaxEntries: 5}, nil, nil)
	require.NoError(t, restarted.Restore(ctx))
	var got summary
	hit, err := restarted.Get(ctx, "attendance:C1:2024-01-01", &got)
	require.NoError(t, err)
	assert.False(t, hit)
	hit, err = restarted.Get(ctx, "attendance:C1:2024-01-02", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 4, got.Present)
}

func TestGetOrFetchDoesNotCacheAcrossInvalidation(t *testing.T) {
	cache := NewCacheManager("dashboard", newMemoryStore(), config.CacheConfig{TTL: time.Hour}, nil, nil)
	ctx := context.Background()

	var got summary
	err := cache.GetOrFetch(ctx, "attendance:C1:2024-01-01", &got, func(ctx context.Context) (interface{}, error) {
		require.NoError(t, cache.InvalidatePrefix(ctx, "attendance:C1:"))
		return summary{Present: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Present)

	hit, err := cache.Get(ctx, "attendance:C1:2024-01-01", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	err = cache.GetOrFetch(ctx, "attendance:C1:2024-01-01", &got, func(ctx context.Context) (interface{}, error) {
		require.NoError(t, cache.InvalidateAll(ctx))
		return summary{Present: 2}, nil
	})
	require.NoError(t, err)
	hit, err = cache.Get(ctx, "attendance:C1:2024-01-01", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.GetOrFetch(ctx, "attendance:C1:2024-01-01", &got, func(context.Context) (interface{}, error) {
		return summary{Present: 3}, nil
	}))
	hit, err = cache.Get(ctx, "attendance:C1:2024-01-01", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 3, got.Present)
}
