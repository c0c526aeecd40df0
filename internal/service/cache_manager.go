package service

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/harry-school/offline-sync/internal/models"
	"github.com/harry-school/offline-sync/pkg/config"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
	"github.com/harry-school/offline-sync/pkg/jobs"
)

const versionKeySuffix = "__version"

// PersistentStore is the durable tier behind a cache manager. Get returns
// ErrCacheMiss for absent keys; patterns use "*" wildcards.
type PersistentStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// Enqueuer hands background work to a worker pool.
type Enqueuer interface {
	TryEnqueue(job jobs.Job) (bool, error)
}

// FetchFunc loads a fresh value for a cache key.
type FetchFunc func(ctx context.Context) (interface{}, error)

type cacheItem struct {
	key   string
	entry models.CacheEntry
	size  int64
}

// CacheManager is a two-tier cache: an LRU in memory mirrored into a persistent
// store. The memory tier is bounded by entry count, estimated bytes, or both.
type CacheManager struct {
	name       string
	store      PersistentStore
	ttl        time.Duration
	staleAfter time.Duration
	maxEntries int
	maxBytes   int64
	refresher  Enqueuer
	metrics    *MetricsService
	logger     *zap.Logger
	now        func() time.Time
	group      singleflight.Group

	mu            sync.Mutex
	ll            *list.List
	items         map[string]*list.Element
	bytes         int64
	version       int64
	invalidations uint64
	hits          uint64
	misses        uint64
	evictions     uint64
	revalidations uint64
}

// CacheOption configures a cache manager.
type CacheOption func(*CacheManager)

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *CacheManager) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRefreshQueue runs stale-while-revalidate refetches on a worker pool.
func WithRefreshQueue(q Enqueuer) CacheOption {
	return func(c *CacheManager) {
		c.refresher = q
	}
}

// NewCacheManager constructs a named cache. A nil store keeps the cache memory only.
func NewCacheManager(name string, store PersistentStore, cfg config.CacheConfig, metrics *MetricsService, logger *zap.Logger, opts ...CacheOption) *CacheManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	c := &CacheManager{
		name:       name,
		store:      store,
		ttl:        cfg.TTL,
		staleAfter: cfg.StaleAfter,
		maxEntries: cfg.MaxEntries,
		maxBytes:   cfg.MaxBytes,
		metrics:    metrics,
		logger:     logger.With(zap.String("cache", name)),
		now:        time.Now,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name returns the cache name.
func (c *CacheManager) Name() string {
	return c.name
}

// Restore loads the persisted version so entries written before an invalidation
// stay invalid across restarts.
func (c *CacheManager) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	var version int64
	if err := c.store.Get(ctx, c.persistKey(versionKeySuffix), &version); err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return nil
		}
		return fmt.Errorf("restore %s cache version: %w", c.name, err)
	}
	c.mu.Lock()
	c.version = version
	c.mu.Unlock()
	return nil
}

// Get decodes the cached value into dest and reports whether it was found.
func (c *CacheManager) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	entry, ok := c.lookup(ctx, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.Data, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key. A non-positive ttl uses the cache default. The
// memory tier is updated even when the persistent write fails.
func (c *CacheManager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s for cache: %w", key, err)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	entry := models.CacheEntry{Data: data, Timestamp: c.now().UTC(), TTL: ttl, Version: c.version}
	c.put(key, entry)
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.Set(ctx, c.persistKey(key), entry, ttl); err != nil {
		c.logger.Warn("persist cache entry failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Delete removes one key from both tiers.
func (c *CacheManager) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	c.publishSize()
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, c.persistKey(key))
}

// InvalidatePrefix removes every key starting with prefix from both tiers.
func (c *CacheManager) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	c.invalidations++
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.remove(el)
		}
	}
	c.publishSize()
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.DeleteByPattern(ctx, c.persistKey(prefix)+"*"); err != nil {
		c.logger.Warn("persistent invalidation failed", zap.String("prefix", prefix), zap.Error(err))
		return err
	}
	return nil
}

// InvalidateAll bumps the cache version, which invalidates every existing entry
// in both tiers, and persists the new version.
func (c *CacheManager) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	c.version++
	c.invalidations++
	version := c.version
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.bytes = 0
	c.publishSize()
	c.mu.Unlock()

	c.logger.Info("cache invalidated", zap.Int64("version", version))
	if c.store == nil {
		return nil
	}
	if err := c.store.Set(ctx, c.persistKey(versionKeySuffix), version, 0); err != nil {
		c.logger.Warn("persist cache version failed", zap.Error(err))
		return err
	}
	return nil
}

// GetOrFetch serves key with stale-while-revalidate semantics: fresh entries are
// returned as is, stale ones are returned and refreshed in the background, and
// misses are fetched synchronously. Concurrent fetches of a key are collapsed.
func (c *CacheManager) GetOrFetch(ctx context.Context, key string, dest interface{}, fetch FetchFunc) error {
	if entry, ok := c.lookup(ctx, key); ok {
		if err := json.Unmarshal(entry.Data, dest); err == nil {
			if entry.Stale(c.now(), c.staleAfter) {
				c.scheduleRefresh(key, fetch)
			}
			return nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	}

	data, err := c.refresh(ctx, key, fetch)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Stats reports counters and sizes.
func (c *CacheManager) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := models.CacheStats{
		Name:          c.name,
		Entries:       c.ll.Len(),
		Bytes:         c.bytes,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Revalidations: c.revalidations,
		Version:       c.version,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRatio = float64(c.hits) / float64(total)
	}
	return stats
}

// refresh fetches and caches a value. A result fetched across an invalidation is
// returned to the caller but not cached.
func (c *CacheManager) refresh(ctx context.Context, key string, fetch FetchFunc) ([]byte, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		generation := c.invalidations
		c.mu.Unlock()

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s for cache: %w", key, err)
		}
		c.mu.Lock()
		invalidated := c.invalidations != generation
		c.mu.Unlock()
		if invalidated {
			c.logger.Debug("cache invalidated during fetch, result not cached", zap.String("key", key))
			return data, nil
		}
		if err := c.Set(ctx, key, json.RawMessage(data), 0); err != nil {
			c.logger.Debug("fetched value kept in memory only", zap.String("key", key), zap.Error(err))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *CacheManager) scheduleRefresh(key string, fetch FetchFunc) {
	c.mu.Lock()
	c.revalidations++
	c.mu.Unlock()

	task := jobs.Func(func(ctx context.Context) error {
		_, err := c.refresh(ctx, key, fetch)
		return err
	})
	if c.refresher == nil {
		go func() {
			if err := task(context.Background()); err != nil {
				c.logger.Warn("background refresh failed", zap.String("key", key), zap.Error(err))
			}
		}()
		return
	}
	if _, err := c.refresher.TryEnqueue(jobs.Job{ID: c.persistKey(key), Type: "cache_refresh", Payload: task}); err != nil {
		c.logger.Debug("refresh not scheduled", zap.String("key", key), zap.Error(err))
	}
}

// lookup checks memory, then the persistent tier, recording hit or miss once.
func (c *CacheManager) lookup(ctx context.Context, key string) (models.CacheEntry, bool) {
	start := time.Now()
	entry, ok := c.lookupMemory(key)
	if !ok {
		entry, ok = c.lookupStore(ctx, key)
	}

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	c.metrics.RecordCacheOperation(c.name, ok, time.Since(start))
	return entry, ok
}

func (c *CacheManager) lookupMemory(key string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return models.CacheEntry{}, false
	}
	item := el.Value.(*cacheItem)
	if item.entry.Version != c.version || item.entry.Expired(c.now()) {
		c.remove(el)
		c.publishSize()
		return models.CacheEntry{}, false
	}
	c.ll.MoveToFront(el)
	return item.entry, true
}

func (c *CacheManager) lookupStore(ctx context.Context, key string) (models.CacheEntry, bool) {
	if c.store == nil {
		return models.CacheEntry{}, false
	}
	var entry models.CacheEntry
	if err := c.store.Get(ctx, c.persistKey(key), &entry); err != nil {
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			c.logger.Warn("persistent cache read failed", zap.String("key", key), zap.Error(err))
		}
		return models.CacheEntry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.Version != c.version || entry.Expired(c.now()) {
		return models.CacheEntry{}, false
	}
	c.put(key, entry)
	return entry, true
}

// put must be called with mu held.
func (c *CacheManager) put(key string, entry models.CacheEntry) {
	size := int64(len(key) + len(entry.Data))
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		c.publishSize()
		return
	}
	c.items[key] = c.ll.PushFront(&cacheItem{key: key, entry: entry, size: size})
	c.bytes += size

	evicted := 0
	for c.overBudget() {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.remove(back)
		evicted++
	}
	if evicted > 0 {
		c.evictions += uint64(evicted)
		c.metrics.RecordCacheEviction(c.name, evicted)
	}
	c.publishSize()
}

func (c *CacheManager) overBudget() bool {
	if c.maxEntries > 0 && c.ll.Len() > c.maxEntries {
		return true
	}
	return c.maxBytes > 0 && c.bytes > c.maxBytes
}

// remove must be called with mu held.
func (c *CacheManager) remove(el *list.Element) {
	item := c.ll.Remove(el).(*cacheItem)
	delete(c.items, item.key)
	c.bytes -= item.size
}

func (c *CacheManager) publishSize() {
	c.metrics.SetCacheEntries(c.name, c.ll.Len())
}

func (c *CacheManager) persistKey(key string) string {
	return c.name + ":" + key
}
