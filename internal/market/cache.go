package market

import (
	"context"
	"sync"
	"time"

	json "github.com/bytedance/sonic"

	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/storage"
)

// Persister is the durable tier behind Cache.
type Persister interface {
	LoadMarketCache(ctx context.Context) ([]storage.MarketCacheEntry, error)
	SaveMarketCache(ctx context.Context, e *storage.MarketCacheEntry) error
}

type cacheItem struct {
	payload  []byte
	storedAt time.Time
}

// Cache is the process-wide market cache. The in-memory map is seeded from the
// persister at construction and every Put is written through.
type Cache struct {
	mu    sync.RWMutex
	items map[string]cacheItem

	flushMu   sync.Mutex
	persister Persister

	now    func() time.Time
	logger *logger.Logger
}

func NewCache(ctx context.Context, p Persister, log *logger.Logger) *Cache {
	c := &Cache{
		items:     make(map[string]cacheItem),
		persister: p,
		now:       time.Now,
		logger:    log,
	}
	if p == nil {
		return c
	}

	entries, err := p.LoadMarketCache(ctx)
	if err != nil {
		log.Warn("load persisted market cache", "error", err)
		return c
	}
	for _, e := range entries {
		c.items[e.Key] = cacheItem{payload: []byte(e.Payload), storedAt: e.UpdatedAt}
	}
	log.Info("market cache loaded", "entries", len(entries))
	return c
}

// Get decodes the entry for key into v when it is younger than maxAge.
func (c *Cache) Get(key string, maxAge time.Duration, v any) (age time.Duration, ok bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()
	if !found {
		return 0, false
	}

	age = c.now().Sub(item.storedAt)
	if age >= maxAge {
		return age, false
	}
	if err := json.Unmarshal(item.payload, v); err != nil {
		c.logger.Warn("decode cache entry", "key", key, "error", err)
		return age, false
	}
	return age, true
}

// Put stores v under key and flushes it to the persister. Persistence is best effort.
func (c *Cache) Put(ctx context.Context, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("encode cache entry", "key", key, "error", err)
		return
	}
	now := c.now()

	c.mu.Lock()
	c.items[key] = cacheItem{payload: payload, storedAt: now}
	c.mu.Unlock()

	if c.persister == nil {
		return
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	entry := &storage.MarketCacheEntry{Key: key, Payload: string(payload), UpdatedAt: now}
	if err := c.persister.SaveMarketCache(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Warn("persist cache entry", "key", key, "error", err)
	}
}
