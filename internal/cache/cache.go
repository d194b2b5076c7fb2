package cache

import (
	"context"
	"sync"
	"time"

	"shopledger/backend/internal/domain"
)

// InsightCache holds generated shop insights. A miss is (nil, false, nil).
type InsightCache interface {
	Get(ctx context.Context, key string) (*domain.Insight, bool, error)
	Set(ctx context.Context, key string, value *domain.Insight, ttl time.Duration) error
}

type memoryEntry struct {
	value     domain.Insight
	expiresAt time.Time
}

// MemoryInsightCache is the in-process cache used when no redis is
// configured. Entries expire after their ttl; a ttl <= 0 never expires.
type MemoryInsightCache struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

func NewMemoryInsightCache() *MemoryInsightCache {
	return &MemoryInsightCache{
		items: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (c *MemoryInsightCache) Get(_ context.Context, key string) (*domain.Insight, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if c.expired(entry) {
		delete(c.items, key)
		return nil, false, nil
	}
	value := entry.value
	return &value, true, nil
}

func (c *MemoryInsightCache) Set(_ context.Context, key string, value *domain.Insight, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, entry := range c.items {
		if c.expired(entry) {
			delete(c.items, k)
		}
	}
	entry := memoryEntry{value: *value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = entry
	return nil
}

func (c *MemoryInsightCache) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt)
}
