// Package infra provides shared infrastructure for the analysis pipeline:
// the bounded write-once evidence cache and a token-bucket rate limiter.
package infra

import (
	"context"
	"sync"
	"time"
)

// Cache is a bounded, thread-safe, write-once cache. Entries are written at
// most once per key: the first writer wins and later writers for the same
// key are no-ops, so concurrent readers never observe a value change. When
// the entry bound is reached the oldest entry is evicted.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]any
	order      []string // insertion order, for eviction
	maxEntries int
}

// NewCache creates a cache holding at most maxEntries entries. A bound of
// zero or less disables caching entirely (every Get misses).
func NewCache(maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]any),
		maxEntries: maxEntries,
	}
}

// Get retrieves a value from the cache.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// SetOnce stores value under key if the key is absent. It returns the value
// that now owns the key and whether this call stored it.
func (c *Cache) SetOnce(key string, value any) (any, bool) {
	if c.maxEntries <= 0 {
		return value, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		return existing, false
	}
	if len(c.entries) >= c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = value
	c.order = append(c.order, key)
	return value, true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Flush removes all entries.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]any)
	c.order = nil
	c.mu.Unlock()
}

// DayKey formats t as a cache-key day component, so entries naturally roll
// over at midnight.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RateLimiter provides simple token-bucket rate limiting for outbound calls
// to a single upstream.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter that allows maxTokens requests per
// refillRate duration.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Burst returns the limiter's maximum token count.
func (rl *RateLimiter) Burst() int { return rl.maxTokens }

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
			// Check again after a short sleep.
		}
	}
}

// refill adds tokens based on elapsed time. Must be called with mu held.
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	if elapsed >= rl.refillRate {
		periods := int(elapsed / rl.refillRate)
		rl.tokens += periods
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = rl.lastRefill.Add(time.Duration(periods) * rl.refillRate)
	}
}
