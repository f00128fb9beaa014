// Package cache stores completed responses keyed by a deterministic
// fingerprint of the normalized request, so identical requests skip
// dispatch entirely. Backends: bounded in-memory (single instance) and
// Redis (distributed).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/mosaicdocs/aicore/internal/domain"
)

type Cache interface {
	Get(ctx context.Context, key string) (*domain.CompletionResponse, bool)
	Set(ctx context.Context, key string, resp *domain.CompletionResponse, ttl time.Duration) error

	// Purge drops every entry. Exposed through the admin API.
	Purge(ctx context.Context) error
}

// Fingerprint derives the cache key from the parts of a request that
// affect the response: model, messages, and sampling parameters.
func Fingerprint(model string, req domain.CompletionRequest) string {
	data, _ := json.Marshal(struct {
		Model       string           `json:"model"`
		Messages    []domain.Message `json:"messages"`
		Temperature *float64         `json:"temperature,omitempty"`
		MaxTokens   *int             `json:"max_tokens,omitempty"`
		TopP        *float64         `json:"top_p,omitempty"`
		Stop        []string         `json:"stop,omitempty"`
	}{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})

	hash := sha256.Sum256(data)
	return "aicore:cache:" + hex.EncodeToString(hash[:])
}

type cacheItem struct {
	response  *domain.CompletionResponse
	expiresAt time.Time
}

// InMemoryCache is a bounded TTL cache. When full, the entry closest
// to expiry is evicted.
type InMemoryCache struct {
	mu         sync.RWMutex
	items      map[string]*cacheItem
	maxEntries int
	stop       chan struct{}
}

func NewInMemoryCache(maxEntries int) *InMemoryCache {
	c := &InMemoryCache{
		items:      make(map[string]*cacheItem),
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*domain.CompletionResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		return nil, false
	}
	return item.response, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, resp *domain.CompletionResponse, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictSoonest()
	}

	c.items[key] = &cacheItem{
		response:  resp,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// evictSoonest removes the entry with the earliest expiry. Caller
// holds the lock.
func (c *InMemoryCache) evictSoonest() {
	var victim string
	var soonest time.Time
	for key, item := range c.items {
		if victim == "" || item.expiresAt.Before(soonest) {
			victim = key
			soonest = item.expiresAt
		}
	}
	if victim != "" {
		delete(c.items, victim)
	}
}

func (c *InMemoryCache) Purge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*cacheItem)
	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *InMemoryCache) Close() {
	close(c.stop)
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
