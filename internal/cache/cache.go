// Package cache memoizes successful worker results. Entries are keyed by a
// fingerprint over the trimmed prompt and the model that actually served
// it, bounded by an LRU list, and aged out by TTL (cache-wide default,
// per-entry override).
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Entry is one memoized worker result. A zero ExpiresAt means CreatedAt
// plus the cache-wide TTL; callers set it to override the lifetime per
// entry. ExpiresAt never precedes CreatedAt.
type Entry struct {
	Response     string    `json:"response"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

type lruItem struct {
	key   string
	entry Entry
}

// Cache is a TTL'd LRU of worker responses. Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration

	ll    *list.List // front = most recently used
	items map[string]*list.Element

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// New creates a cache bounded to maxEntries with the given TTL.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// Fingerprint derives the cache key from the trimmed prompt and the
// canonical model name. Nothing else participates, so option changes that
// do not affect the prompt/model tuple hit the same entry.
func Fingerprint(prompt, model string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(prompt)))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the entry for key and promotes it to most recently used.
// Expired entries are removed on access and counted as expirations.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	item := el.Value.(*lruItem)
	if c.expiredLocked(item.entry) {
		c.removeLocked(el)
		c.expirations++
		c.misses++
		return Entry{}, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return item.entry, true
}

// Set stores the entry under key as most recently used, evicting the least
// recently used entry when the bound is exceeded.
func (c *Cache) Set(key string, entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if !entry.ExpiresAt.IsZero() && entry.ExpiresAt.Before(entry.CreatedAt) {
		entry.ExpiresAt = entry.CreatedAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem).entry = entry
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruItem{key: key, entry: entry})
	c.items[key] = el

	if c.ll.Len() > c.maxEntries {
		oldest := c.ll.Back()
		if oldest != nil {
			c.removeLocked(oldest)
			c.evictions++
		}
	}
}

// Has reports whether a live entry exists for key without promoting it.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	if c.expiredLocked(el.Value.(*lruItem).entry) {
		c.removeLocked(el)
		c.expirations++
		return false
	}
	return true
}

// Invalidate removes the entry for key if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Clear drops every entry. Counters are preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Entries     int   `json:"entries"`
	MaxEntries  int   `json:"max_entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.ll.Len(),
		MaxEntries:  c.maxEntries,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// Len returns the number of entries currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) expiredLocked(e Entry) bool {
	exp := e.ExpiresAt
	if exp.IsZero() {
		exp = e.CreatedAt.Add(c.ttl)
	}
	return time.Now().After(exp)
}

func (c *Cache) removeLocked(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*lruItem).key)
}
