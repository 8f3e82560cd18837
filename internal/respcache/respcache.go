// Package respcache is a bounded in-memory LRU+TTL cache for provider
// responses, keyed by a deterministic hash of the full request shape. It
// exists to absorb identical requests repeated within a short window; it does
// not deduplicate in-flight calls.
package respcache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/meetframe/orfree/pkg/types"
)

const (
	// DefaultTTL bounds how long a response stays servable.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxEntries caps the cache size; LRU eviction beyond it.
	DefaultMaxEntries = 100
)

// Response is the cached outcome of one provider call: the extracted JSON
// when there was one, plus the verbatim text in all cases.
type Response struct {
	Parsed json.RawMessage `json:"parsed,omitempty"`
	Raw    string          `json:"raw"`
}

type entry struct {
	key       string
	value     Response
	expiresAt time.Time
}

// Cache is an LRU+TTL response cache. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	ttl     time.Duration
	maxSize int

	now func() time.Time
}

// New creates a cache with the given TTL and capacity; zero values select
// the defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxEntries,
		now:     time.Now,
	}
}

// Get returns the cached response for key. An expired entry counts as a miss
// and is deleted lazily; a hit promotes the entry to most recently used.
func (c *Cache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Response{}, false
	}
	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return Response{}, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores a response under key, evicting the least-recently-used entry
// when the cache is at capacity.
func (c *Cache) Set(key string, value Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.items) >= c.maxSize {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.items, back.Value.(*entry).key)
	}

	e := &entry{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	c.items[key] = c.order.PushFront(e)
}

// Has reports whether key holds an unexpired entry. Like Get, it promotes
// the entry on a hit.
func (c *Cache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Len returns the number of stored entries, including not-yet-evicted
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// SetNowFunc overrides the cache clock. Tests only.
func (c *Cache) SetNowFunc(now func() time.Time) { c.now = now }

// Key derives the deterministic cache key for a request: an xxhash64 over
// the canonical JSON encoding of the full request shape. Identical logical
// requests always hash identically; collisions are acceptable at this scale,
// so no cryptographic hash is needed.
func Key(models []string, messages []types.Message, temperature float64, maxTokens int) string {
	canonical := struct {
		Models      []string        `json:"models"`
		Messages    []types.Message `json:"messages"`
		Temperature float64         `json:"temperature"`
		MaxTokens   int             `json:"maxTokens"`
	}{models, messages, temperature, maxTokens}

	raw, err := json.Marshal(canonical)
	if err != nil {
		// Marshal of plain strings and numbers cannot fail; keep a
		// degenerate-but-deterministic key if it somehow does.
		return fmt.Sprintf("or_len_%d_%d", len(models), len(messages))
	}
	return fmt.Sprintf("or_%016x", xxhash.Sum64(raw))
}
