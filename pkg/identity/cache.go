package identity

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// CachedDirectory wraps a Directory with a bounded TTL+LRU cache. Every cache
// and chain-tracking structure in the kernel carries an explicit capacity
// bound; this one evicts least-recently-used entries past MaxEntries and
// refuses entries older than TTL.
type CachedDirectory struct {
	mu      sync.Mutex
	inner   Directory
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List // front = most recent
	now     func() time.Time
}

type cacheEntry struct {
	actorID  string
	attrs    Attributes
	fetched  time.Time
}

// NewCachedDirectory wraps inner with a cache of at most maxEntries entries,
// each valid for ttl. Defaults: 1024 entries, 60s.
func NewCachedDirectory(inner Directory, maxEntries int, ttl time.Duration) *CachedDirectory {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &CachedDirectory{
		inner:   inner,
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Lookup returns cached attributes when fresh, else falls through to the
// inner directory. Lookup failures are not cached (negative caching would let
// a transient directory outage linger for a full TTL).
func (c *CachedDirectory) Lookup(ctx context.Context, actorID string) (Attributes, error) {
	c.mu.Lock()
	if el, ok := c.entries[actorID]; ok {
		entry := el.Value.(*cacheEntry)
		if c.now().Sub(entry.fetched) < c.ttl {
			c.order.MoveToFront(el)
			attrs := entry.attrs
			c.mu.Unlock()
			return attrs, nil
		}
		c.order.Remove(el)
		delete(c.entries, actorID)
	}
	c.mu.Unlock()

	attrs, err := c.inner.Lookup(ctx, actorID)
	if err != nil {
		return Attributes{}, err
	}

	c.mu.Lock()
	if el, ok := c.entries[actorID]; ok {
		c.order.Remove(el)
		delete(c.entries, actorID)
	}
	el := c.order.PushFront(&cacheEntry{actorID: actorID, attrs: attrs, fetched: c.now()})
	c.entries[actorID] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).actorID)
	}
	c.mu.Unlock()

	return attrs, nil
}

// Invalidate drops one actor from the cache (e.g. after a capability grant).
func (c *CachedDirectory) Invalidate(actorID string) {
	c.mu.Lock()
	if el, ok := c.entries[actorID]; ok {
		c.order.Remove(el)
		delete(c.entries, actorID)
	}
	c.mu.Unlock()
}

// Len returns the current number of cached entries.
func (c *CachedDirectory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
