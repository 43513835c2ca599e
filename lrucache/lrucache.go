// Package lrucache implements the bounded in-memory map of pending Updates:
// a doubly-linked list plus index map with least-recently-used eviction,
// where eviction (or explicit expiry) drives the evicted Update's
// EndSession flush.
package lrucache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"refhub/logger"
	"refhub/store"
	"refhub/update"
)

// ErrFlushFailed tags an EndSession failure during expiry or eviction. The
// offending Update is retained in lastFailed for inspection or retry;
// callers match with errors.Is.
var ErrFlushFailed = errors.New("lrucache: flush failed")

type entry struct {
	key    string
	update update.Update
}

// Cache is a bounded map of key -> Update with least-recently-used eviction.
// It belongs to a single Process; the mutex only guards the cache's own
// background expiry running concurrently with a foreground set/get.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element
	lastFailed update.Update
}

// New builds a Cache bounded at maxEntries resident Updates.
func New(maxEntries int) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// Set inserts update u under key. If key is already resident, u is merged
// into the resident Update and moved to most-recently-used; the resident
// instance is kept, not replaced. If key is new and the cache is full, the
// least-recently-used entry is evicted (its end_session invoked) first.
func (c *Cache) Set(ctx context.Context, key string, u update.Update) error {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*entry).update.Merge(u)
		c.mu.Unlock()
		return nil
	}

	var evicted *entry
	if c.ll.Len() >= c.maxEntries {
		evicted = c.popOldestLocked()
	}
	el := c.ll.PushFront(&entry{key: key, update: u})
	c.items[key] = el
	c.mu.Unlock()

	if evicted != nil {
		return c.endSession(ctx, evicted)
	}
	return nil
}

// Get returns the resident Update for key, or nil. A read probe: it does not
// change recency, only Set does.
func (c *Cache) Get(key string) update.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil
	}
	return el.Value.(*entry).update
}

// Expire removes key's entry and runs its end_session.
func (c *Cache) Expire(ctx context.Context, key string) error {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	c.ll.Remove(el)
	delete(c.items, key)
	c.mu.Unlock()

	return c.endSession(ctx, el.Value.(*entry))
}

// ExpireOldest removes the least-recently-used entry and runs its
// end_session.
func (c *Cache) ExpireOldest(ctx context.Context) error {
	c.mu.Lock()
	evicted := c.popOldestLocked()
	c.mu.Unlock()

	if evicted == nil {
		return nil
	}
	return c.endSession(ctx, evicted)
}

// ExpireAll removes every resident entry, running end_session on each.
// Runs every flush and returns the first error encountered rather than
// stopping at it, so a single bad flush does not strand the rest of the cache.
func (c *Cache) ExpireAll(ctx context.Context) error {
	c.mu.Lock()
	all := make([]*entry, 0, len(c.items))
	for c.ll.Len() > 0 {
		el := c.ll.Back()
		c.ll.Remove(el)
		all = append(all, el.Value.(*entry))
	}
	c.items = make(map[string]*list.Element)
	c.mu.Unlock()

	var firstErr error
	for _, e := range all {
		if err := c.endSession(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetLastFailed returns the Update whose end_session most recently raised
// during an expire/eviction, or nil if none has.
func (c *Cache) GetLastFailed() update.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFailed
}

// Size returns the current resident entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// popOldestLocked must be called with c.mu held.
func (c *Cache) popOldestLocked() *entry {
	el := c.ll.Back()
	if el == nil {
		return nil
	}
	c.ll.Remove(el)
	e := el.Value.(*entry)
	delete(c.items, e.key)
	return e
}

// endSession runs e's EndSession outside the cache lock (it does store
// round-trips). Two failure modes: a store outage defers the flush by
// putting the entry back in the cache, so a later expiry retries it (the
// cache may briefly exceed its bound while the store is down); any other
// failure retains the Update in lastFailed and tags the error with
// ErrFlushFailed. Either way the error propagates to the caller.
func (c *Cache) endSession(ctx context.Context, e *entry) error {
	err := e.update.EndSession(ctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, store.ErrStoreUnavailable) {
		c.mu.Lock()
		if _, ok := c.items[e.key]; !ok {
			c.items[e.key] = c.ll.PushBack(e)
		}
		c.mu.Unlock()
		logger.Warn("update end_session deferred, store unavailable", "key", e.key, "error", err)
		return err
	}

	c.mu.Lock()
	c.lastFailed = e.update
	c.mu.Unlock()
	logger.Error("update end_session failed, retained for inspection", "key", e.key, "error", err)
	return fmt.Errorf("%w: key %q: %w", ErrFlushFailed, e.key, err)
}
