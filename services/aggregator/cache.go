package aggregator

import (
	"context"
	"strconv"
	"sync"
)

// windowCache caches computed windows keyed by (scope, timeRange). Entries
// never expire on their own; callers invalidate explicitly when new data can
// change a window.
type windowCache struct {
	mu      sync.RWMutex
	entries map[string]*AggregationWindow
}

func newWindowCache() *windowCache {
	return &windowCache{}
}

func cacheKey(scope Scope, tr TimeRange) string {
	return scope.String() + "|" + strconv.FormatInt(tr.From, 10) + "|" + strconv.FormatInt(tr.To, 10)
}

// Initialize implements base.Component.
func (c *windowCache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*AggregationWindow)
	return nil
}

// Shutdown implements base.Component.
func (c *windowCache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	return nil
}

// Health implements base.Component.
func (c *windowCache) Health(ctx context.Context) error {
	return nil
}

func (c *windowCache) get(scope Scope, tr TimeRange) (*AggregationWindow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.entries[cacheKey(scope, tr)]
	return w, ok
}

func (c *windowCache) put(w *AggregationWindow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		return
	}
	c.entries[cacheKey(w.Scope, w.TimeRange)] = w
}

func (c *windowCache) invalidate(scope Scope, tr TimeRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(scope, tr))
}

func (c *windowCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries != nil {
		c.entries = make(map[string]*AggregationWindow)
	}
}

func (c *windowCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
