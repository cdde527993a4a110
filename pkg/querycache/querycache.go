// Package querycache is the keyed store of fetched resources that the
// freshness policy is built on. Entries carry the time they were written and
// an invalidated flag; an entry is stale once it is invalidated or older than
// the cache's stale time.
//
// Stored values are shared between readers and must be treated as immutable.
// All mutation goes through Set, Invalidate and InvalidateFamily.
package querycache

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
)

// Entry is a snapshot of one cached value.
type Entry struct {
	Value       any
	UpdatedAt   time.Time
	Invalidated bool
}

// InvalidationEvent lists the cached keys that were just invalidated.
type InvalidationEvent struct {
	Keys []resourcekey.Key
	At   time.Time
}

// Has reports whether key is one of the invalidated keys.
func (e InvalidationEvent) Has(key resourcekey.Key) bool {
	for _, k := range e.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// FetchFunc loads the value of one key.
type FetchFunc func(ctx context.Context) (any, error)

// Cache is safe for concurrent use.
type Cache struct {
	mu        sync.RWMutex
	entries   map[resourcekey.Key]*Entry
	staleTime time.Duration
	now       func() time.Time

	group singleflight.Group

	subMu sync.Mutex
	subs  map[int]func(InvalidationEvent)
	next  int

	logger logger.Logger
}

type Option func(*Cache)

// WithStaleTime sets how long a written entry counts as fresh.
func WithStaleTime(d time.Duration) Option {
	return func(c *Cache) { c.staleTime = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Cache) { c.logger = logger.OrNop(l) }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:   make(map[resourcekey.Key]*Entry),
		staleTime: constants.DefaultStaleTime,
		now:       time.Now,
		subs:      make(map[int]func(InvalidationEvent)),
		logger:    logger.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns a copy of the entry for key.
func (c *Cache) Get(key resourcekey.Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Set stores value under key and marks it fresh.
func (c *Cache) Set(key resourcekey.Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &Entry{Value: value, UpdatedAt: c.now()}
}

// Remove drops key entirely.
func (c *Cache) Remove(key resourcekey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// IsStale reports whether key must be refetched before use. Missing keys
// are stale.
func (c *Cache) IsStale(key resourcekey.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return true
	}
	return c.staleLocked(e)
}

func (c *Cache) staleLocked(e *Entry) bool {
	if e.Invalidated {
		return true
	}
	return c.staleTime >= 0 && c.now().Sub(e.UpdatedAt) >= c.staleTime
}

// Invalidate marks the given keys stale and notifies subscribers with the
// ones that were cached. Invalidated entries keep their value so it can
// still be served while a refetch is in flight.
func (c *Cache) Invalidate(keys ...resourcekey.Key) []resourcekey.Key {
	c.mu.Lock()
	var hit []resourcekey.Key
	for _, k := range keys {
		if e, ok := c.entries[k]; ok {
			e.Invalidated = true
			hit = append(hit, k)
		}
	}
	c.mu.Unlock()

	c.notify(hit)
	return hit
}

// InvalidateFamily marks every cached key of the given families stale.
func (c *Cache) InvalidateFamily(families ...string) []resourcekey.Key {
	want := make(map[string]struct{}, len(families))
	for _, f := range families {
		want[f] = struct{}{}
	}

	c.mu.Lock()
	var hit []resourcekey.Key
	for k, e := range c.entries {
		if _, ok := want[k.Family()]; ok {
			e.Invalidated = true
			hit = append(hit, k)
		}
	}
	c.mu.Unlock()

	sort.Slice(hit, func(i, j int) bool { return hit[i] < hit[j] })
	c.notify(hit)
	return hit
}

// Fetch returns the cached value of key if it is fresh. Otherwise it calls
// fn, deduplicated across concurrent callers, and stores the result.
func (c *Cache) Fetch(ctx context.Context, key resourcekey.Key, fn FetchFunc) (any, error) {
	c.mu.RLock()
	if e, ok := c.entries[key]; ok && !c.staleLocked(e) {
		v := e.Value
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(string(key), func() (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	return v, err
}

// Prefetch warms key if it is stale. Errors are logged, not returned.
func (c *Cache) Prefetch(ctx context.Context, key resourcekey.Key, fn FetchFunc) {
	if !c.IsStale(key) {
		return
	}
	if _, err := c.Fetch(ctx, key, fn); err != nil {
		c.logger.Debug("querycache.Cache prefetch failed", "key", key, "error", err)
	}
}

// Subscribe registers fn for invalidation events.
func (c *Cache) Subscribe(fn func(InvalidationEvent)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Cache) notify(keys []resourcekey.Key) {
	if len(keys) == 0 {
		return
	}
	ev := InvalidationEvent{Keys: keys, At: c.now()}

	c.subMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(InvalidationEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Keys returns the cached keys in order.
func (c *Cache) Keys() []resourcekey.Key {
	c.mu.RLock()
	keys := make([]resourcekey.Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[resourcekey.Key]*Entry)
}
