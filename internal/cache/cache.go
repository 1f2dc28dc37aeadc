// Package cache holds upstream availability query results for a bounded
// time. It is a passive store: expiry is checked lazily on read, and a
// successful booking purges every entry for the event immediately.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/calbooker/internal/booking"
	"github.com/example/calbooker/internal/metrics"
)

// DefaultTTL matches the upstream deployment default of five minutes.
const DefaultTTL = 5 * time.Minute

// Key identifies one availability query. Dates are YYYY-MM-DD strings
// so the struct is comparable and usable as a map key.
type Key struct {
	EventTypeID int
	From        string
	To          string
	Zone        string
}

// KeyFor builds the cache key for an availability request.
func KeyFor(eventTypeID int, rng booking.DateRange, zone string) Key {
	return Key{
		EventTypeID: eventTypeID,
		From:        rng.From.UTC().Format("2006-01-02"),
		To:          rng.To.UTC().Format("2006-01-02"),
		Zone:        zone,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%s:%s", k.EventTypeID, k.From, k.To, k.Zone)
}

// FetchFunc produces a fresh window on a cache miss.
type FetchFunc func(ctx context.Context) (booking.AvailabilityWindow, error)

type entry struct {
	fetchedAt time.Time
	window    booking.AvailabilityWindow
}

// Cache is safe for concurrent use. Concurrent GetOrFetch calls on an
// identical key are collapsed into a single upstream fetch.
type Cache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[Key]entry
}

type Option func(*Cache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[Key]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrFetch returns the cached window for key when it is younger than
// the TTL, otherwise calls fetch, stores the result and returns it.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fetch FetchFunc) (booking.AvailabilityWindow, error) {
	if w, ok := c.lookup(key); ok {
		metrics.CacheHits.Inc()
		return w, nil
	}
	metrics.CacheMisses.Inc()

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// already stored a fresh entry.
		if w, ok := c.lookup(key); ok {
			return w, nil
		}
		w, err := fetch(ctx)
		if err != nil {
			return booking.AvailabilityWindow{}, err
		}
		c.mu.Lock()
		c.entries[key] = entry{fetchedAt: c.now(), window: w}
		c.mu.Unlock()
		return w, nil
	})
	if err != nil {
		return booking.AvailabilityWindow{}, err
	}
	return v.(booking.AvailabilityWindow), nil
}

func (c *Cache) lookup(key Key) (booking.AvailabilityWindow, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return booking.AvailabilityWindow{}, false
	}
	if c.now().Sub(e.fetchedAt) >= c.ttl {
		return booking.AvailabilityWindow{}, false
	}
	return e.window, true
}

// Invalidate removes every cached window for the event, regardless of
// range or zone. Visible to all subsequent reads once it returns.
func (c *Cache) Invalidate(eventTypeID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.EventTypeID == eventTypeID {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of live entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
