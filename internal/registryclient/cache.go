package registryclient

import (
	"sync"
	"time"
)

// Cache holds a single cached response with dual expiry, ported from the
// reference implementation's generic Cache<Response> in github.rs: a normal
// age-based timeout, plus an optional forced expiry that can only move the
// expiry time earlier, never later (used after a mutation that invalidates
// the cache sooner than the ambient timeout would).
type Cache[T any] struct {
	mu           sync.Mutex
	value        T
	has          bool
	cachedAt     time.Time
	forcedExpiry time.Time
	timeout      time.Duration
}

// NewCache creates a Cache that treats entries older than timeout as
// expired.
func NewCache[T any](timeout time.Duration) *Cache[T] {
	return &Cache[T]{timeout: timeout}
}

// Get returns the cached value, calling miss to populate it on a cache miss
// or after expiry. If miss returns an error, the cache is left empty.
func (c *Cache[T]) Get(miss func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.has {
		now := time.Now()
		switch {
		case now.Sub(c.cachedAt) >= c.timeout:
			c.invalidateLocked()
		case !c.forcedExpiry.IsZero() && !now.Before(c.forcedExpiry):
			c.invalidateLocked()
		default:
			return c.value, nil
		}
	}

	value, err := miss()
	if err != nil {
		var zero T
		return zero, err
	}
	c.value = value
	c.has = true
	c.cachedAt = time.Now()
	return value, nil
}

// Invalidate clears the cache unconditionally.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

func (c *Cache[T]) invalidateLocked() {
	var zero T
	c.value = zero
	c.has = false
	c.forcedExpiry = time.Time{}
}

// InvalidateIn schedules expiry at now+d, but only if that is sooner than
// any forced expiry already scheduled.
func (c *Cache[T]) InvalidateIn(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry := time.Now().Add(d)
	if c.forcedExpiry.IsZero() || expiry.Before(c.forcedExpiry) {
		c.forcedExpiry = expiry
	}
}
