package schema

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a published schema stays usable.
const DefaultTTL = 5 * time.Minute

// FetchFunc retrieves the raw XML schema document for a table.
type FetchFunc func(ctx context.Context, table string) ([]byte, error)

// entry is either pending (done not yet closed) or published. Waiters block
// on done and then read table/err; both are written exactly once before the
// channel closes.
type entry struct {
	done      chan struct{}
	table     *Table
	err       error
	expiresAt time.Time
}

func (e *entry) published() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Cache memoizes table schemas. Concurrent misses for the same table
// coalesce onto a single fetch; all waiters observe the same published
// value.
type Cache struct {
	fetch FetchFunc
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache builds a cache around fetch. A non-positive ttl uses DefaultTTL.
func NewCache(fetch FetchFunc, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetch:   fetch,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// Get returns the schema for table, fetching it on a miss or after expiry.
func (c *Cache) Get(ctx context.Context, table string) (*Table, error) {
	c.mu.Lock()
	e, ok := c.entries[table]
	if ok && e.published() && (e.err != nil || time.Now().After(e.expiresAt)) {
		// Failed or stale publication; replace it.
		ok = false
	}
	if !ok {
		e = &entry{done: make(chan struct{})}
		c.entries[table] = e
		c.mu.Unlock()

		e.table, e.err = c.fetchAndParse(ctx, table)
		e.expiresAt = time.Now().Add(c.ttl)
		close(e.done)

		if e.err != nil {
			// Do not cache failures beyond the waiters already attached.
			c.mu.Lock()
			if c.entries[table] == e {
				delete(c.entries, table)
			}
			c.mu.Unlock()
		}
		return e.table, e.err
	}
	c.mu.Unlock()

	select {
	case <-e.done:
		return e.table, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) fetchAndParse(ctx context.Context, table string) (*Table, error) {
	data, err := c.fetch(ctx, table)
	if err != nil {
		return nil, err
	}
	return Parse(table, data)
}

// Invalidate drops the published schema for table. An in-flight fetch is
// left to complete for its waiters; the next Get starts a fresh one.
func (c *Cache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[table]; ok && e.published() {
		delete(c.entries, table)
	}
}
