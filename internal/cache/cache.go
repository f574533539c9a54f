// Package cache holds the most recently read snapshot so the serving layer
// does not hit the document store on every request.
package cache

import (
	"sync"
	"time"

	"maflow/internal/aggregate"
)

// Snapshot is a TTL cache for one published record. A zero TTL disables
// expiry.
type Snapshot struct {
	mu       sync.RWMutex
	record   *aggregate.PublishedRecord
	storedAt time.Time
	ttl      time.Duration
	now      func() time.Time
}

func NewSnapshot(ttl time.Duration) *Snapshot {
	return &Snapshot{ttl: ttl, now: time.Now}
}

// Get returns the cached record, or nil when the cache is empty or expired.
func (c *Snapshot) Get() *aggregate.PublishedRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.record == nil {
		return nil
	}
	if c.ttl > 0 && c.now().Sub(c.storedAt) >= c.ttl {
		return nil
	}
	return c.record
}

// Put replaces the cached record and resets its age.
func (c *Snapshot) Put(record *aggregate.PublishedRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record = record
	c.storedAt = c.now()
}

// Clear drops the cached record so the next read goes to the store.
func (c *Snapshot) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record = nil
}

// Age reports how old the cached record is. The second return is false when
// the cache is empty.
func (c *Snapshot) Age() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.record == nil {
		return 0, false
	}
	return c.now().Sub(c.storedAt), true
}
