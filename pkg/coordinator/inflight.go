package coordinator

import (
	"sync"
	"time"
)

// inflightCache is the short-lived (tenant_id, idempotency_key) -> Receipt
// cache from spec §4.3 step 1. It exists to absorb retries that arrive
// while a transaction is mid-flight or shortly after; durable replay
// protection beyond the cache's TTL comes from the per-tenant store's
// applied_events table (consulted separately via StoreReader).
type inflightCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]inflightEntry
}

type inflightEntry struct {
	receipt     *Receipt
	fingerprint uint64
	expiresAt   time.Time
}

func newInflightCache(ttl time.Duration) *inflightCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &inflightCache{ttl: ttl, entries: make(map[string]inflightEntry)}
}

func inflightKey(tenantID, idempotencyKey string) string {
	return tenantID + "\x00" + idempotencyKey
}

// get looks up a cached receipt for (tenantID, idempotencyKey). found is
// false if there is no live entry. If found is true and mismatch is true,
// bodyFingerprint does not match the fingerprint the key was first seen
// with — the caller reused the same idempotency key with a different
// request body (spec §8) and must not get the stale receipt back.
func (c *inflightCache) get(tenantID, idempotencyKey string, bodyFingerprint uint64, now time.Time) (receipt *Receipt, found bool, mismatch bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := inflightKey(tenantID, idempotencyKey)
	e, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, false
	}
	if e.fingerprint != bodyFingerprint {
		return nil, true, true
	}
	return e.receipt, true, false
}

func (c *inflightCache) put(tenantID, idempotencyKey string, bodyFingerprint uint64, r *Receipt, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[inflightKey(tenantID, idempotencyKey)] = inflightEntry{receipt: r, fingerprint: bodyFingerprint, expiresAt: now.Add(c.ttl)}
	c.sweepLocked(now)
}

// sweepLocked drops expired entries opportunistically; called under the
// write path so the cache never grows unbounded between explicit reads.
func (c *inflightCache) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
