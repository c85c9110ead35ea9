package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/alem-hub/care-hub/internal/domain/alert"
)

// pruneEvery is how many claims pass between sweeps of expired keys.
const pruneEvery = 256

// MemoryDedupe keeps dedupe claims in process memory. It is only correct
// for a single instance; multi-instance deployments use the Redis store.
type MemoryDedupe struct {
	mu     sync.Mutex
	now    func() time.Time
	expiry map[alert.DedupeKey]time.Time
	claims int
}

// NewMemoryDedupe creates an in-memory dedupe store. A nil clock uses
// time.Now.
func NewMemoryDedupe(now func() time.Time) *MemoryDedupe {
	if now == nil {
		now = time.Now
	}
	return &MemoryDedupe{
		now:    now,
		expiry: make(map[alert.DedupeKey]time.Time),
	}
}

// Claim implements alert.Dedupe.
func (d *MemoryDedupe) Claim(_ context.Context, key alert.DedupeKey, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if until, ok := d.expiry[key]; ok && now.Before(until) {
		return false, nil
	}
	d.expiry[key] = now.Add(ttl)

	d.claims++
	if d.claims%pruneEvery == 0 {
		for k, until := range d.expiry {
			if !now.Before(until) {
				delete(d.expiry, k)
			}
		}
	}
	return true, nil
}

// Len returns the number of tracked keys, expired or not.
func (d *MemoryDedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expiry)
}
