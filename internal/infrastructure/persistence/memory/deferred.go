package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/alem-hub/care-hub/internal/domain/risk"
)

// DeferredQueue is an in-memory risk.DeferredQueue.
type DeferredQueue struct {
	mu    sync.Mutex
	items map[string]*deferredItem
	seq   uint64
}

type deferredItem struct {
	signal risk.DeferredSignal
	seq    uint64
}

// NewDeferredQueue creates an empty queue.
func NewDeferredQueue() *DeferredQueue {
	return &DeferredQueue{items: make(map[string]*deferredItem)}
}

var _ risk.DeferredQueue = (*DeferredQueue)(nil)

// Defer implements risk.DeferredQueue.
func (q *DeferredQueue) Defer(_ context.Context, d risk.DeferredSignal) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.MatchedTerms = append([]string(nil), d.MatchedTerms...)
	q.seq++
	q.items[d.ID] = &deferredItem{signal: d, seq: q.seq}
	return nil
}

// Pending implements risk.DeferredQueue.
func (q *DeferredQueue) Pending(_ context.Context, limit int) ([]risk.DeferredSignal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*deferredItem, 0, len(q.items))
	for _, it := range q.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].signal.ReceivedAt, items[j].signal.ReceivedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return items[i].seq < items[j].seq
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]risk.DeferredSignal, len(items))
	for i, it := range items {
		out[i] = it.signal
		out[i].MatchedTerms = append([]string(nil), it.signal.MatchedTerms...)
	}
	return out, nil
}

// Resolve implements risk.DeferredQueue.
func (q *DeferredQueue) Resolve(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return risk.ErrDeferredNotFound
	}
	delete(q.items, id)
	return nil
}

// RecordAttempt implements risk.DeferredQueue.
func (q *DeferredQueue) RecordAttempt(_ context.Context, id string, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return risk.ErrDeferredNotFound
	}
	it.signal.Attempts++
	it.signal.LastError = cause
	return nil
}

// Len returns the number of pending signals.
func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
