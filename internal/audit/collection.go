// Package audit keeps the bounded, append-only record collections: free-form
// logs, assignment attempts, weekend reversions and the consolidated activity
// log.
package audit

import (
	"context"
	"sync"
	"time"

	"nightshift/internal/kv"
)

// Collection is a list of records persisted under one key, oldest first.
// Appends drop the oldest records beyond Cap; Purge drops records older than
// Retention. A zero Cap or Retention disables that bound.
type Collection[T any] struct {
	Store     kv.Store
	Key       string
	Cap       int
	Retention time.Duration
	Time      func(T) time.Time
	// Mu serializes load-modify-save cycles. Copies share it; nil skips locking.
	Mu *sync.Mutex
}

func (c Collection[T]) lock() func() {
	if c.Mu == nil {
		return func() {}
	}
	c.Mu.Lock()
	return c.Mu.Unlock
}

func (c Collection[T]) load(ctx context.Context) ([]T, error) {
	var items []T
	if _, err := kv.GetJSON(ctx, c.Store, c.Key, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c Collection[T]) save(ctx context.Context, items []T) error {
	if items == nil {
		items = []T{}
	}
	return kv.SetJSON(ctx, c.Store, c.Key, items)
}

// Append adds records and enforces the cap.
func (c Collection[T]) Append(ctx context.Context, records ...T) error {
	if len(records) == 0 {
		return nil
	}
	defer c.lock()()
	items, err := c.load(ctx)
	if err != nil {
		return err
	}
	items = append(items, records...)
	if c.Cap > 0 && len(items) > c.Cap {
		items = append([]T(nil), items[len(items)-c.Cap:]...)
	}
	return c.save(ctx, items)
}

// Query returns matching records newest first, at most limit of them when
// limit is positive. A nil match accepts everything.
func (c Collection[T]) Query(ctx context.Context, match func(T) bool, limit int) ([]T, error) {
	items, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	out := []T{}
	for i := len(items) - 1; i >= 0; i-- {
		if match != nil && !match(items[i]) {
			continue
		}
		out = append(out, items[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of stored records.
func (c Collection[T]) Count(ctx context.Context) (int, error) {
	items, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Clear replaces the collection with an empty one.
func (c Collection[T]) Clear(ctx context.Context) error {
	defer c.lock()()
	return c.save(ctx, []T{})
}

// Purge removes records older than the retention window and reports how many
// were removed. A record exactly at the boundary is kept.
func (c Collection[T]) Purge(ctx context.Context, now time.Time) (int, error) {
	if c.Retention <= 0 || c.Time == nil {
		return 0, nil
	}
	defer c.lock()()
	items, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-c.Retention)
	kept := items[:0]
	for _, it := range items {
		if !c.Time(it).Before(cutoff) {
			kept = append(kept, it)
		}
	}
	removed := len(items) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, c.save(ctx, kept)
}
