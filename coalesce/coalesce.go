// Package coalesce implements the Cache Cascade's request coalescer: a
// per-key semaphore held in a sync.Map so that concurrent GetOrCreate calls
// for the same key share one in-flight computation instead of each running
// their own factory. Unlike golang.org/x/sync/singleflight (used one layer up
// in the pipeline, see the pipeline package), entries here track a waiter
// count explicitly so the cascade can report "coalescer active entries" as a
// diagnostic and so P4 (Drain leaves zero active entries) is directly
// checkable.
package coalesce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/cascadeerr"
)

// entry is one key's coalescing state: a size-1 semaphore channel and a
// waiter count. The entry is removed from the map exactly when waiterCount
// drops to zero, by whichever goroutine performs that final decrement.
type entry struct {
	sem         chan struct{}
	waiterCount atomic.Int64
}

func newEntry() *entry {
	e := &entry{sem: make(chan struct{}, 1)}
	e.sem <- struct{}{}
	return e
}

// Coalescer deduplicates concurrent callers racing for the same cache key.
type Coalescer struct {
	entries sync.Map // cachekey.Key -> *entry
}

// New returns an empty Coalescer.
func New() *Coalescer {
	return &Coalescer{}
}

// Acquire blocks until it holds the per-key semaphore for key, ctx is
// cancelled, or timeout elapses, whichever comes first. On success it
// returns a release func that MUST be called exactly once to hand the
// semaphore to the next waiter (or retire the entry if none remain).
//
// A fresh waiter that observes its own increment left waiterCount at 1 after
// LoadOrStore raced against a concurrent final-decrementer must not trust a
// stale entry pointer: the entry is only ever retired by the waiter that
// decrements it to zero, and that same goroutine deletes it from the map
// before releasing the semaphore's last reference, so any entry found via
// Load/LoadOrStore is always live for the duration of this call.
func (c *Coalescer) Acquire(ctx context.Context, key cachekey.Key, timeout time.Duration) (release func(), err error) {
	e := c.registerWaiter(key)

	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerC = timer.C
	}

	select {
	case <-e.sem:
		if timer != nil {
			timer.Stop()
		}
		return func() { c.release(key, e) }, nil
	case <-ctx.Done():
		if timer != nil {
			timer.Stop()
		}
		c.abandon(key, e)
		return nil, ctx.Err()
	case <-timerC:
		c.abandon(key, e)
		return nil, cascadeerr.ErrTimeout
	}
}

func (c *Coalescer) loadOrCreate(key cachekey.Key) *entry {
	if v, ok := c.entries.Load(key); ok {
		return v.(*entry)
	}
	e := newEntry()
	actual, loaded := c.entries.LoadOrStore(key, e)
	if loaded {
		return actual.(*entry)
	}
	return e
}

// registerWaiter finds or creates the coalescing entry for key and
// increments its waiter count, retrying if it raced against the entry's
// final decrementer retiring it from the map between Load and Add. A waiter
// whose increment lands on 1 might have grabbed an entry another goroutine
// is simultaneously tearing down (waiterCount 0 -> map-deleted); only that
// waiter needs to confirm the entry it holds is still the one live in the
// map before trusting it, per the coalescer's documented recreate-lazily
// contract.
func (c *Coalescer) registerWaiter(key cachekey.Key) *entry {
	for {
		e := c.loadOrCreate(key)
		if e.waiterCount.Add(1) != 1 {
			return e
		}
		if v, ok := c.entries.Load(key); ok && v.(*entry) == e {
			return e
		}
		e.waiterCount.Add(-1)
	}
}

// release returns the semaphore permit to the entry and retires the entry
// once no waiters remain.
func (c *Coalescer) release(key cachekey.Key, e *entry) {
	if e.waiterCount.Add(-1) == 0 {
		c.entries.CompareAndDelete(key, e)
	}
	e.sem <- struct{}{}
}

// abandon decrements the waiter count for a caller that never acquired the
// semaphore (context cancellation or timeout), without returning a permit it
// never took.
func (c *Coalescer) abandon(key cachekey.Key, e *entry) {
	if e.waiterCount.Add(-1) == 0 {
		c.entries.CompareAndDelete(key, e)
	}
}

// ActiveEntries reports the number of keys currently being coalesced, for
// diagnostics and for P4's Drain postcondition.
func (c *Coalescer) ActiveEntries() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// WaiterCount reports the number of callers currently waiting on key, or 0
// if no coalescing entry exists for it.
func (c *Coalescer) WaiterCount(key cachekey.Key) int64 {
	v, ok := c.entries.Load(key)
	if !ok {
		return 0
	}
	return v.(*entry).waiterCount.Load()
}
