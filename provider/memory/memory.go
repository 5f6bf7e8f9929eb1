// Package memory implements the in-memory Cache Provider tier: an
// LRU-evicted, byte-budgeted map guarded by a single mutex. Because this
// tier requires inline execution, every Store call happens synchronously on
// the request goroutine, so its critical section is kept short.
package memory

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imazen/imageflow-server-sub002/blob"
	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/cascadeerr"
	"github.com/imazen/imageflow-server-sub002/provider"
)

const entryOverheadBytes = 128 // rough accounting for map/list bookkeeping per entry

type entry struct {
	key      cachekey.Key
	data     []byte
	meta     provider.Metadata
	elem     *list.Element
	byteSize int64
}

// Tier is the in-memory LRU provider.
type Tier struct {
	mu         sync.Mutex
	entries    map[cachekey.Key]*entry
	order      *list.List // front = most recently used
	maxBytes   int64
	curBytes   int64
	zone       blob.LatencyZone

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Tier.
type Option func(*Tier)

// WithLatencyZone overrides the zone tag reported via Capabilities.
func WithLatencyZone(zone blob.LatencyZone) Option {
	return func(t *Tier) { t.zone = zone }
}

// New creates an in-memory tier bounded by maxBytes of entry payload (plus a
// small per-entry accounting overhead).
func New(maxBytes int64, opts ...Option) *Tier {
	t := &Tier{
		entries:  make(map[cachekey.Key]*entry),
		order:    list.New(),
		maxBytes: maxBytes,
		zone:     "memory",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tier) Name() string { return "memory" }

func (t *Tier) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		RequiresInlineExecution: true,
		IsLocal:                 true,
		LatencyZone:             t.zone,
	}
}

func (t *Tier) Fetch(_ context.Context, key cachekey.Key) (*provider.FetchResult, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		t.misses.Add(1)
		return nil, false, nil
	}
	t.order.MoveToFront(e.elem)
	t.hits.Add(1)

	out := make([]byte, len(e.data))
	copy(out, e.data)
	return &provider.FetchResult{Data: out, Metadata: e.meta}, true, nil
}

func (t *Tier) Store(_ context.Context, key cachekey.Key, data []byte, meta provider.Metadata) error {
	size := int64(len(data)) + entryOverheadBytes
	if t.maxBytes > 0 && size > t.maxBytes {
		return cascadeerr.ErrStorageFull
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[key]; ok {
		t.curBytes -= existing.byteSize
		existing.data = stored
		existing.meta = meta
		existing.byteSize = size
		t.curBytes += size
		t.order.MoveToFront(existing.elem)
		t.evictLocked()
		return nil
	}

	e := &entry{key: key, data: stored, meta: meta, byteSize: size}
	e.elem = t.order.PushFront(e)
	t.entries[key] = e
	t.curBytes += size

	t.evictLocked()
	return nil
}

// evictLocked removes least-recently-used entries until curBytes fits within
// maxBytes. Caller must hold t.mu.
func (t *Tier) evictLocked() {
	if t.maxBytes <= 0 {
		return
	}
	for t.curBytes > t.maxBytes {
		back := t.order.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*entry)
		t.order.Remove(back)
		delete(t.entries, victim.key)
		t.curBytes -= victim.byteSize
	}
}

func (t *Tier) Invalidate(_ context.Context, key cachekey.Key) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false, nil
	}
	t.order.Remove(e.elem)
	delete(t.entries, key)
	t.curBytes -= e.byteSize
	return true, nil
}

func (t *Tier) PurgeBySource(_ context.Context, sourceHash [cachekey.HashSize]byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, e := range t.entries {
		if k.Source != sourceHash {
			continue
		}
		t.order.Remove(e.elem)
		delete(t.entries, k)
		t.curBytes -= e.byteSize
		removed++
	}
	return removed, nil
}

func (t *Tier) WantsToStore(_ cachekey.Key, size int64, reason provider.Reason) bool {
	if reason == provider.NotQueried {
		return false
	}
	return t.maxBytes <= 0 || size+entryOverheadBytes <= t.maxBytes
}

func (t *Tier) ProbablyContains(key cachekey.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

func (t *Tier) HealthCheck(_ context.Context) (bool, error) {
	return true, nil
}

// Stats reports a point-in-time snapshot for diagnostics.
type Stats struct {
	Hits      int64
	Misses    int64
	Entries   int
	UsedBytes int64
	MaxBytes  int64
	AsOfUTC   time.Time
}

func (t *Tier) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Hits:      t.hits.Load(),
		Misses:    t.misses.Load(),
		Entries:   len(t.entries),
		UsedBytes: t.curBytes,
		MaxBytes:  t.maxBytes,
		AsOfUTC:   time.Now().UTC(),
	}
}
