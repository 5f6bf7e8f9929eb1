// Package cascade implements the Cache Cascade: an ordered list of cache
// provider tiers wrapped with a rotating bloom filter (fast-probe gating), a
// request coalescer (thundering-herd protection), and a bounded async
// upload queue (store-upward backpressure).
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/imazen/imageflow-server-sub002/bloom"
	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/cascadeerr"
	"github.com/imazen/imageflow-server-sub002/coalesce"
	"github.com/imazen/imageflow-server-sub002/provider"
	"github.com/imazen/imageflow-server-sub002/uploadqueue"
)

// Factory produces fresh bytes and metadata on a cache miss. Invoked exactly
// once per key among all concurrent GetOrCreate callers when request
// coalescing is enabled.
type Factory func(ctx context.Context) ([]byte, provider.Metadata, error)

// Result is what GetOrCreate returns.
type Result struct {
	Data     []byte
	Metadata provider.Metadata
	Status   Status
}

// Cascade orchestrates an ordered provider list plus the bloom filter,
// coalescer, and upload queue wrapping it.
type Cascade struct {
	providers []provider.Provider
	cfg       Config
	onEvent   func(Event)
	logger    *slog.Logger

	bloomFilter *bloom.Filter
	coalescer   *coalesce.Coalescer
	uploadQueue *uploadqueue.Queue
	health      *healthTracker

	bloomInsertsSinceRotation atomic.Uint64
	stopRotation              chan struct{}
	rotationDone              chan struct{}

	shuttingDown atomic.Bool
	inFlight     sync.WaitGroup
}

// New constructs a Cascade over providers, registered fast-to-slow. The
// provider list is copied and is immutable thereafter.
func New(providers []provider.Provider, cfg Config) (*Cascade, error) {
	if err := cfg.validateConfig(); err != nil {
		return nil, fmt.Errorf("cascade: invalid config: %w", err)
	}

	onEvent := cfg.OnCacheEvent
	if onEvent == nil {
		onEvent = defaultEventSink
	}

	ps := make([]provider.Provider, len(providers))
	copy(ps, providers)

	c := &Cascade{
		providers:    ps,
		cfg:          cfg,
		onEvent:      onEvent,
		logger:       slog.Default(),
		bloomFilter:  bloom.New(cfg.BloomEstimatedItems, cfg.BloomFalsePositiveRate, cfg.BloomSlots),
		coalescer:    coalesce.New(),
		uploadQueue:  uploadqueue.New(cfg.MaxUploadQueueBytes),
		health:       newHealthTracker(),
		stopRotation: make(chan struct{}),
		rotationDone: make(chan struct{}),
	}

	go func() {
		defer close(c.rotationDone)
		c.bloomFilter.RunRotation(cfg.BloomRotationInterval, c.stopRotation)
	}()

	return c, nil
}

// GetOrCreate is the cascade's primary operation: fast probe, coalesced
// compute on miss, store-upward on fresh creation.
func (c *Cascade) GetOrCreate(ctx context.Context, key cachekey.Key, factory Factory) (Result, error) {
	if c.shuttingDown.Load() {
		return Result{Status: Error}, errors.New("cascade: shutting down")
	}
	c.inFlight.Add(1)
	defer c.inFlight.Done()

	if res, ok, err := c.fastProbe(ctx, key); ok || err != nil {
		return res, err
	}

	if !c.cfg.EnableRequestCoalescing {
		return c.compute(ctx, key, factory)
	}

	release, err := c.coalescer.Acquire(ctx, key, c.cfg.CoalescingTimeout)
	if err != nil {
		if errors.Is(err, cascadeerr.ErrTimeout) {
			c.onEvent(Event{Kind: EventOutcome, Provider: "cascade", Status: Timeout, Key: key})
			return Result{Status: Timeout}, cascadeerr.ErrTimeout
		}
		return Result{Status: Error}, err
	}
	defer release()

	// Re-probe: another waiter may have populated a fast tier while we
	// waited for the semaphore.
	if res, ok, err := c.fastProbe(ctx, key); ok || err != nil {
		return res, err
	}

	return c.compute(ctx, key, factory)
}

// fastProbe walks the provider list in registration order, skipping remote
// tiers the bloom filter has never seen this key pass through.
func (c *Cascade) fastProbe(ctx context.Context, key cachekey.Key) (Result, bool, error) {
	for _, p := range c.providers {
		if c.health.isQuarantined(p.Name()) {
			continue
		}

		caps := p.Capabilities()
		if !caps.RequiresInlineExecution && !c.bloomFilter.ProbablyContains(key) {
			continue
		}

		fr, hit, err := p.Fetch(ctx, key)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Result{Status: Error}, false, err
			}
			c.health.recordFailure(p.Name())
			c.logger.Warn("cascade: provider fetch failed", "provider", p.Name(), "error", err)
			continue
		}
		c.health.recordSuccess(p.Name())
		if !hit {
			continue
		}

		status := statusForProvider(p.Name())
		c.onEvent(Event{Kind: EventOutcome, Provider: p.Name(), Status: status, Key: key})
		return Result{Data: fr.Data, Metadata: fr.Metadata, Status: status}, true, nil
	}

	if data, meta, ok := c.uploadQueue.Lookup(key); ok {
		c.onEvent(Event{Kind: EventOutcome, Provider: "upload_queue", Status: QueueHit, Key: key})
		return Result{Data: data, Metadata: meta, Status: QueueHit}, true, nil
	}

	return Result{}, false, nil
}

// compute runs factory, inserts the key into the bloom filter, and promotes
// the result upward through every provider that wants a copy.
func (c *Cascade) compute(ctx context.Context, key cachekey.Key, factory Factory) (Result, error) {
	data, meta, err := factory(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{Status: Error}, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Status: Timeout}, err
		}
		c.onEvent(Event{Kind: EventOutcome, Provider: "factory", Status: Error, Key: key, Err: err})
		return Result{Status: Error}, fmt.Errorf("%w: %v", cascadeerr.ErrFatal, err)
	}

	c.bloomFilter.Add(key)
	if n := c.bloomInsertsSinceRotation.Add(1); c.cfg.BloomRotationInserts > 0 && n >= c.cfg.BloomRotationInserts {
		c.bloomInsertsSinceRotation.Store(0)
		c.bloomFilter.Rotate()
	}

	c.promoteUpward(ctx, key, data, meta, provider.FreshlyCreated)

	c.onEvent(Event{Kind: EventOutcome, Provider: "factory", Status: Created, Key: key})
	return Result{Data: data, Metadata: meta, Status: Created}, nil
}

func (c *Cascade) promoteUpward(ctx context.Context, key cachekey.Key, data []byte, meta provider.Metadata, reason provider.Reason) {
	size := int64(len(data))
	for _, p := range c.providers {
		if c.health.isQuarantined(p.Name()) {
			continue
		}
		if !p.WantsToStore(key, size, reason) {
			continue
		}

		caps := p.Capabilities()
		if caps.RequiresInlineExecution {
			if err := p.Store(ctx, key, data, meta); err != nil {
				c.logger.Warn("cascade: inline store failed", "provider", p.Name(), "error", err)
				c.onEvent(Event{Kind: EventStoreWarning, Provider: p.Name(), Key: key, Err: err})
			}
			continue
		}

		providerName := p.Name()
		res := c.uploadQueue.Enqueue(key, providerName, data, meta, func(ctx context.Context) error {
			return p.Store(ctx, key, data, meta)
		})
		switch res {
		case uploadqueue.QueueFull:
			if err := p.Store(ctx, key, data, meta); err != nil {
				c.logger.Warn("cascade: synchronous fallback store failed", "provider", providerName, "error", err)
				c.onEvent(Event{Kind: EventStoreDropped, Provider: providerName, Key: key, Err: err})
			}
		case uploadqueue.AlreadyPresent, uploadqueue.Enqueued:
		}
	}
}

// Drain awaits in-flight GetOrCreate calls and the upload queue's current
// tasks, bounded by ctx.
func (c *Cascade) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.uploadQueue.Drain(ctx)
}

// Dispose refuses further GetOrCreate calls, stops the bloom rotation
// goroutine, and releases the upload queue. Call Drain first.
func (c *Cascade) Dispose(ctx context.Context) error {
	if !c.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.Drain(ctx); err != nil {
		return err
	}
	close(c.stopRotation)
	<-c.rotationDone
	c.uploadQueue.Close()
	return nil
}

// ActiveCoalescedKeys reports the coalescer's active entry count, for
// diagnostics and the P4 Drain postcondition.
func (c *Cascade) ActiveCoalescedKeys() int {
	return c.coalescer.ActiveEntries()
}

// UploadQueueStats reports the upload queue's current task count and byte
// total, for diagnostics.
func (c *Cascade) UploadQueueStats() (taskCount int, totalBytes int64) {
	return c.uploadQueue.TaskCount(), c.uploadQueue.TotalBytes()
}

// Providers returns a copy of the registered provider list, fast-to-slow,
// for diagnostics enumeration.
func (c *Cascade) Providers() []provider.Provider {
	ps := make([]provider.Provider, len(c.providers))
	copy(ps, c.providers)
	return ps
}

// IsQuarantined reports whether providerName is currently serving out its
// health-tracker back-off window.
func (c *Cascade) IsQuarantined(providerName string) bool {
	return c.health.isQuarantined(providerName)
}

// BloomState reports the rotating bloom filter's current generation index
// and total slot count, for diagnostics.
func (c *Cascade) BloomState() (activeSlot, slotCount int) {
	return c.bloomFilter.ActiveSlot(), c.bloomFilter.SlotCount()
}

func statusForProvider(name string) Status {
	switch name {
	case "memory":
		return MemoryHit
	case "disk":
		return DiskHit
	default:
		// Remote tiers (cloud object storage, Redis) are both served over a
		// network round trip from the caller's perspective; the cascade
		// doesn't mint a distinct Status per remote backend.
		return CloudHit
	}
}
