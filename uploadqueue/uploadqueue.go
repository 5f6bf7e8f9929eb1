// Package uploadqueue implements the Cache Cascade's bounded asynchronous
// store queue: when a provider's Store would block the caller (it does not
// set RequiresInlineExecution), the cascade hands the bytes off here instead
// of awaiting the write. A running byte-total keeps the queue from growing
// without bound; a dedup map collapses repeat stores of the same key into
// the already-queued task.
package uploadqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/provider"
)

// EnqueueResult reports what Enqueue did with a task.
type EnqueueResult int

const (
	// Enqueued means a new task was accepted and scheduled.
	Enqueued EnqueueResult = iota
	// AlreadyPresent means a task for this key was already queued; the
	// caller's bytes were not queued again.
	AlreadyPresent
	// QueueFull means the queue is at capacity; the caller must degrade
	// (synchronous store, or drop).
	QueueFull
)

func (r EnqueueResult) String() string {
	switch r {
	case Enqueued:
		return "enqueued"
	case AlreadyPresent:
		return "already_present"
	case QueueFull:
		return "queue_full"
	default:
		return "unknown"
	}
}

// StoreFunc performs the actual write for a queued task.
type StoreFunc func(ctx context.Context) error

// Task is one pending provider store, tagged with a UUID for diagnostics and
// event-log correlation.
type Task struct {
	ID        string
	Key       cachekey.Key
	Provider  string
	SizeBytes int64
}

type queuedTask struct {
	task  Task
	data  []byte
	meta  provider.Metadata
	store StoreFunc
}

// Queue is the bounded, deduplicating async upload queue.
type Queue struct {
	maxBytes int64
	logger   *slog.Logger

	mu         sync.Mutex
	byKey      map[string]*queuedTask
	totalBytes int64

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger overrides the logger used for swallowed task errors.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a Queue capped at maxBytes total queued size.
func New(maxBytes int64, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	q := &Queue{
		maxBytes: maxBytes,
		logger:   slog.Default(),
		byKey:    make(map[string]*queuedTask),
		group:    group,
		ctx:      gctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// dedupKey identifies a task by provider name plus cache key: the same
// bytes may legitimately be queued for two different provider tiers at once.
func dedupKey(key cachekey.Key, providerName string) string {
	return providerName + "/" + key.StoragePath()
}

// Enqueue schedules store to run asynchronously for key against provider
// providerName, unless a task for the same (provider, key) pair is already
// queued (AlreadyPresent) or the queue is at capacity (QueueFull). data and
// meta are retained for the task's lifetime so a concurrent caller can be
// served directly from Lookup instead of waiting on the store to finish.
func (q *Queue) Enqueue(key cachekey.Key, providerName string, data []byte, meta provider.Metadata, store StoreFunc) EnqueueResult {
	dk := dedupKey(key, providerName)
	sizeBytes := int64(len(data))

	q.mu.Lock()
	if _, exists := q.byKey[dk]; exists {
		q.mu.Unlock()
		return AlreadyPresent
	}
	if q.totalBytes+sizeBytes > q.maxBytes {
		q.mu.Unlock()
		return QueueFull
	}

	task := Task{ID: uuid.NewString(), Key: key, Provider: providerName, SizeBytes: sizeBytes}
	qt := &queuedTask{task: task, data: data, meta: meta, store: store}
	q.byKey[dk] = qt
	q.totalBytes += sizeBytes
	q.mu.Unlock()

	q.group.Go(func() error {
		defer q.complete(dk, sizeBytes)
		if err := store(q.ctx); err != nil {
			q.logger.Warn("upload queue task failed", "task_id", task.ID, "provider", providerName, "error", err)
		}
		// The store error is swallowed here (after logging) by design: an
		// async upload failure must not fail or cancel sibling tasks, and
		// there is no caller left waiting on this goroutine's return value.
		return nil
	})

	return Enqueued
}

func (q *Queue) complete(dedupKey string, sizeBytes int64) {
	q.mu.Lock()
	delete(q.byKey, dedupKey)
	q.totalBytes -= sizeBytes
	q.mu.Unlock()
}

// Lookup returns the bytes and metadata of any currently in-flight task for
// key, regardless of which provider enqueued it, so the cascade can serve a
// QueueHit instead of re-running the factory while the store is still
// pending.
func (q *Queue) Lookup(key cachekey.Key) ([]byte, provider.Metadata, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, qt := range q.byKey {
		if qt.task.Key == key {
			return qt.data, qt.meta, true
		}
	}
	return nil, provider.Metadata{}, false
}

// TaskCount returns the number of tasks currently queued or in flight.
func (q *Queue) TaskCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey)
}

// TotalBytes returns the current sum of queued task sizes.
func (q *Queue) TotalBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytes
}

// Drain awaits completion of all currently scheduled tasks, or ctx
// cancellation, whichever comes first.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- q.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the queue's internal context, signalling in-flight tasks'
// StoreFunc implementations (which receive this context) to abandon work.
func (q *Queue) Close() {
	q.cancel()
}
