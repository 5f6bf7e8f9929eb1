package uploadqueue

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/provider"
)

func payload(n int) []byte {
	return bytes.Repeat([]byte{'x'}, n)
}

func TestEnqueue_RunsTaskAsynchronously(t *testing.T) {
	t.Parallel()

	q := New(1024)
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))

	var ran atomic.Bool
	res := q.Enqueue(key, "disk", payload(10), provider.Metadata{}, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.Equal(t, Enqueued, res)

	require.NoError(t, q.Drain(context.Background()))
	assert.True(t, ran.Load())
	assert.Equal(t, 0, q.TaskCount())
	assert.Equal(t, int64(0), q.TotalBytes())
}

func TestEnqueue_DeduplicatesSameProviderAndKey(t *testing.T) {
	t.Parallel()

	q := New(1024)
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))
	block := make(chan struct{})

	res1 := q.Enqueue(key, "disk", payload(10), provider.Metadata{}, func(ctx context.Context) error {
		<-block
		return nil
	})
	require.Equal(t, Enqueued, res1)

	res2 := q.Enqueue(key, "disk", payload(10), provider.Metadata{}, func(ctx context.Context) error { return nil })
	assert.Equal(t, AlreadyPresent, res2)

	close(block)
	require.NoError(t, q.Drain(context.Background()))
}

func TestEnqueue_DoesNotDeduplicateAcrossDifferentProviders(t *testing.T) {
	t.Parallel()

	q := New(1024)
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))

	res1 := q.Enqueue(key, "disk", payload(10), provider.Metadata{}, func(ctx context.Context) error { return nil })
	res2 := q.Enqueue(key, "cloud", payload(10), provider.Metadata{}, func(ctx context.Context) error { return nil })
	assert.Equal(t, Enqueued, res1)
	assert.Equal(t, Enqueued, res2)

	require.NoError(t, q.Drain(context.Background()))
}

func TestEnqueue_ReturnsQueueFullWhenCapExceeded(t *testing.T) {
	t.Parallel()

	q := New(15)
	block := make(chan struct{})

	k1 := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))
	k2 := cachekey.FromSourceAndParams([]byte("/b.jpg"), []byte("w=1"))

	require.Equal(t, Enqueued, q.Enqueue(k1, "disk", payload(10), provider.Metadata{}, func(ctx context.Context) error {
		<-block
		return nil
	}))
	assert.Equal(t, QueueFull, q.Enqueue(k2, "disk", payload(10), provider.Metadata{}, func(ctx context.Context) error { return nil }))

	close(block)
	require.NoError(t, q.Drain(context.Background()))
}

func TestTotalBytes_NeverExceedsCapByMoreThanOneTask(t *testing.T) {
	t.Parallel()

	const cap = 1024 * 1024
	const taskSize = 10 * 1024
	q := New(cap)

	block := make(chan struct{})
	defer close(block)

	enqueuedCount := 0
	for i := 0; i < 1000; i++ {
		key := cachekey.FromSourceAndParams([]byte("/a.jpg"), intBytes(i))
		res := q.Enqueue(key, "disk", payload(taskSize), provider.Metadata{}, func(ctx context.Context) error {
			<-block
			return nil
		})
		if res == Enqueued {
			enqueuedCount++
		}
		assert.LessOrEqual(t, q.TotalBytes(), int64(cap+taskSize))
	}
	assert.Greater(t, enqueuedCount, 0)
	assert.Less(t, enqueuedCount, 1000)
}

func TestDrain_CompletesAfterAllTasksFinish(t *testing.T) {
	t.Parallel()

	q := New(1 << 20)
	var completed atomic.Int64
	for i := 0; i < 20; i++ {
		key := cachekey.FromSourceAndParams([]byte("/a.jpg"), intBytes(i))
		q.Enqueue(key, "disk", payload(100), provider.Metadata{}, func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			completed.Add(1)
			return nil
		})
	}

	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, int64(20), completed.Load())
	assert.Equal(t, 0, q.TaskCount())
}

func TestEnqueue_SwallowsStoreErrorAfterLogging(t *testing.T) {
	t.Parallel()

	q := New(1024)
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))

	res := q.Enqueue(key, "disk", payload(10), provider.Metadata{}, func(ctx context.Context) error {
		return assertErr
	})
	require.Equal(t, Enqueued, res)
	require.NoError(t, q.Drain(context.Background()))
}

func TestLookup_ReturnsBytesForInFlightTask(t *testing.T) {
	t.Parallel()

	q := New(1024)
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))
	block := make(chan struct{})
	defer close(block)

	meta := provider.Metadata{ContentType: "image/jpeg"}
	q.Enqueue(key, "cloud", []byte("derivative-bytes"), meta, func(ctx context.Context) error {
		<-block
		return nil
	})

	data, gotMeta, ok := q.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "derivative-bytes", string(data))
	assert.Equal(t, meta.ContentType, gotMeta.ContentType)
}

func TestLookup_MissesOnceTaskCompletes(t *testing.T) {
	t.Parallel()

	q := New(1024)
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))

	q.Enqueue(key, "cloud", []byte("derivative-bytes"), provider.Metadata{}, func(ctx context.Context) error { return nil })
	require.NoError(t, q.Drain(context.Background()))

	_, _, ok := q.Lookup(key)
	assert.False(t, ok)
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }

func intBytes(i int) []byte {
	return []byte{byte(i), byte(i >> 8), byte(i >> 16)}
}
