package coalesce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/cascadeerr"
)

func TestAcquire_SerializesConcurrentCallersForSameKey(t *testing.T) {
	t.Parallel()

	c := New()
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))

	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.Acquire(context.Background(), key, time.Second)
			require.NoError(t, err)
			defer release()

			n := inFlight.Add(1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 0, c.ActiveEntries())
}

func TestAcquire_DifferentKeysDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	c := New()
	k1 := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))
	k2 := cachekey.FromSourceAndParams([]byte("/b.jpg"), []byte("w=1"))

	release1, err := c.Acquire(context.Background(), k1, time.Second)
	require.NoError(t, err)
	defer release1()

	done := make(chan struct{})
	go func() {
		release2, err := c.Acquire(context.Background(), k2, time.Second)
		require.NoError(t, err)
		release2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire for an unrelated key should not block behind k1's holder")
	}
}

func TestAcquire_TimesOutWhenHeldTooLong(t *testing.T) {
	t.Parallel()

	c := New()
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))

	release, err := c.Acquire(context.Background(), key, time.Second)
	require.NoError(t, err)
	defer release()

	_, err = c.Acquire(context.Background(), key, 20*time.Millisecond)
	assert.ErrorIs(t, err, cascadeerr.ErrTimeout)
}

func TestAcquire_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	c := New()
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))

	release, err := c.Acquire(context.Background(), key, time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Acquire(ctx, key, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquire_SecondCallerRetriesAfterCancelledHolderReleases(t *testing.T) {
	t.Parallel()

	c := New()
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))

	release, err := c.Acquire(context.Background(), key, time.Second)
	require.NoError(t, err)

	// Holder's computation is cancelled; it releases promptly (P6).
	release()

	release2, err := c.Acquire(context.Background(), key, time.Second)
	require.NoError(t, err)
	release2()

	assert.Equal(t, 0, c.ActiveEntries())
}

func TestActiveEntries_ReturnsToZeroAfterAllComplete(t *testing.T) {
	t.Parallel()

	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		key := cachekey.FromSourceAndParams([]byte("/a.jpg"), intBytes(i%5))
		wg.Add(1)
		go func(k cachekey.Key) {
			defer wg.Done()
			release, err := c.Acquire(context.Background(), k, time.Second)
			require.NoError(t, err)
			defer release()
		}(key)
	}
	wg.Wait()
	assert.Equal(t, 0, c.ActiveEntries())
}

func intBytes(i int) []byte {
	return []byte{byte(i), byte(i >> 8)}
}
