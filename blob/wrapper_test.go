package blob

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeTrackingReader struct {
	io.Reader
	closed bool
}

func (c *closeTrackingReader) Close() error {
	c.closed = true
	return nil
}

func TestFetchConsumable_SingleFire(t *testing.T) {
	t.Parallel()

	r := &closeTrackingReader{Reader: stringsReader("hello")}
	w := NewFromStream(r, Attributes{ContentType: "image/jpeg"}, "memory")

	stream, err := w.FetchConsumable(context.Background())
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = w.FetchConsumable(context.Background())
	assert.ErrorIs(t, err, ErrPromiseConsumed)
}

func TestFetchMemory_RepeatableAfterBuffering(t *testing.T) {
	t.Parallel()

	r := &closeTrackingReader{Reader: stringsReader("hello")}
	w := NewFromStream(r, Attributes{}, "memory")

	b1, err := w.FetchMemory(context.Background())
	require.NoError(t, err)
	b2, err := w.FetchMemory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.True(t, r.closed, "promotion must close the original stream")
	assert.True(t, w.IsReusable())
}

func TestForkReference_ForcesBuffering(t *testing.T) {
	t.Parallel()

	r := &closeTrackingReader{Reader: stringsReader("hello")}
	w := NewFromStream(r, Attributes{}, "memory")
	fork := w.ForkReference()

	// Once forked, neither wrapper may take the exclusive raw stream; both
	// must transparently promote to a buffered view.
	data1, err := w.FetchConsumable(context.Background())
	require.NoError(t, err)
	b1, err := io.ReadAll(data1)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b1))

	data2, err := fork.FetchConsumable(context.Background())
	require.NoError(t, err)
	b2, err := io.ReadAll(data2)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b2))
}

func TestDispose_DisposesOnlyAtZeroRefcount(t *testing.T) {
	t.Parallel()

	disposed := false
	var mu sync.Mutex
	r := &closeTrackingReader{Reader: stringsReader("hello")}
	w := NewFromStream(r, Attributes{}, "memory")
	w.c.disposeFn = func() {
		mu.Lock()
		disposed = true
		mu.Unlock()
	}
	fork := w.ForkReference()

	require.NoError(t, w.Dispose())
	mu.Lock()
	gotDisposed := disposed
	mu.Unlock()
	assert.False(t, gotDisposed, "core must not dispose while a reference remains")

	require.NoError(t, fork.Dispose())
	mu.Lock()
	gotDisposed = disposed
	mu.Unlock()
	assert.True(t, gotDisposed, "core must dispose once the last reference is released")
}

func TestEnsureReusable_ConcurrentCallersSeeOneRead(t *testing.T) {
	t.Parallel()

	counting := &countingReadCloser{Reader: stringsReader("hello world")}
	w := NewFromStream(counting, Attributes{}, "memory")

	var wg sync.WaitGroup
	results := make([][]byte, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := w.FetchMemory(context.Background())
			require.NoError(t, err)
			results[i] = b
		}(i)
	}
	wg.Wait()

	for _, b := range results {
		assert.Equal(t, "hello world", string(b))
	}
	assert.Equal(t, 1, counting.closes, "stream must be read/closed exactly once across concurrent promotions")
}

func TestTerminalErrorState_PropagatesToAllWaiters(t *testing.T) {
	t.Parallel()

	w := NewFromStream(&erroringReadCloser{err: errors.New("origin closed")}, Attributes{}, "origin")

	_, err1 := w.FetchMemory(context.Background())
	require.Error(t, err1)

	_, err2 := w.FetchMemory(context.Background())
	assert.Equal(t, err1, err2, "once terminal, every outstanding promise resolves with the same error")
}

type countingReadCloser struct {
	io.Reader
	closes int
}

func (c *countingReadCloser) Close() error {
	c.closes++
	return nil
}

type erroringReadCloser struct {
	err error
}

func (e *erroringReadCloser) Read([]byte) (int, error) { return 0, e.err }
func (e *erroringReadCloser) Close() error              { return nil }

func stringsReader(s string) io.Reader {
	return &stringReaderImpl{s: s}
}

type stringReaderImpl struct {
	s string
	i int
}

func (r *stringReaderImpl) Read(p []byte) (int, error) {
	if r.i >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.i:])
	r.i += n
	return n, nil
}
