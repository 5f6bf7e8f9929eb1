package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrPromiseConsumed is returned when a single-fire promise is used a second
// time. Promises are used at most once; this is a programming error on the
// caller's part, not a runtime condition.
var ErrPromiseConsumed = errors.New("blob: promise already consumed")

// ErrCoreDisposed names the condition of a wrapper whose underlying core has
// been fully disposed (refcount reached zero). The Wrapper methods do not
// check for disposal and do not return it.
var ErrCoreDisposed = errors.New("blob: core disposed")

type coreState int

const (
	stateStream coreState = iota
	stateBuffered
	stateError
)

// core is the shared, reference-counted heart of one or more Wrappers. It
// holds either an unconsumed stream or a fully buffered copy of the blob's
// bytes, never both at once once promotion has happened.
type core struct {
	mu sync.Mutex // serializes the stream→memory promotion ("single-permit lock")

	state       coreState
	stream      io.ReadCloser // valid only while state == stateStream and !streamTaken
	streamTaken bool          // the raw stream has already been handed to one caller
	buffered    []byte        // valid once state == stateBuffered
	err         error         // valid once state == stateError

	mustBuffer atomic.Bool

	refcount  atomic.Int32
	disposeFn func()

	attrs Attributes
	zone  LatencyZone
}

// Wrapper is a shared handle over a blob core. Multiple Wrappers may
// reference the same core (via ForkReference); the core is disposed exactly
// when every Wrapper referencing it has been disposed.
type Wrapper struct {
	c *core

	consumableUsed atomic.Bool
	disposed       atomic.Bool
}

// NewFromStream creates a Wrapper over a single-consumption byte stream.
// Closing the stream is the wrapper's responsibility from this point on.
func NewFromStream(stream io.ReadCloser, attrs Attributes, zone LatencyZone) *Wrapper {
	c := &core{
		state:  stateStream,
		stream: stream,
		attrs:  attrs,
		zone:   zone,
	}
	c.refcount.Store(1)
	return &Wrapper{c: c}
}

// NewFromMemory creates a Wrapper over an already-buffered, reusable blob.
func NewFromMemory(data []byte, attrs Attributes, zone LatencyZone) *Wrapper {
	c := &core{
		state:    stateBuffered,
		buffered: data,
		attrs:    attrs,
		zone:     zone,
	}
	c.refcount.Store(1)
	return &Wrapper{c: c}
}

// Attributes returns the blob's metadata.
func (w *Wrapper) Attributes() Attributes {
	return w.c.attrs
}

// LatencyZone returns the zone tag of the provider (or pipeline stage) that
// produced this blob.
func (w *Wrapper) LatencyZone() LatencyZone {
	return w.c.zone
}

// IsReusable reports whether the blob is currently backed by a buffer and so
// may be read any number of times without further I/O.
func (w *Wrapper) IsReusable() bool {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.state == stateBuffered
}

// FetchConsumable is the one-shot consumable promise: consuming it yields
// exclusive access to the underlying stream if one is still available, else
// transparently buffers first and returns a fresh reader over the buffer.
//
// Calling FetchConsumable a second time on the same Wrapper returns
// ErrPromiseConsumed.
func (w *Wrapper) FetchConsumable(ctx context.Context) (io.ReadCloser, error) {
	if !w.consumableUsed.CompareAndSwap(false, true) {
		return nil, ErrPromiseConsumed
	}

	w.c.mu.Lock()
	if w.c.state == stateStream && !w.c.streamTaken && !w.c.mustBuffer.Load() {
		w.c.streamTaken = true
		stream := w.c.stream
		w.c.mu.Unlock()
		return stream, nil
	}
	w.c.mu.Unlock()

	data, err := w.ensureReusable(ctx)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// FetchMemory is the repeatable memory promise: it buffers on first use and
// every subsequent call (on this Wrapper or any Wrapper forked from the same
// core) returns a view into the same buffer.
func (w *Wrapper) FetchMemory(ctx context.Context) ([]byte, error) {
	return w.ensureReusable(ctx)
}

// ForkReference returns an additional Wrapper sharing this core, and marks
// the core must_buffer: from this point on a raw stream is never handed out,
// since more than one consumer now exists.
func (w *Wrapper) ForkReference() *Wrapper {
	w.c.mustBuffer.Store(true)
	w.c.refcount.Add(1)
	return &Wrapper{c: w.c}
}

// IndicateInterest hints that multiple consumers will follow, eagerly
// marking the core must_buffer so the next stream request promotes instead
// of handing out the raw stream.
func (w *Wrapper) IndicateInterest() {
	w.c.mustBuffer.Store(true)
}

// Dispose releases this Wrapper's reference. The core is disposed exactly
// when the reference count reaches zero: any unconsumed stream is closed and
// the core's disposeFn (if any) runs.
func (w *Wrapper) Dispose() error {
	if !w.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if w.c.refcount.Add(-1) > 0 {
		return nil
	}

	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	var err error
	if w.c.state == stateStream && !w.c.streamTaken && w.c.stream != nil {
		err = w.c.stream.Close()
	}
	if w.c.disposeFn != nil {
		w.c.disposeFn()
	}
	return err
}

// ensureReusable performs stream-to-memory promotion, serialized by the
// core's single-permit lock: only the first caller performs I/O, every other
// concurrent caller awaits its completion and then observes the result.
func (w *Wrapper) ensureReusable(ctx context.Context) ([]byte, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()

	switch w.c.state {
	case stateBuffered:
		return w.c.buffered, nil
	case stateError:
		return nil, w.c.err
	}

	if w.c.streamTaken {
		// Another caller already took the raw stream exclusively via
		// FetchConsumable before must_buffer was raised; there is nothing
		// left to promote.
		w.c.state = stateError
		w.c.err = errors.New("blob: stream already consumed exclusively, cannot buffer")
		return nil, w.c.err
	}

	data, err := io.ReadAll(w.c.stream)
	closeErr := w.c.stream.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		w.c.state = stateError
		w.c.err = err
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		w.c.state = stateError
		w.c.err = ctxErr
		return nil, ctxErr
	}

	w.c.buffered = data
	w.c.stream = nil
	w.c.state = stateBuffered
	return data, nil
}
