// Package bloom implements the rotating bloom filter that gates the cascade's
// fast-tier probes: keys inserted within the last slot_count×rotation_interval
// window report ProbablyContains == true, never a false negative. Sizing
// follows the standard m=-n·ln(p)/(ln2)² / k=(m/n)·ln2 formulas; the filter
// itself is a plain atomic bit-word array, intentionally without the
// unsafe/SIMD cache-line machinery of larger bloom filter implementations —
// lock-free OR on a []uint64 is fast enough for gating, not the bottleneck.
package bloom

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"

	"github.com/imazen/imageflow-server-sub002/cachekey"
)

const wordBits = 64

// slot is one rotation generation's bitset.
type slot struct {
	bits []uint64
}

func newSlot(bitCount uint64) *slot {
	words := (bitCount + wordBits - 1) / wordBits
	return &slot{bits: make([]uint64, words)}
}

func (s *slot) set(bit uint64) {
	word := bit / wordBits
	mask := uint64(1) << (bit % wordBits)
	for {
		old := atomic.LoadUint64(&s.bits[word])
		if old&mask != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&s.bits[word], old, old|mask) {
			return
		}
	}
}

func (s *slot) test(bit uint64) bool {
	word := bit / wordBits
	mask := uint64(1) << (bit % wordBits)
	return atomic.LoadUint64(&s.bits[word])&mask != 0
}

// Filter is a time-rotating bloom filter: SlotCount independent bitsets, one
// retired and cleared every RotationInterval. A key is "probably present" if
// it tests positive in ANY currently-live slot, which is what gives P3 (keys
// inserted within slot_count×rotation_interval remain visible).
type Filter struct {
	bitCount   uint64
	hashCount  uint32
	rotationMu sync.RWMutex
	slots      []*slot
	activeIdx  int
}

// New creates a Filter sized for expectedElements at falsePositiveRate, split
// across slotCount rotation generations refreshed every rotationInterval
// (the interval itself is the caller's responsibility to drive via Rotate,
// typically from a single background ticker goroutine).
func New(expectedElements uint64, falsePositiveRate float64, slotCount int) *Filter {
	if slotCount < 1 {
		slotCount = 1
	}
	if expectedElements == 0 {
		expectedElements = 1
	}

	ln2 := math.Ln2
	bitCount := uint64(math.Ceil(-float64(expectedElements) * math.Log(falsePositiveRate) / (ln2 * ln2)))
	if bitCount == 0 {
		bitCount = wordBits
	}
	hashCount := uint32(math.Round(float64(bitCount) / float64(expectedElements) * ln2))
	if hashCount < 1 {
		hashCount = 1
	}

	f := &Filter{
		bitCount:  bitCount,
		hashCount: hashCount,
		slots:     make([]*slot, slotCount),
	}
	for i := range f.slots {
		f.slots[i] = newSlot(bitCount)
	}
	return f
}

// Add inserts key into the currently active slot.
func (f *Filter) Add(key cachekey.Key) {
	f.rotationMu.RLock()
	active := f.slots[f.activeIdx]
	f.rotationMu.RUnlock()

	for _, bit := range f.bitPositions(key) {
		active.set(bit)
	}
}

// ProbablyContains reports whether key may have been added within the
// current rotation window. False positives are possible by design; false
// negatives within the window are not.
func (f *Filter) ProbablyContains(key cachekey.Key) bool {
	f.rotationMu.RLock()
	defer f.rotationMu.RUnlock()

	bits := f.bitPositions(key)
	for _, s := range f.slots {
		hit := true
		for _, bit := range bits {
			if !s.test(bit) {
				hit = false
				break
			}
		}
		if hit {
			return true
		}
	}
	return false
}

// Rotate retires the oldest slot generation (clearing it) and advances the
// active slot, intended to be called once per RotationInterval.
func (f *Filter) Rotate() {
	f.rotationMu.Lock()
	defer f.rotationMu.Unlock()

	next := (f.activeIdx + 1) % len(f.slots)
	retired := f.slots[next]
	for i := range retired.bits {
		atomic.StoreUint64(&retired.bits[i], 0)
	}
	f.activeIdx = next
}

// RunRotation blocks, calling Rotate every interval, until ctx-like stop
// channel closes. Kept as a simple ticker loop rather than a context
// parameter so callers can share one stop channel across several background
// loops (bloom rotation, upload queue drain timers) started from the same
// cascade lifecycle.
func (f *Filter) RunRotation(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.Rotate()
		case <-stop:
			return
		}
	}
}

// SlotCount reports the number of rotation generations the filter was
// constructed with.
func (f *Filter) SlotCount() int {
	return len(f.slots)
}

// ActiveSlot reports the index of the currently-written-to slot, for
// diagnostics.
func (f *Filter) ActiveSlot() int {
	f.rotationMu.RLock()
	defer f.rotationMu.RUnlock()
	return f.activeIdx
}

// bitPositions derives hashCount bit indices from key using double hashing
// over a single BLAKE3 digest (two independent 64-bit lanes combined as
// h1 + i*h2, the standard Kirsch-Mitzenmacher technique), avoiding hashCount
// separate hash invocations per operation.
func (f *Filter) bitPositions(key cachekey.Key) []uint64 {
	hasher := blake3.New(16, nil)
	_, _ = hasher.Write(key.Variant[:])
	h := hasher.Sum(nil)
	h1 := leUint64(h[0:8])
	h2 := leUint64(h[8:16])

	positions := make([]uint64, f.hashCount)
	for i := uint32(0); i < f.hashCount; i++ {
		combined := h1 + uint64(i)*h2
		positions[i] = combined % f.bitCount
	}
	return positions
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
