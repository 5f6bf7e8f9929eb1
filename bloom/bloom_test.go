package bloom

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/imazen/imageflow-server-sub002/cachekey"
)

func TestProbablyContains_TrueAfterAdd(t *testing.T) {
	t.Parallel()

	f := New(1000, 0.01, 4)
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))

	assert.False(t, f.ProbablyContains(key))
	f.Add(key)
	assert.True(t, f.ProbablyContains(key))
}

func TestProbablyContains_SurvivesWithinRotationWindow(t *testing.T) {
	t.Parallel()

	f := New(1000, 0.01, 4)
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))
	f.Add(key)

	// Rotating fewer than slot_count times must never evict a recent insert.
	for i := 0; i < 3; i++ {
		f.Rotate()
		assert.True(t, f.ProbablyContains(key), "key must remain visible within the rotation window")
	}
}

func TestProbablyContains_EventuallyExpiresAfterFullRotation(t *testing.T) {
	t.Parallel()

	f := New(1000, 0.01, 4)
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))
	f.Add(key)

	for i := 0; i < len(f.slots); i++ {
		f.Rotate()
	}
	assert.False(t, f.ProbablyContains(key), "key must expire once every slot has rotated past it")
}

func TestFalsePositiveRateIsLow(t *testing.T) {
	t.Parallel()

	f := New(10000, 0.01, 1)
	for i := 0; i < 10000; i++ {
		f.Add(cachekey.FromSourceAndParams([]byte("present"), intBytes(i)))
	}

	falsePositives := 0
	const trials = 2000
	for i := 0; i < trials; i++ {
		if f.ProbablyContains(cachekey.FromSourceAndParams([]byte("absent"), intBytes(i))) {
			falsePositives++
		}
	}
	// Generous bound: sized for 1% FPR, allow up to 5% in this single sample.
	assert.Less(t, falsePositives, trials/20)
}

func intBytes(i int) []byte {
	return []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}
}
