package disk

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/provider"
)

func newTestTier(t *testing.T, maxBytes int64) *Tier {
	t.Helper()
	dir := t.TempDir()
	tier, err := New(dir, maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func TestStoreFetch_RoundTrip(t *testing.T) {
	t.Parallel()

	tier := newTestTier(t, 0)
	ctx := context.Background()
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=100"))

	require.NoError(t, tier.Store(ctx, key, []byte("small payload"), provider.Metadata{ContentType: "image/jpeg"}))

	res, ok, err := tier.Fetch(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "small payload", string(res.Data))
	assert.Equal(t, "image/jpeg", res.Metadata.ContentType)
}

func TestStore_CompressesLargePayloads(t *testing.T) {
	t.Parallel()

	tier := newTestTier(t, 0)
	ctx := context.Background()
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=100"))

	big := bytes.Repeat([]byte("x"), defaultCompressThreshold*4)
	require.NoError(t, tier.Store(ctx, key, big, provider.Metadata{ContentType: "image/png"}))

	tier.mu.Lock()
	e := tier.index[key]
	tier.mu.Unlock()
	require.NotNil(t, e)
	assert.True(t, e.compressed)
	assert.Less(t, e.diskSize, int64(len(big)))

	res, ok, err := tier.Fetch(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, res.Data)
}

func TestReplayLog_RebuildsIndexAcrossRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tier, err := New(dir, 0)
	require.NoError(t, err)

	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=100"))
	require.NoError(t, tier.Store(context.Background(), key, []byte("payload"), provider.Metadata{ContentType: "image/jpeg"}))
	require.NoError(t, tier.Close())

	reopened, err := New(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	res, ok, err := reopened.Fetch(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(res.Data))
}

func TestInvalidate_RemovesEntryAndFile(t *testing.T) {
	t.Parallel()

	tier := newTestTier(t, 0)
	ctx := context.Background()
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=100"))

	require.NoError(t, tier.Store(ctx, key, []byte("payload"), provider.Metadata{}))
	existed, err := tier.Invalidate(ctx, key)
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok, err := tier.Fetch(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurgeBySource_RemovesAllVariants(t *testing.T) {
	t.Parallel()

	tier := newTestTier(t, 0)
	ctx := context.Background()

	base := cachekey.FromSource([]byte("/a.jpg"))
	v1 := base.WithParams([]byte("w=1"))
	v2 := base.WithParams([]byte("w=2"))

	require.NoError(t, tier.Store(ctx, v1, []byte("x"), provider.Metadata{}))
	require.NoError(t, tier.Store(ctx, v2, []byte("y"), provider.Metadata{}))

	removed, err := tier.PurgeBySource(ctx, base.Source)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestPurgeBySource_PurgedEntriesDoNotReappearAfterRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tier, err := New(dir, 0)
	require.NoError(t, err)

	ctx := context.Background()
	base := cachekey.FromSource([]byte("/a.jpg"))
	v1 := base.WithParams([]byte("w=1"))
	v2 := base.WithParams([]byte("w=2"))

	require.NoError(t, tier.Store(ctx, v1, []byte("x"), provider.Metadata{}))
	require.NoError(t, tier.Store(ctx, v2, []byte("y"), provider.Metadata{}))

	removed, err := tier.PurgeBySource(ctx, base.Source)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.NoError(t, tier.Close())

	reopened, err := New(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	_, ok1, err := reopened.Fetch(ctx, v1)
	require.NoError(t, err)
	assert.False(t, ok1, "purged variant must not reappear in the index after a restart")

	_, ok2, err := reopened.Fetch(ctx, v2)
	require.NoError(t, err)
	assert.False(t, ok2, "purged variant must not reappear in the index after a restart")
}

func TestFetch_IncrementsAccessCountAndPersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tier, err := New(dir, 0)
	require.NoError(t, err)

	ctx := context.Background()
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=100"))
	require.NoError(t, tier.Store(ctx, key, []byte("payload"), provider.Metadata{}))

	_, _, err = tier.Fetch(ctx, key)
	require.NoError(t, err)
	_, _, err = tier.Fetch(ctx, key)
	require.NoError(t, err)
	require.NoError(t, tier.Close())

	reopened, err := New(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	reopened.mu.Lock()
	e := reopened.index[key]
	reopened.mu.Unlock()
	require.NotNil(t, e)
	assert.Equal(t, int32(2), e.accessCount)
}

func TestRunCleanup_PrefersEvictingLeastAccessedEntryOverNewerOne(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tier, err := New(dir, 15, WithMinEvictionAge(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })

	ctx := context.Background()
	k1 := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("1"))
	k2 := cachekey.FromSourceAndParams([]byte("/b.jpg"), []byte("2"))
	k3 := cachekey.FromSourceAndParams([]byte("/c.jpg"), []byte("3"))

	require.NoError(t, tier.Store(ctx, k1, []byte("12345"), provider.Metadata{}))
	require.NoError(t, tier.Store(ctx, k2, []byte("12345"), provider.Metadata{}))

	// k1 and k2 are now both resident (10 of 15 bytes used). k1 is heavily
	// accessed; k2 is never accessed.
	for i := 0; i < 5; i++ {
		_, _, err := tier.Fetch(ctx, k1)
		require.NoError(t, err)
	}

	// Storing k3 pushes the tier over budget; the least-accessed entry (k2)
	// must be evicted, not the older-but-frequently-accessed k1.
	require.NoError(t, tier.Store(ctx, k3, []byte("123456"), provider.Metadata{}))

	_, ok1, _ := tier.Fetch(ctx, k1)
	assert.True(t, ok1, "frequently-accessed entry should survive eviction")
	_, ok2, _ := tier.Fetch(ctx, k2)
	assert.False(t, ok2, "least-accessed entry should be evicted first")
}

func TestRunCleanup_EvictsOldestEntryToSatisfyBudget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tier, err := New(dir, 8, WithMinEvictionAge(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })

	ctx := context.Background()
	k1 := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("1"))
	k2 := cachekey.FromSourceAndParams([]byte("/b.jpg"), []byte("2"))

	require.NoError(t, tier.Store(ctx, k1, []byte("12345"), provider.Metadata{}))
	time.Sleep(2 * time.Millisecond)
	// Storing k2 pushes the tier over its 8-byte budget, triggering inline
	// cleanup that must evict k1 (oldest) to make room.
	require.NoError(t, tier.Store(ctx, k2, []byte("12345"), provider.Metadata{}))

	_, ok1, _ := tier.Fetch(ctx, k1)
	assert.False(t, ok1, "oldest entry should be evicted first to satisfy budget")

	entries, err := os.ReadDir(filepath.Join(dir))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
