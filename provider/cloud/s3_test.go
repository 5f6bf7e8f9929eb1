package cloud

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/cascadeerr"
	"github.com/imazen/imageflow-server-sub002/provider"
)

func TestObjectKey_UsesConfiguredPrefix(t *testing.T) {
	t.Parallel()

	tier := &Tier{prefix: "cascade/"}
	key := cachekey.FromSourceAndParams([]byte("/a.jpg"), []byte("w=1"))
	assert.Equal(t, "cascade/"+key.StoragePath(), tier.objectKey(key))
}

func TestWantsToStore_DeclinesWhenNotQueried(t *testing.T) {
	t.Parallel()

	tier := &Tier{}
	key := cachekey.FromSource([]byte("/a.jpg"))
	assert.False(t, tier.WantsToStore(key, 10, provider.NotQueried))
	assert.True(t, tier.WantsToStore(key, 10, provider.FreshlyCreated))
}

func TestProbablyContains_AlwaysConservativelyTrue(t *testing.T) {
	t.Parallel()

	tier := &Tier{}
	assert.True(t, tier.ProbablyContains(cachekey.FromSource([]byte("/a.jpg"))))
}

func TestClassify_MapsThrottlingToTransient(t *testing.T) {
	t.Parallel()

	respErr := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusTooManyRequests}},
	}
	err := classify(respErr)
	assert.ErrorIs(t, err, cascadeerr.ErrTransient)
}

func TestClassify_MapsNotFound(t *testing.T) {
	t.Parallel()

	respErr := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusNotFound}},
	}
	err := classify(respErr)
	assert.ErrorIs(t, err, cascadeerr.ErrNotFound)
}

func TestWithCredentialsFileWatch_SwapsClientOnWrite(t *testing.T) {
	// Not run in parallel: t.Setenv below is incompatible with t.Parallel.
	dir := t.TempDir()
	credPath := filepath.Join(dir, "credentials")
	require.NoError(t, os.WriteFile(credPath, []byte("initial"), 0o600))

	t.Setenv("AWS_ACCESS_KEY_ID", "x")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "y")
	t.Setenv("AWS_REGION", "us-east-1")

	tier := &Tier{}
	WithCredentialsFileWatch(credPath)(tier)
	require.NotNil(t, tier.watcher)
	defer tier.Close()

	before, err := newClient(t.Context(), false)
	require.NoError(t, err)
	tier.client.Store(before)

	require.NoError(t, os.WriteFile(credPath, []byte("rotated"), 0o600))

	require.Eventually(t, func() bool {
		return tier.client.Load() != before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIsConditionalPutConflict_DetectsPreconditionFailed(t *testing.T) {
	t.Parallel()

	respErr := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusPreconditionFailed}},
	}
	assert.True(t, isConditionalPutConflict(respErr))

	other := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusInternalServerError}},
	}
	assert.False(t, isConditionalPutConflict(other))
}
