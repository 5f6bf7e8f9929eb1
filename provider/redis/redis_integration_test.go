//go:build integration

package redis

import (
	"context"
	"os"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/provider"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// getRedisAddr returns a shared real Redis container's address, starting it
// once per test binary run. miniredis (used by the unit tests in this
// package) is an in-process fake; this exercises the go-redis client against
// the real wire protocol the way the pack's integration suite runs against a
// real registry container.
func getRedisAddr(tb testing.TB) string {
	tb.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	redisOnce.Do(func() {
		ctx := context.Background()
		redisAddr, redisErr = startRedisContainer(ctx)
	})
	if redisErr != nil {
		tb.Fatalf("start redis container: %v", redisErr)
	}
	return redisAddr
}

func startRedisContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return "", err
	}
	return host + ":" + port.Port(), nil
}

func TestIntegration_StoreAndFetchAgainstRealRedis(t *testing.T) {
	addr := getRedisAddr(t)
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	tier := New(client, WithNamespace("cascade-it"))

	ctx := context.Background()
	key := cachekey.FromSourceAndParams([]byte("/integration.jpg"), []byte("w=10"))

	require.NoError(t, tier.Store(ctx, key, []byte("payload"), provider.Metadata{ContentType: "image/jpeg"}))

	res, ok, err := tier.Fetch(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "payload", string(res.Data))
}
