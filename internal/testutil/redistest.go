package testutil

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// RedisTest returns a Redis URL or host:port. REDIS_URL is used when set;
// otherwise a redis container is started once per test binary, and the test
// is skipped if that fails.
func RedisTest(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}
	redisOnce.Do(func() { redisAddr, redisErr = startRedis(context.Background()) })
	if redisErr != nil {
		t.Skipf("no REDIS_URL and redis container unavailable: %v", redisErr)
	}
	return redisAddr
}

func startRedis(ctx context.Context) (string, error) {
	ctr, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	if err != nil {
		if ctr != nil {
			_ = testcontainers.TerminateContainer(ctr)
		}
		return "", err
	}
	return ctr.Endpoint(ctx, "")
}
