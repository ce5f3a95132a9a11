// Package testutil provides shared helpers for tests that need live backing
// services. Tests are skipped when the service is not reachable.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// GetTestRedisAddr returns the Redis address for tests, defaulting to
// localhost when TEST_REDIS_ADDR is unset.
func GetTestRedisAddr() string {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// SetupTestRedis creates a Redis client for testing. Tests are skipped if
// Redis is not available.
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := GetTestRedisAddr()
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		// A dedicated DB keeps test keys away from any local dev data.
		DB: 9,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available for testing at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cleanupCancel()
		if err := client.FlushDB(cleanupCtx).Err(); err != nil {
			t.Logf("warning: failed to flush test redis db: %v", err)
		}
		if err := client.Close(); err != nil {
			t.Logf("warning: failed to close redis client: %v", err)
		}
	})

	return client
}
