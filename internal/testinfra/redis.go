package testinfra

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedRedisAddr string
	sharedRedisOnce sync.Once
	sharedRedisErr  error
)

// Redis returns a client on a shared Redis container. The database is flushed before the
// client is handed out, and the client is closed when the test ends.
func Redis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}
	if os.Getenv(EnvIntegration) == "" {
		t.Skipf("Skipping integration test, set %s=1 to run it", EnvIntegration)
	}

	sharedRedisOnce.Do(func() {
		sharedRedisAddr, sharedRedisErr = startRedis()
	})
	if sharedRedisErr != nil {
		t.Fatalf("Failed to set up test redis: %v", sharedRedisErr)
	}

	client := redis.NewClient(&redis.Options{Addr: sharedRedisAddr})
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("Failed to flush test redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func startRedis() (string, error) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return "", fmt.Errorf("failed to get container port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}
