// Package testinfra starts the containers that repository integration tests run against
package testinfra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ramsey-B/thistle/pkg/database"
)

// EnvIntegration must be set for container-backed tests to run
const EnvIntegration = "THISTLE_INTEGRATION"

var (
	sharedDB     database.DB
	sharedDBOnce sync.Once
	sharedDBErr  error
)

// Postgres returns a migrated registry database shared by every test in the run. The
// test is skipped under -short or when THISTLE_INTEGRATION is unset.
func Postgres(t *testing.T) database.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}
	if os.Getenv(EnvIntegration) == "" {
		t.Skipf("Skipping integration test, set %s=1 to run it", EnvIntegration)
	}

	sharedDBOnce.Do(func() {
		sharedDB, sharedDBErr = startPostgres()
	})
	if sharedDBErr != nil {
		t.Fatalf("Failed to set up test database: %v", sharedDBErr)
	}
	return sharedDB
}

func startPostgres() (database.DB, error) {
	ctx := context.Background()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "thistle",
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "registry",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=thistle password=password dbname=registry sslmode=disable", host, port.Port())
	db, err := database.Connect(ctx, "postgres", dsn, database.PoolConfig{MaxOpenConns: 5}, logger)
	if err != nil {
		return nil, err
	}

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: migrationFolder(),
	})
	if err := migrations.MigratePostgres(db, "registry"); err != nil {
		return nil, fmt.Errorf("failed to migrate test database: %w", err)
	}
	return db, nil
}

// migrationFolder resolves db/pg from this file so tests work from any package dir
func migrationFolder() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "db", "pg")
}

// Truncate empties the registry tables between tests
func Truncate(t *testing.T, db database.DB) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		TRUNCATE merge_results, subject_followers, form_submissions, farms, household_members,
			subject_duplicate_links, subjects RESTART IDENTITY CASCADE
	`)
	if err != nil {
		t.Fatalf("Failed to truncate test database: %v", err)
	}
}
