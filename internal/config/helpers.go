// Package config provides configuration and shared test utilities for the TestWatch application.
package config

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	occurrenceCount = 2
	startUpTimeOut  = 120 * time.Second
)

// TestDatabase encapsulates test database resources for cleanup.
// Used by integration tests across multiple packages to maintain consistent test infrastructure.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
}

// SetupTestDatabase creates a PostgreSQL container and applies the schema
// migrations, returning a ready-to-use TestDatabase.
//
// migratorDir is the path to cmd/migrator relative to the calling package,
// e.g. "../../cmd/migrator" for a package one level under internal/.
// cmd/migrator is a main package (not importable), so this applies the
// *.up.sql files directly rather than driving golang-migrate.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		ctx := context.Background()
//		testDB := config.SetupTestDatabase(ctx, t, "../../cmd/migrator")
//		t.Cleanup(func() {
//			_ = testDB.Connection.Close()
//			_ = testcontainers.TerminateContainer(testDB.Container)
//		})
//		// ... your test code
//	}
//
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestDatabase(ctx context.Context, t *testing.T, migratorDir string) *TestDatabase {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testwatch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(occurrenceCount).
				WithStartupTimeout(startUpTimeOut),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	require.NotNil(t, pgContainer, "postgres container is nil")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	conn, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "Failed to open database")

	if err := ApplySchema(conn, migratorDir); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(pgContainer)

		t.Fatalf("Failed to apply schema: %v", err)
	}

	return &TestDatabase{
		Container:  pgContainer,
		Connection: conn,
	}
}

// ApplySchema runs every migratorDir/*.up.sql file against db in filename
// order. It is the shared schema-bootstrap path for integration tests across
// packages, since cmd/migrator embeds its SQL files and cannot be imported.
func ApplySchema(db *sql.DB, migratorDir string) error {
	matches, err := filepath.Glob(filepath.Join(migratorDir, "*.up.sql"))
	if err != nil {
		return err
	}

	sort.Strings(matches)

	for _, path := range matches {
		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		if _, err := db.Exec(string(contents)); err != nil {
			return err
		}
	}

	return nil
}
