package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	testcontainers "github.com/testcontainers/testcontainers-go"

	"github.com/testwatch/testwatch/internal/ingestion"
)

// applySchema runs every cmd/migrator/*.up.sql file in migration order against
// conn. cmd/migrator is a main package (not importable), so integration tests
// in this package apply the same SQL files directly rather than driving
// golang-migrate.
func applySchema(t *testing.T, conn *Connection) {
	t.Helper()

	matches, err := filepath.Glob("../../cmd/migrator/*.up.sql")
	if err != nil {
		t.Fatalf("failed to glob migration files: %v", err)
	}

	sort.Strings(matches)

	for _, path := range matches {
		contents, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read migration %s: %v", path, err)
		}

		if _, err := conn.Exec(string(contents)); err != nil {
			t.Fatalf("failed to apply migration %s: %v", path, err)
		}
	}
}

// newTestStore starts a real PostgreSQL container, applies the embedded schema
// migrations, and returns a ready-to-use Store plus a cleanup function.
func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	conn, err := NewConnection(&Config{
		databaseURL:  connStr,
		MaxOpenConns: defaultMaxOpenConns,
		MaxIdleConns: defaultMaxIdleConns,
	})
	if err != nil {
		t.Fatalf("failed to open connection: %v", err)
	}

	applySchema(t, conn)

	store, err := NewStore(conn, time.Hour)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		_ = store.Close()
		_ = conn.Close()

		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}

	return store, cleanup
}

func TestStoreUpsertReleaseModuleJob(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()

	release, err := store.UpsertRelease(ctx, "release-2.0")
	if err != nil {
		t.Fatalf("upsert release: %v", err)
	}

	if release.ID == "" {
		t.Fatal("expected non-empty release id")
	}

	again, err := store.UpsertRelease(ctx, "release-2.0")
	if err != nil {
		t.Fatalf("re-upsert release: %v", err)
	}

	if again.ID != release.ID {
		t.Errorf("expected stable release id, got %s then %s", release.ID, again.ID)
	}

	module, err := store.UpsertModule(ctx, release.ID, "gateway")
	if err != nil {
		t.Fatalf("upsert module: %v", err)
	}

	job, err := store.UpsertJob(ctx, &ingestion.Job{
		ModuleID:   module.ID,
		JobID:      "11",
		JenkinsURL: "https://ci.example.com/job/gateway/11",
		Version:    "2.0.1",
	})
	if err != nil {
		t.Fatalf("upsert job: %v", err)
	}

	if job.Total != 0 {
		t.Errorf("expected fresh job to have zero counts, got %d", job.Total)
	}

	sameJob, err := store.UpsertJob(ctx, &ingestion.Job{
		ModuleID:   module.ID,
		JobID:      "11",
		JenkinsURL: "https://ci.example.com/job/gateway/11-updated",
	})
	if err != nil {
		t.Fatalf("re-upsert job: %v", err)
	}

	if sameJob.ID != job.ID {
		t.Errorf("expected stable job id across re-imports, got %s then %s", job.ID, sameJob.ID)
	}

	if sameJob.JenkinsURL != "https://ci.example.com/job/gateway/11" {
		t.Errorf("expected already-filled jenkins_url to be kept on re-upsert, got %q", sameJob.JenkinsURL)
	}
}

func TestStoreReplaceTestResultsIsIdempotent(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()

	release, err := store.UpsertRelease(ctx, "release-2.0")
	if err != nil {
		t.Fatalf("upsert release: %v", err)
	}

	module, err := store.UpsertModule(ctx, release.ID, "gateway")
	if err != nil {
		t.Fatalf("upsert module: %v", err)
	}

	job, err := store.UpsertJob(ctx, &ingestion.Job{ModuleID: module.ID, JobID: "11"})
	if err != nil {
		t.Fatalf("upsert job: %v", err)
	}

	results := []*ingestion.TestResult{
		{JobID: job.ID, TestName: "test_a", Status: ingestion.TestStatusPassed},
		{JobID: job.ID, TestName: "test_b", Status: ingestion.TestStatusFailed, Message: "assertion failed"},
	}

	count, err := store.ReplaceTestResults(ctx, job.ID, results, 0)
	if err != nil {
		t.Fatalf("replace test results: %v", err)
	}

	if count != 2 {
		t.Errorf("expected 2 inserted, got %d", count)
	}

	// Re-running the same import must fully replace, not duplicate, rows.
	count, err = store.ReplaceTestResults(ctx, job.ID, results, 1)
	if err != nil {
		t.Fatalf("replace test results again: %v", err)
	}

	if count != 2 {
		t.Errorf("expected 2 inserted on re-run, got %d", count)
	}

	job.RecomputeCounts(results)

	if err := store.UpdateJobCounts(ctx, job); err != nil {
		t.Fatalf("update job counts: %v", err)
	}

	if err := store.AdvanceWatermark(ctx, release.ID, 11); err != nil {
		t.Fatalf("advance watermark: %v", err)
	}

	fetched, found, err := store.GetRelease(ctx, "release-2.0")
	if err != nil {
		t.Fatalf("get release: %v", err)
	}

	if !found {
		t.Fatal("expected release to be found")
	}

	if fetched.LastProcessedBuild != 11 {
		t.Errorf("expected watermark 11, got %d", fetched.LastProcessedBuild)
	}

	// Watermark never moves backwards.
	if err := store.AdvanceWatermark(ctx, release.ID, 3); err != nil {
		t.Fatalf("advance watermark backwards: %v", err)
	}

	fetched, _, err = store.GetRelease(ctx, "release-2.0")
	if err != nil {
		t.Fatalf("get release again: %v", err)
	}

	if fetched.LastProcessedBuild != 11 {
		t.Errorf("expected watermark to stay at 11, got %d", fetched.LastProcessedBuild)
	}
}

func TestStoreGetReleaseNotFound(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	_, found, err := store.GetRelease(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if found {
		t.Fatal("expected release not to be found")
	}
}

func TestStoreSyncLockCheckAndSet(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()

	if err := store.TryAcquireSyncLock(ctx, "all"); err != nil {
		t.Fatalf("expected first acquire to succeed: %v", err)
	}

	err := store.TryAcquireSyncLock(ctx, "all")
	if err == nil {
		t.Fatal("expected second concurrent acquire to fail")
	}

	if err := store.ReleaseSyncLock(ctx, "all"); err != nil {
		t.Fatalf("release sync lock: %v", err)
	}

	if err := store.TryAcquireSyncLock(ctx, "all"); err != nil {
		t.Fatalf("expected acquire after release to succeed: %v", err)
	}
}
