package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/testwatch/testwatch/internal/config"
	"github.com/testwatch/testwatch/internal/ingestion"
)

// Sentinel errors for the PostgreSQL-backed store.
var (
	// ErrNoDatabaseConnection is returned when a nil connection is supplied to NewStore.
	ErrNoDatabaseConnection = errors.New("no database connection provided")

	// ErrInvalidCleanupInterval is returned when a non-positive stale-lock cleanup interval is provided.
	ErrInvalidCleanupInterval = errors.New("cleanup interval must be greater than zero")

	// ErrReleaseNotFound is returned when a lookup finds no matching release row.
	ErrReleaseNotFound = errors.New("release not found")

	// ErrJobIDInvalid is returned when a job id cannot be parsed as the internal numeric row id.
	ErrJobIDInvalid = errors.New("job id is not a valid internal identifier")

	// ErrForeignKeyViolation wraps a Postgres 23503 error on any of the domain tables.
	ErrForeignKeyViolation = errors.New("foreign key violation: referenced row does not exist")

	// ErrSyncAlreadyInProgress is returned by TryAcquireSyncLock when the scope is already locked.
	ErrSyncAlreadyInProgress = errors.New("metadata sync already in progress for this scope")

	// Store implements ingestion.Store (write path consumed by the Import Service).
	_ ingestion.Store = (*Store)(nil)
)

// Cleanup configuration constants for the stale metadata-sync-lock reaper.
const (
	// cleanupQueryTimeout bounds a single stale-lock sweep.
	cleanupQueryTimeout = 30 * time.Second
	// shutdownTimeout bounds how long Close waits for the cleanup goroutine to exit.
	shutdownTimeout = 5 * time.Second
	// defaultStaleLockTTL reclaims a sync lock abandoned by a crashed synchronizer run.
	defaultStaleLockTTL = 2 * time.Hour
)

type (
	// Store implements ingestion.Store with a PostgreSQL backend.
	//
	// It owns the releases/modules/jobs/test_results tables (spec §4.C) and the
	// metadata_sync_locks check-and-set guard used by the Metadata Synchronizer
	// (spec §5, "manual-trigger endpoints must check-and-set"). A background
	// goroutine periodically reclaims sync locks abandoned by a crashed sync run.
	Store struct {
		conn            *Connection
		logger          *slog.Logger
		cleanupInterval time.Duration
		staleLockTTL    time.Duration
		cleanupStop     chan struct{}
		cleanupDone     chan struct{}
		closeOnce       sync.Once
		writePermit     chan struct{}
	}

	// StoreOption configures optional Store behavior.
	StoreOption func(*Store)
)

// WithLogger overrides the default stdout JSON logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithStaleLockTTL overrides how long a metadata_sync_locks row may live before
// the cleanup goroutine considers it abandoned and reclaims it.
func WithStaleLockTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.staleLockTTL = ttl
	}
}

// NewStore creates a PostgreSQL-backed Store with a background stale-lock reaper.
// Returns ErrNoDatabaseConnection if conn is nil, ErrInvalidCleanupInterval if
// cleanupInterval is not positive.
func NewStore(conn *Connection, cleanupInterval time.Duration, opts ...StoreOption) (*Store, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if cleanupInterval <= 0 {
		return nil, ErrInvalidCleanupInterval
	}

	store := &Store{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		cleanupInterval: cleanupInterval,
		staleLockTTL:    defaultStaleLockTTL,
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		writePermit:     make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(store)
	}

	go store.runCleanup()

	store.logger.Info("started metadata sync lock reaper", slog.Duration("interval", cleanupInterval))

	return store, nil
}

// Close stops the cleanup goroutine gracefully. Safe to call multiple times.
// Does NOT close the underlying database connection, which is owned externally.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.cleanupStop)

		select {
		case <-s.cleanupDone:
			s.logger.Info("sync lock reaper stopped gracefully")
		case <-time.After(shutdownTimeout):
			s.logger.Warn("sync lock reaper did not stop within timeout")
		}
	})

	return nil
}

// acquireWrite blocks until the single write permit is free, serializing
// mutating methods against each other to avoid lock churn on the underlying
// connection pool (spec §4.C, "writes are serialized by a single write-permit
// semaphore"). Read methods do not acquire it.
func (s *Store) acquireWrite(ctx context.Context) error {
	select {
	case s.writePermit <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) releaseWrite() {
	<-s.writePermit
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// UpsertRelease fetches the release row for name, creating it if absent.
//
// Uses a no-op DO UPDATE (rather than DO NOTHING) so RETURNING reports the row
// on both the insert and the conflict path.
func (s *Store) UpsertRelease(ctx context.Context, name string) (*ingestion.Release, error) {
	if err := s.acquireWrite(ctx); err != nil {
		return nil, err
	}
	defer s.releaseWrite()

	const query = `
		INSERT INTO releases (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, jenkins_job_url, git_branch, is_active, last_processed_build, created_at
	`

	release := &ingestion.Release{}

	var id int64

	var jenkinsURL, gitBranch sql.NullString

	err := s.conn.QueryRowContext(ctx, query, name).Scan(
		&id, &release.Name, &jenkinsURL, &gitBranch, &release.IsActive, &release.LastProcessedBuild, &release.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert release %q: %w", name, err)
	}

	release.ID = strconv.FormatInt(id, 10)
	release.JenkinsJobURL = jenkinsURL.String
	release.GitBranch = gitBranch.String

	return release, nil
}

// UpsertModule fetches the module row for (releaseID, name), creating it if absent.
func (s *Store) UpsertModule(ctx context.Context, releaseID, name string) (*ingestion.Module, error) {
	releaseIDInt, err := strconv.ParseInt(releaseID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: release id %q", ErrJobIDInvalid, releaseID)
	}

	if err := s.acquireWrite(ctx); err != nil {
		return nil, err
	}
	defer s.releaseWrite()

	const query = `
		INSERT INTO modules (release_id, name)
		VALUES ($1, $2)
		ON CONFLICT (release_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, release_id, name, created_at
	`

	module := &ingestion.Module{}

	var id, scannedReleaseID int64

	if err := s.conn.QueryRowContext(ctx, query, releaseIDInt, name).Scan(
		&id, &scannedReleaseID, &module.Name, &module.CreatedAt,
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return nil, fmt.Errorf("%w: release %s", ErrForeignKeyViolation, releaseID)
		}

		return nil, fmt.Errorf("upsert module %q: %w", name, err)
	}

	module.ID = strconv.FormatInt(id, 10)
	module.ReleaseID = strconv.FormatInt(scannedReleaseID, 10)

	return module, nil
}

// UpsertJob fetches or creates the job row identified by (module_id, job_id).
// On conflict, fills descriptive metadata (parent_job_id, jenkins_url,
// version, timestamp) only where the existing row still has it NULL, never
// overwriting an already-filled value (spec §4.D step 2, "write-through: if
// Job existed and these fields were NULL, fill them"). A later poll of the
// same build that fails to resolve e.g. version must not erase a value a
// prior successful poll already wrote. Pass/fail counters are untouched here;
// those are only ever written by UpdateJobCounts after test results have been
// replaced.
func (s *Store) UpsertJob(ctx context.Context, job *ingestion.Job) (*ingestion.Job, error) {
	moduleIDInt, err := strconv.ParseInt(job.ModuleID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: module id %q", ErrJobIDInvalid, job.ModuleID)
	}

	if err := s.acquireWrite(ctx); err != nil {
		return nil, err
	}
	defer s.releaseWrite()

	const query = `
		INSERT INTO jobs (module_id, job_id, parent_job_id, jenkins_url, version, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (module_id, job_id) DO UPDATE SET
			parent_job_id = COALESCE(jobs.parent_job_id, EXCLUDED.parent_job_id),
			jenkins_url   = COALESCE(jobs.jenkins_url, EXCLUDED.jenkins_url),
			version       = COALESCE(jobs.version, EXCLUDED.version),
			"timestamp"   = COALESCE(jobs."timestamp", EXCLUDED."timestamp")
		RETURNING id, module_id, job_id, parent_job_id, jenkins_url, version,
			total, passed, failed, skipped, error, "timestamp", created_at
	`

	var (
		id, scannedModuleID               int64
		parentJobID, jenkinsURL, version   sql.NullString
		timestamp                         sql.NullTime
		total, passed, failed, skipped, errored int
	)

	result := &ingestion.Job{}

	scanErr := s.conn.QueryRowContext(ctx, query,
		moduleIDInt, job.JobID, nullableString(job.ParentJobID), nullableString(job.JenkinsURL),
		nullableString(job.Version), nullableTime(job.Timestamp),
	).Scan(
		&id, &scannedModuleID, &result.JobID, &parentJobID, &jenkinsURL, &version,
		&total, &passed, &failed, &skipped, &errored, &timestamp, &result.CreatedAt,
	)
	if scanErr != nil {
		var pqErr *pq.Error
		if errors.As(scanErr, &pqErr) && pqErr.Code == "23503" {
			return nil, fmt.Errorf("%w: module %s", ErrForeignKeyViolation, job.ModuleID)
		}

		return nil, fmt.Errorf("upsert job %q: %w", job.JobID, scanErr)
	}

	result.ID = strconv.FormatInt(id, 10)
	result.ModuleID = strconv.FormatInt(scannedModuleID, 10)
	result.ParentJobID = parentJobID.String
	result.JenkinsURL = jenkinsURL.String
	result.Version = version.String
	result.Total, result.Passed, result.Failed, result.Skipped, result.Error = total, passed, failed, skipped, errored

	if timestamp.Valid {
		result.Timestamp = timestamp.Time
	}

	return result, nil
}

// ReplaceTestResults deletes any existing test_results rows for jobID and
// inserts results in batches of batchSize, all within a single transaction.
// This implements the "full replace" semantics required for re-running the
// same (release, module, build) import idempotently (spec §4.D, §8).
func (s *Store) ReplaceTestResults(
	ctx context.Context,
	jobID string,
	results []*ingestion.TestResult,
	batchSize int,
) (int, error) {
	jobIDInt, err := strconv.ParseInt(jobID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: job id %q", ErrJobIDInvalid, jobID)
	}

	if batchSize <= 0 {
		batchSize = len(results)
		if batchSize == 0 {
			batchSize = 1
		}
	}

	if err := s.acquireWrite(ctx); err != nil {
		return 0, err
	}
	defer s.releaseWrite()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin test result replace transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM test_results WHERE job_id = $1`, jobIDInt); err != nil {
		return 0, fmt.Errorf("delete existing test results for job %s: %w", jobID, err)
	}

	const insertStmt = `
		INSERT INTO test_results (
			job_id, test_name, file_path, status, duration_sec,
			message, stack_trace, testcase_module, priority, bug
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	inserted := 0

	for start := 0; start < len(results); start += batchSize {
		end := start + batchSize
		if end > len(results) {
			end = len(results)
		}

		for _, tr := range results[start:end] {
			_, err := tx.ExecContext(ctx, insertStmt,
				jobIDInt, tr.TestName, nullableString(tr.FilePath), string(tr.Status), nullableDuration(tr),
				nullableString(tr.Message), nullableString(tr.StackTrace), nullableString(tr.TestcaseModule),
				nullableString(tr.Priority), nullableString(tr.Bug),
			)
			if err != nil {
				var pqErr *pq.Error
				if errors.As(err, &pqErr) && pqErr.Code == "23503" {
					return 0, fmt.Errorf("%w: job %s", ErrForeignKeyViolation, jobID)
				}

				return 0, fmt.Errorf("insert test result %q: %w", tr.TestName, err)
			}

			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit test result replace transaction: %w", err)
	}

	s.logger.Info("replaced test results",
		slog.String("job_id", jobID),
		slog.Int("count", inserted),
	)

	return inserted, nil
}

// UpdateJobCounts persists the pass/fail/skip/error counters already computed
// on job (via Job.RecomputeCounts) back to the jobs row.
func (s *Store) UpdateJobCounts(ctx context.Context, job *ingestion.Job) error {
	jobIDInt, err := strconv.ParseInt(job.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: job id %q", ErrJobIDInvalid, job.ID)
	}

	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	const query = `
		UPDATE jobs SET total = $1, passed = $2, failed = $3, skipped = $4, error = $5
		WHERE id = $6
	`

	if _, err := s.conn.ExecContext(ctx, query,
		job.Total, job.Passed, job.Failed, job.Skipped, job.Error, jobIDInt,
	); err != nil {
		return fmt.Errorf("update job counts for job %s: %w", job.ID, err)
	}

	return nil
}

// AdvanceWatermark raises releases.last_processed_build to parentBuild, never
// lowering it. Watermark rollback on stale build-maps is explicitly out of
// scope (spec §9 open question, decided non-decreasing only).
func (s *Store) AdvanceWatermark(ctx context.Context, releaseID string, parentBuild int) error {
	releaseIDInt, err := strconv.ParseInt(releaseID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: release id %q", ErrJobIDInvalid, releaseID)
	}

	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	const query = `
		UPDATE releases SET last_processed_build = GREATEST(last_processed_build, $1)
		WHERE id = $2
	`

	if _, err := s.conn.ExecContext(ctx, query, parentBuild, releaseIDInt); err != nil {
		return fmt.Errorf("advance watermark for release %s: %w", releaseID, err)
	}

	return nil
}

// GetRelease looks up a release by name. The second return value reports
// whether a row was found; (nil, false, nil) means "not found, not an error".
func (s *Store) GetRelease(ctx context.Context, name string) (*ingestion.Release, bool, error) {
	const query = `
		SELECT id, name, jenkins_job_url, git_branch, is_active, last_processed_build, created_at
		FROM releases WHERE name = $1
	`

	release := &ingestion.Release{}

	var id int64

	var jenkinsURL, gitBranch sql.NullString

	err := s.conn.QueryRowContext(ctx, query, name).Scan(
		&id, &release.Name, &jenkinsURL, &gitBranch, &release.IsActive, &release.LastProcessedBuild, &release.CreatedAt,
	)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("get release %q: %w", name, err)
	}

	release.ID = strconv.FormatInt(id, 10)
	release.JenkinsJobURL = jenkinsURL.String
	release.GitBranch = gitBranch.String

	return release, true, nil
}

// ListActiveReleases returns every release with is_active = true, ordered by
// name, for the Scheduler to spawn one poll ticker per release (spec §4.E).
func (s *Store) ListActiveReleases(ctx context.Context) ([]*ingestion.Release, error) {
	const query = `
		SELECT id, name, jenkins_job_url, git_branch, is_active, last_processed_build, created_at
		FROM releases WHERE is_active = true ORDER BY name
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active releases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var releases []*ingestion.Release

	for rows.Next() {
		release := &ingestion.Release{}

		var id int64

		var jenkinsURL, gitBranch sql.NullString

		if err := rows.Scan(
			&id, &release.Name, &jenkinsURL, &gitBranch, &release.IsActive, &release.LastProcessedBuild, &release.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan active release row: %w", err)
		}

		release.ID = strconv.FormatInt(id, 10)
		release.JenkinsJobURL = jenkinsURL.String
		release.GitBranch = gitBranch.String
		releases = append(releases, release)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active releases: %w", err)
	}

	return releases, nil
}

// TryAcquireSyncLock attempts to claim scope ("all", or a release id) for an
// in-flight metadata sync. Returns ErrSyncAlreadyInProgress if already held.
func (s *Store) TryAcquireSyncLock(ctx context.Context, scope string) error {
	const query = `
		INSERT INTO metadata_sync_locks (scope) VALUES ($1)
		ON CONFLICT (scope) DO NOTHING
	`

	result, err := s.conn.ExecContext(ctx, query, scope)
	if err != nil {
		return fmt.Errorf("acquire sync lock %q: %w", scope, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire sync lock %q: %w", scope, err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: scope %q", ErrSyncAlreadyInProgress, scope)
	}

	return nil
}

// ReleaseSyncLock releases a previously acquired scope. Safe to call on a
// scope that is not currently locked.
func (s *Store) ReleaseSyncLock(ctx context.Context, scope string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM metadata_sync_locks WHERE scope = $1`, scope); err != nil {
		return fmt.Errorf("release sync lock %q: %w", scope, err)
	}

	return nil
}

// runCleanup is the background goroutine that periodically reclaims sync
// locks abandoned by a crashed metadata-sync run. Runs on a ticker until
// cleanupStop is closed via Close().
func (s *Store) runCleanup() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.cleanupStop:
			cancel()
			s.logger.Info("stopping sync lock reaper")

			return
		case <-ticker.C:
			cleanupCtx, cleanupCancel := context.WithTimeout(ctx, cleanupQueryTimeout)
			s.reclaimStaleLocks(cleanupCtx)
			cleanupCancel()
		}
	}
}

// reclaimStaleLocks deletes metadata_sync_locks rows older than staleLockTTL.
// Failures are logged but never crash the reaper goroutine.
func (s *Store) reclaimStaleLocks(ctx context.Context) {
	const query = `DELETE FROM metadata_sync_locks WHERE acquired_at < $1`

	result, err := s.conn.ExecContext(ctx, query, time.Now().Add(-s.staleLockTTL))
	if err != nil {
		s.logger.Error("failed to reclaim stale sync locks", slog.String("error", err.Error()))

		return
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return
	}

	if rows > 0 {
		s.logger.Warn("reclaimed abandoned sync locks", slog.Int64("count", rows))
	}
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{Valid: false}
	}

	return sql.NullString{String: value, Valid: true}
}

func nullableTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{Valid: false}
	}

	return sql.NullTime{Time: value, Valid: true}
}

func nullableDuration(tr *ingestion.TestResult) sql.NullFloat64 {
	if !tr.HasDuration {
		return sql.NullFloat64{Valid: false}
	}

	return sql.NullFloat64{Float64: tr.DurationSec, Valid: true}
}
