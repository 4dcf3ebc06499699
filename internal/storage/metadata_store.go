package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/testwatch/testwatch/internal/analytics"
	"github.com/testwatch/testwatch/internal/metadata"
)

// Store implements metadata.Store (read/write path consumed by the Metadata
// Synchronizer, spec §4.H) against the testcase_metadata and
// metadata_sync_log tables.
var _ metadata.Store = (*Store)(nil)

// GetBaselineMetadata fetches the baseline (release_id IS NULL) row for
// testcaseName, if one exists.
func (s *Store) GetBaselineMetadata(ctx context.Context, testcaseName string) (*metadata.Testcase, bool, error) {
	return s.getTestcaseMetadata(ctx, testcaseName, sql.NullInt64{})
}

// GetOverrideMetadata fetches the release-scoped override row for
// (testcaseName, releaseID), if one exists.
func (s *Store) GetOverrideMetadata(ctx context.Context, testcaseName, releaseID string) (*metadata.Testcase, bool, error) {
	releaseIDInt, err := strconv.ParseInt(releaseID, 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("%w: release id %q", ErrJobIDInvalid, releaseID)
	}

	return s.getTestcaseMetadata(ctx, testcaseName, sql.NullInt64{Int64: releaseIDInt, Valid: true})
}

func (s *Store) getTestcaseMetadata(ctx context.Context, testcaseName string, releaseID sql.NullInt64) (*metadata.Testcase, bool, error) {
	const query = `
		SELECT id, testcase_name, release_id, test_class_name, module, topology,
			test_state, test_case_id, testrail_id, priority, test_path, updated_at
		FROM testcase_metadata
		WHERE testcase_name = $1 AND release_id IS NOT DISTINCT FROM $2
	`

	row := s.conn.QueryRowContext(ctx, query, testcaseName, releaseID)

	t, err := scanTestcaseMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("get testcase metadata %q: %w", testcaseName, err)
	}

	return t, true, nil
}

// UpsertBaselineMetadata creates or refreshes the baseline (release_id IS
// NULL) row for t.TestcaseName.
func (s *Store) UpsertBaselineMetadata(ctx context.Context, t *metadata.Testcase) error {
	return s.upsertTestcaseMetadata(ctx, t, sql.NullInt64{})
}

// UpsertOverrideMetadata creates or refreshes the release-scoped override row
// identified by (t.TestcaseName, t.ReleaseID).
func (s *Store) UpsertOverrideMetadata(ctx context.Context, t *metadata.Testcase) error {
	releaseIDInt, err := strconv.ParseInt(t.ReleaseID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: release id %q", ErrJobIDInvalid, t.ReleaseID)
	}

	return s.upsertTestcaseMetadata(ctx, t, sql.NullInt64{Int64: releaseIDInt, Valid: true})
}

func (s *Store) upsertTestcaseMetadata(ctx context.Context, t *metadata.Testcase, releaseID sql.NullInt64) error {
	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	const query = `
		INSERT INTO testcase_metadata
			(testcase_name, release_id, test_class_name, module, topology,
			 test_state, test_case_id, testrail_id, priority, test_path, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (testcase_name, release_id) DO UPDATE SET
			test_class_name = EXCLUDED.test_class_name,
			module          = EXCLUDED.module,
			topology        = EXCLUDED.topology,
			test_state      = EXCLUDED.test_state,
			test_case_id    = EXCLUDED.test_case_id,
			testrail_id     = EXCLUDED.testrail_id,
			priority        = EXCLUDED.priority,
			test_path       = EXCLUDED.test_path,
			updated_at      = now()
	`

	testState := t.TestState
	if testState == "" {
		testState = metadata.TestStateProd
	}

	_, err := s.conn.ExecContext(ctx, query,
		t.TestcaseName, releaseID, nullableString(t.TestClassName), nullableString(t.Module),
		nullableString(t.Topology), testState, nullableString(t.TestCaseID),
		nullableString(t.TestrailID), nullableString(string(t.Priority)), nullableString(t.TestPath),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return fmt.Errorf("%w: release %s", ErrForeignKeyViolation, t.ReleaseID)
		}

		return fmt.Errorf("upsert testcase metadata %q: %w", t.TestcaseName, err)
	}

	return nil
}

// DeleteOverrideMetadata removes a release-scoped override row, used when a
// re-sync discovers the override now matches the baseline again (spec §4.H,
// "pruned once its values match the baseline row").
func (s *Store) DeleteOverrideMetadata(ctx context.Context, testcaseName, releaseID string) error {
	releaseIDInt, err := strconv.ParseInt(releaseID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: release id %q", ErrJobIDInvalid, releaseID)
	}

	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	const query = `DELETE FROM testcase_metadata WHERE testcase_name = $1 AND release_id = $2`

	if _, err := s.conn.ExecContext(ctx, query, testcaseName, releaseIDInt); err != nil {
		return fmt.Errorf("delete override metadata %q: %w", testcaseName, err)
	}

	return nil
}

// InsertSyncLog records the outcome of one Metadata Synchronizer run.
func (s *Store) InsertSyncLog(ctx context.Context, log *metadata.SyncLog) error {
	var releaseID sql.NullInt64

	if log.ReleaseID != "" {
		id, err := strconv.ParseInt(log.ReleaseID, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: release id %q", ErrJobIDInvalid, log.ReleaseID)
		}

		releaseID = sql.NullInt64{Int64: id, Valid: true}
	}

	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	const query = `
		INSERT INTO metadata_sync_log
			(release_id, started_at, finished_at, status, files_scanned, files_failed,
			 tests_upserted, tests_unchanged, error_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	var id int64

	var finishedAt sql.NullTime
	if log.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *log.FinishedAt, Valid: true}
	}

	err := s.conn.QueryRowContext(ctx, query,
		releaseID, log.StartedAt, finishedAt, log.Status,
		log.FilesScanned, log.FilesFailed, log.TestsUpserted, log.TestsUnchanged,
		nullableString(log.ErrorDetails),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert metadata sync log: %w", err)
	}

	log.ID = strconv.FormatInt(id, 10)

	return nil
}

func scanTestcaseMetadata(row *sql.Row) (*metadata.Testcase, error) {
	var (
		id                                                                 int64
		releaseID                                                         sql.NullInt64
		testClassName, module, topology, testCaseID, testrailID, priority sql.NullString
		testPath                                                          sql.NullString
		testState                                                         string
	)

	t := &metadata.Testcase{}

	err := row.Scan(
		&id, &t.TestcaseName, &releaseID, &testClassName, &module, &topology,
		&testState, &testCaseID, &testrailID, &priority, &testPath, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ID = strconv.FormatInt(id, 10)

	if releaseID.Valid {
		t.ReleaseID = strconv.FormatInt(releaseID.Int64, 10)
	}

	t.TestClassName = testClassName.String
	t.Module = module.String
	t.Topology = topology.String
	t.TestState = metadata.TestState(testState)
	t.TestCaseID = testCaseID.String
	t.TestrailID = testrailID.String
	t.Priority = analytics.Priority(priority.String)
	t.TestPath = testPath.String

	return t, nil
}
