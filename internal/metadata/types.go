// Package metadata implements component H, the Metadata Synchronizer: git
// clone/pull of a test source tree, AST-level discovery of test metadata,
// and baseline/override upsert with release-specific layering (spec §4.H).
package metadata

import (
	"context"
	"time"

	"github.com/testwatch/testwatch/internal/analytics"
)

// TestState classifies a test as currently staged or promoted to production
// (spec §3 "test_state ∈ {PROD,STAGING}").
type TestState string

const (
	TestStateProd    TestState = "PROD"
	TestStateStaging TestState = "STAGING"
)

// Testcase is one row of testcase_metadata: either the global baseline
// (ReleaseID == "") or a release-specific override that differs from it
// (spec §3 "TestcaseMetadata").
type Testcase struct {
	ID             string
	TestcaseName   string
	ReleaseID      string // empty means the global baseline row
	TestClassName  string
	Module         string
	Topology       string
	TestState      TestState
	TestCaseID     string
	TestrailID     string
	Priority       analytics.Priority
	TestPath       string
	UpdatedAt      time.Time
}

// SyncLog is one row of metadata_sync_log, recording the outcome of a single
// synchronizer run (spec §4.H).
type SyncLog struct {
	ID             string
	ReleaseID      string // empty for an all-releases sync
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         string // "running", "succeeded", "failed"
	FilesScanned   int
	FilesFailed    int
	TestsUpserted  int
	TestsUnchanged int
	ErrorDetails   string // JSON-encoded, optional
}

// DiscoveredTest is one test symbol found by AST discovery, before it is
// matched against existing baseline/override rows.
type DiscoveredTest struct {
	TestcaseName  string
	TestClassName string
	Module        string
	Topology      string
	TestState     TestState
	TestCaseID    string
	TestrailID    string
	Priority      analytics.Priority
	TestPath      string
}

// Store is the persistence interface the Synchronizer needs from the
// Storage Layer. Defined here, implemented by internal/storage, per the
// same Dependency Inversion pattern as ingestion.Store and scheduler.Store.
type Store interface {
	// GetBaselineMetadata returns the global baseline row for testcaseName,
	// or (nil, false) if none exists yet.
	GetBaselineMetadata(ctx context.Context, testcaseName string) (*Testcase, bool, error)

	// GetOverrideMetadata returns the release-specific override row for
	// (testcaseName, releaseID), or (nil, false) if none exists.
	GetOverrideMetadata(ctx context.Context, testcaseName, releaseID string) (*Testcase, bool, error)

	// UpsertBaselineMetadata creates or updates the global baseline row. The
	// sync never deletes baseline rows (spec §9, decided: never deleted).
	UpsertBaselineMetadata(ctx context.Context, t *Testcase) error

	// UpsertOverrideMetadata creates or updates a release-specific override row.
	UpsertOverrideMetadata(ctx context.Context, t *Testcase) error

	// DeleteOverrideMetadata removes an override row whose fields now match
	// the baseline, per spec §4.H step "prunes override rows".
	DeleteOverrideMetadata(ctx context.Context, testcaseName, releaseID string) error

	// InsertSyncLog persists the outcome of one synchronizer run.
	InsertSyncLog(ctx context.Context, log *SyncLog) error

	// TryAcquireSyncLock claims scope ("all" or a release id) for the
	// duration of a sync, returning ErrSyncAlreadyInProgress if already held.
	TryAcquireSyncLock(ctx context.Context, scope string) error

	// ReleaseSyncLock releases a previously claimed scope.
	ReleaseSyncLock(ctx context.Context, scope string) error
}
