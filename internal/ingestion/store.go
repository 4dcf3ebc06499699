package ingestion

import "context"

// Store defines the persistence interface the Import Service needs from the
// Storage Layer (§4.C). The domain package defines this interface so that
// ingestion logic does not depend on a concrete database; internal/storage
// provides the PostgreSQL implementation (Dependency Inversion Principle).
type Store interface {
	// UpsertRelease finds or creates a Release by name, per §4.D step 1.
	UpsertRelease(ctx context.Context, name string) (*Release, error)

	// UpsertModule finds or creates a Module by (release_id, name), per §4.D step 1.
	UpsertModule(ctx context.Context, releaseID, name string) (*Module, error)

	// UpsertJob finds or creates a Job by (module_id, job_id), write-through
	// filling parent_job_id/version/jenkins_url when the existing row has them
	// NULL, per §4.D step 2.
	UpsertJob(ctx context.Context, job *Job) (*Job, error)

	// ReplaceTestResults deletes all TestResult rows for jobID and bulk-inserts
	// results in batches of at most batchSize, per §4.D step 3. Returns the
	// number of rows inserted.
	ReplaceTestResults(ctx context.Context, jobID string, results []*TestResult, batchSize int) (int, error)

	// UpdateJobCounts writes the recomputed Total/Passed/Failed/Skipped/Error
	// counts for a Job, per §4.D step 4.
	UpdateJobCounts(ctx context.Context, job *Job) error

	// AdvanceWatermark sets release.last_processed_build atomically. Only the
	// Scheduler may call this (§5); the Import Service never calls it directly.
	AdvanceWatermark(ctx context.Context, releaseID string, parentBuild int) error

	// GetRelease returns a Release by name, or (nil, false) if not found.
	GetRelease(ctx context.Context, name string) (*Release, bool, error)

	// ListActiveReleases returns every Release with is_active = true, for the
	// Scheduler to spawn one poll ticker per release (§4.E).
	ListActiveReleases(ctx context.Context) ([]*Release, error)

	// HealthCheck verifies the storage backend is healthy and ready to serve requests.
	HealthCheck(ctx context.Context) error
}

// ImportResult is the outcome of one import_job invocation (§4.D public contract).
type ImportResult struct {
	JobID     string
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	Error     int
	Inserted  int
	Duplicate bool // true when the (release, module, module_build) was already imported unchanged
}
