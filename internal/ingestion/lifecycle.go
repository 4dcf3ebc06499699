package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/im7mortal/kmutex"
)

// Sentinel errors for the Import Service.
var (
	// ErrNilArtifactReader indicates a nil artifact reader was passed to ImportJob.
	ErrNilArtifactReader = errors.New("artifact reader cannot be nil")

	// ErrImportAborted indicates the import transaction was rolled back.
	ErrImportAborted = errors.New("import aborted")
)

const (
	// defaultBatchSize caps the rows written per insert batch, per §4.D step 3.
	defaultBatchSize = 5000
)

// Parser is the subset of the Artifact Parser (§4.A) the Import Service needs:
// a lazy sequence of normalized outcomes from one artifact reader.
type Parser interface {
	Parse(reader io.Reader) ([]*TestResult, error)
}

// ImportService implements the Import Service (component D): idempotent
// upsert of one (release, module, build) into the store from a parsed artifact.
type ImportService struct {
	store     Store
	parser    Parser
	validator *Validator
	batchSize int
	locks     *kmutex.Kmutex
}

// NewImportService wires an ImportService over the given Store and Parser.
// batchSize defaults to 5000 (§4.D step 3) when zero or negative.
func NewImportService(store Store, parser Parser, batchSize int) *ImportService {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &ImportService{
		store:     store,
		parser:    parser,
		validator: NewValidator(),
		batchSize: batchSize,
		locks:     kmutex.New(),
	}
}

// importKey identifies the (release, module, build) triple ImportJob
// serializes on, so two concurrent deliveries of the same build never
// interleave their upsert/replace/recompute steps (§4.D, §5).
func importKey(params ImportParams) string {
	return params.ReleaseName + "/" + params.ModuleName + "/" + strconv.Itoa(params.ModuleBuild)
}

// ImportJob performs the import_job algorithm described in §4.D:
//
//  1. Upsert Release by name; upsert Module by (release, name).
//  2. Upsert Job by (module_id, module_build); write-through parent_job_id/version.
//  3. Delete existing TestResults for the Job, then bulk-insert parsed outcomes.
//  4. Recompute and write the Job's status counts from the inserted rows.
//  5. Commit. On any failure, the caller's outer poller records failure but does
//     not advance the release watermark past this build.
//
// Exactly-once semantics under retry: idempotent on (release_name, module_name,
// module_build); re-running with the same artifact content leaves the store
// byte-identical.
func (s *ImportService) ImportJob(
	ctx context.Context,
	params ImportParams,
	artifactReader io.Reader,
) (*ImportResult, error) {
	if err := s.validator.ValidateImportParams(params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImportAborted, err)
	}

	if artifactReader == nil {
		return nil, fmt.Errorf("%w: %w", ErrImportAborted, ErrNilArtifactReader)
	}

	key := importKey(params)
	s.locks.Lock(key)

	defer s.locks.Unlock(key)

	results, err := s.parser.Parse(artifactReader)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact parse failed: %w", ErrImportAborted, err)
	}

	release, err := s.store.UpsertRelease(ctx, params.ReleaseName)
	if err != nil {
		return nil, fmt.Errorf("%w: release upsert failed: %w", ErrImportAborted, err)
	}

	module, err := s.store.UpsertModule(ctx, release.ID, params.ModuleName)
	if err != nil {
		return nil, fmt.Errorf("%w: module upsert failed: %w", ErrImportAborted, err)
	}

	job := &Job{
		ModuleID:    module.ID,
		JobID:       strconv.Itoa(params.ModuleBuild),
		ParentJobID: strconv.Itoa(params.ParentBuild),
		Version:     params.Version,
	}

	job, err = s.store.UpsertJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("%w: job upsert failed: %w", ErrImportAborted, err)
	}

	for _, r := range results {
		r.JobID = job.ID

		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%w: test result validation failed for %q: %w", ErrImportAborted, r.TestName, err)
		}
	}

	inserted, err := s.store.ReplaceTestResults(ctx, job.ID, results, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: test result replace failed: %w", ErrImportAborted, err)
	}

	job.RecomputeCounts(results)

	if err := s.store.UpdateJobCounts(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: job count update failed: %w", ErrImportAborted, err)
	}

	return &ImportResult{
		JobID:    job.ID,
		Total:    job.Total,
		Passed:   job.Passed,
		Failed:   job.Failed,
		Skipped:  job.Skipped,
		Error:    job.Error,
		Inserted: inserted,
	}, nil
}
