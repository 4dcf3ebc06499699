package ingestion

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// fakeStore is an in-memory Store stub for testing the Import Service's
// orchestration logic independent of a real database.
type fakeStore struct {
	releases    map[string]*Release
	modules     map[string]*Module
	jobs        map[string]*Job
	testResults map[string][]*TestResult

	failUpsertRelease bool
	failReplace       bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		releases:    make(map[string]*Release),
		modules:     make(map[string]*Module),
		jobs:        make(map[string]*Job),
		testResults: make(map[string][]*TestResult),
	}
}

func (f *fakeStore) UpsertRelease(_ context.Context, name string) (*Release, error) {
	if f.failUpsertRelease {
		return nil, errors.New("boom")
	}

	if r, ok := f.releases[name]; ok {
		return r, nil
	}

	r := &Release{ID: "release-" + name, Name: name}
	f.releases[name] = r

	return r, nil
}

func (f *fakeStore) UpsertModule(_ context.Context, releaseID, name string) (*Module, error) {
	key := releaseID + "/" + name
	if m, ok := f.modules[key]; ok {
		return m, nil
	}

	m := &Module{ID: "module-" + key, ReleaseID: releaseID, Name: name}
	f.modules[key] = m

	return m, nil
}

func (f *fakeStore) UpsertJob(_ context.Context, job *Job) (*Job, error) {
	key := job.ModuleID + "/" + job.JobID
	if existing, ok := f.jobs[key]; ok {
		return existing, nil
	}

	job.ID = "job-" + key
	f.jobs[key] = job

	return job, nil
}

func (f *fakeStore) ReplaceTestResults(_ context.Context, jobID string, results []*TestResult, _ int) (int, error) {
	if f.failReplace {
		return 0, errors.New("replace failed")
	}

	f.testResults[jobID] = results

	return len(results), nil
}

func (f *fakeStore) UpdateJobCounts(_ context.Context, job *Job) error {
	f.jobs[job.ModuleID+"/"+job.JobID] = job

	return nil
}

func (f *fakeStore) AdvanceWatermark(_ context.Context, releaseID string, parentBuild int) error {
	for _, r := range f.releases {
		if r.ID == releaseID {
			r.LastProcessedBuild = parentBuild
		}
	}

	return nil
}

func (f *fakeStore) GetRelease(_ context.Context, name string) (*Release, bool, error) {
	r, ok := f.releases[name]

	return r, ok, nil
}

func (f *fakeStore) ListActiveReleases(_ context.Context) ([]*Release, error) {
	var active []*Release

	for _, r := range f.releases {
		if r.IsActive {
			active = append(active, r)
		}
	}

	return active, nil
}

func (f *fakeStore) HealthCheck(_ context.Context) error {
	return nil
}

// fakeParser returns a canned set of TestResults regardless of input, or an error.
type fakeParser struct {
	results []*TestResult
	err     error
}

func (p *fakeParser) Parse(_ io.Reader) ([]*TestResult, error) {
	if p.err != nil {
		return nil, p.err
	}

	return p.results, nil
}

func TestImportJobSuccess(t *testing.T) {
	store := newFakeStore()
	parser := &fakeParser{
		results: []*TestResult{
			{TestName: "test_a", Status: TestStatusPassed},
			{TestName: "test_b", Status: TestStatusFailed},
			{TestName: "test_c", Status: TestStatusSkipped},
		},
	}

	svc := NewImportService(store, parser, 0)

	result, err := svc.ImportJob(context.Background(), ImportParams{
		ReleaseName: "release-2.0",
		ModuleName:  "gateway",
		ParentBuild: 11,
		ModuleBuild: 5,
	}, strings.NewReader("<xml/>"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Total != 3 {
		t.Errorf("expected total 3, got %d", result.Total)
	}
	if result.Passed != 1 || result.Failed != 1 || result.Skipped != 1 {
		t.Errorf("unexpected counts: %+v", result)
	}
	if result.Inserted != 3 {
		t.Errorf("expected 3 inserted, got %d", result.Inserted)
	}
}

func TestImportJobIdempotent(t *testing.T) {
	store := newFakeStore()
	parser := &fakeParser{
		results: []*TestResult{
			{TestName: "test_a", Status: TestStatusPassed},
		},
	}

	svc := NewImportService(store, parser, 0)
	params := ImportParams{
		ReleaseName: "release-2.0",
		ModuleName:  "gateway",
		ParentBuild: 11,
		ModuleBuild: 5,
	}

	first, err := svc.ImportJob(context.Background(), params, strings.NewReader("<xml/>"))
	if err != nil {
		t.Fatalf("unexpected error on first import: %v", err)
	}

	second, err := svc.ImportJob(context.Background(), params, strings.NewReader("<xml/>"))
	if err != nil {
		t.Fatalf("unexpected error on second import: %v", err)
	}

	if first.JobID != second.JobID {
		t.Errorf("expected same job id across re-runs, got %q and %q", first.JobID, second.JobID)
	}
	if second.Total != first.Total {
		t.Errorf("expected identical counts across re-runs: %+v vs %+v", first, second)
	}
	if len(store.jobs) != 1 {
		t.Errorf("expected exactly one job row after re-running import, got %d", len(store.jobs))
	}
}

func TestImportJobValidationFailure(t *testing.T) {
	store := newFakeStore()
	parser := &fakeParser{}
	svc := NewImportService(store, parser, 0)

	_, err := svc.ImportJob(context.Background(), ImportParams{}, strings.NewReader("<xml/>"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, ErrImportAborted) {
		t.Errorf("expected ErrImportAborted, got %v", err)
	}
}

func TestImportJobNilReader(t *testing.T) {
	store := newFakeStore()
	parser := &fakeParser{}
	svc := NewImportService(store, parser, 0)

	_, err := svc.ImportJob(context.Background(), ImportParams{
		ReleaseName: "release-2.0",
		ModuleName:  "gateway",
		ParentBuild: 11,
		ModuleBuild: 5,
	}, nil)
	if !errors.Is(err, ErrNilArtifactReader) {
		t.Errorf("expected ErrNilArtifactReader, got %v", err)
	}
}

func TestImportJobParseFailureAbortsWithoutStoring(t *testing.T) {
	store := newFakeStore()
	parser := &fakeParser{err: errors.New("malformed XML at offset 42")}
	svc := NewImportService(store, parser, 0)

	_, err := svc.ImportJob(context.Background(), ImportParams{
		ReleaseName: "release-2.0",
		ModuleName:  "gateway",
		ParentBuild: 11,
		ModuleBuild: 5,
	}, strings.NewReader("not xml"))
	if !errors.Is(err, ErrImportAborted) {
		t.Errorf("expected ErrImportAborted, got %v", err)
	}

	if len(store.jobs) != 0 {
		t.Errorf("expected no job rows to be committed on parse failure, got %d", len(store.jobs))
	}
}

func TestImportJobInvalidTestResultAborts(t *testing.T) {
	store := newFakeStore()
	parser := &fakeParser{
		results: []*TestResult{
			{TestName: "", Status: TestStatusPassed},
		},
	}
	svc := NewImportService(store, parser, 0)

	_, err := svc.ImportJob(context.Background(), ImportParams{
		ReleaseName: "release-2.0",
		ModuleName:  "gateway",
		ParentBuild: 11,
		ModuleBuild: 5,
	}, strings.NewReader("<xml/>"))
	if !errors.Is(err, ErrImportAborted) {
		t.Errorf("expected ErrImportAborted, got %v", err)
	}

	if len(store.testResults) != 0 {
		t.Errorf("expected no test results to be written on validation failure")
	}
}

func TestImportJobReplaceFailureAborts(t *testing.T) {
	store := newFakeStore()
	store.failReplace = true
	parser := &fakeParser{
		results: []*TestResult{
			{TestName: "test_a", Status: TestStatusPassed},
		},
	}
	svc := NewImportService(store, parser, 0)

	_, err := svc.ImportJob(context.Background(), ImportParams{
		ReleaseName: "release-2.0",
		ModuleName:  "gateway",
		ParentBuild: 11,
		ModuleBuild: 5,
	}, strings.NewReader("<xml/>"))
	if !errors.Is(err, ErrImportAborted) {
		t.Errorf("expected ErrImportAborted, got %v", err)
	}
}
