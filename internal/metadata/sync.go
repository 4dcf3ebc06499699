package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

const (
	// defaultRetries is how many additional attempts a sync run gets before
	// giving up (spec §4.H retry policy: "3 retries, 60s initial delay, x2 backoff").
	defaultRetries      = 3
	defaultInitialDelay = 60 * time.Second
	backoffMultiplier   = 2

	// globalScope is the sync-lock scope for an all-active-releases sync.
	globalScope = "all"

	// Failure thresholds (spec §4.H step 5): a sync aborts if either the
	// file-failure rate or the DB-batch-failure rate breaches its threshold
	// AND the absolute failure count exceeds its floor. Both conditions must
	// hold, so a handful of failures in a tiny tree never aborts a sync.
	fileFailureRateThreshold   = 0.10
	fileFailureCountThreshold  = 5
	batchFailureRateThreshold  = 0.10
	batchFailureCountThreshold = 2

	// reconcileBatchSize bounds how many testcases are upserted between
	// cancellation checks (spec §4.H, "between DB batches") and is also the
	// unit the batch-failure threshold above counts against.
	reconcileBatchSize = 200
)

// ErrSyncFailed wraps the final error after all retries are exhausted.
var ErrSyncFailed = errors.New("metadata: sync failed after retries")

// ErrTooManyFailures is returned when a sync attempt aborts early because a
// failure threshold was breached (spec §4.H step 5).
var ErrTooManyFailures = errors.New("metadata: too many failures, aborting sync")

// Synchronizer orchestrates one metadata sync run: git sync, AST discovery,
// staging classification, and baseline/override upsert (spec §4.H).
type Synchronizer struct {
	git            *GitSync
	testRootPrefix string
	stagingPath    string
	store          Store
	logger         *slog.Logger
	retries        int
	initialDelay   time.Duration
}

// Option configures optional Synchronizer behavior.
type Option func(*Synchronizer)

// WithLogger overrides the default logger, slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithRetryPolicy overrides the retry count and initial backoff delay.
func WithRetryPolicy(retries int, initialDelay time.Duration) Option {
	return func(s *Synchronizer) {
		s.retries = retries
		s.initialDelay = initialDelay
	}
}

// New builds a Synchronizer.
func New(git *GitSync, testRootPrefix, stagingPath string, store Store, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		git:            git,
		testRootPrefix: testRootPrefix,
		stagingPath:    stagingPath,
		store:          store,
		logger:         slog.Default(),
		retries:        defaultRetries,
		initialDelay:   defaultInitialDelay,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SyncAll runs a baseline-only sync across the whole source tree, scoped by
// the global sync lock. releaseID is empty in the persisted SyncLog.
func (s *Synchronizer) SyncAll(ctx context.Context) (*SyncLog, error) {
	return s.run(ctx, globalScope, "")
}

// SyncRelease runs a release-scoped sync: discovered tests are diffed
// against the baseline and persisted as overrides where they differ (spec
// §4.H step "For a release-specific sync, compute diff = discovered \ baseline").
func (s *Synchronizer) SyncRelease(ctx context.Context, releaseID string) (*SyncLog, error) {
	return s.run(ctx, releaseID, releaseID)
}

func (s *Synchronizer) run(ctx context.Context, lockScope, releaseID string) (*SyncLog, error) {
	if err := s.store.TryAcquireSyncLock(ctx, lockScope); err != nil {
		return nil, err
	}
	defer func() { _ = s.store.ReleaseSyncLock(ctx, lockScope) }()

	log := &SyncLog{ReleaseID: releaseID, StartedAt: time.Now(), Status: "running"}

	err := s.runWithRetry(ctx, releaseID, log)

	finishedAt := time.Now()
	log.FinishedAt = &finishedAt

	if err != nil {
		log.Status = "failed"
		if log.ErrorDetails == "" {
			// attempt() populates ErrorDetails with the structured per-file/
			// per-batch list whenever it has one; this only covers failures
			// that never reach that point (git sync, staging file parse).
			log.ErrorDetails = errorDetailsJSON(nil, nil, err)
		}
	} else {
		log.Status = "succeeded"
	}

	if logErr := s.store.InsertSyncLog(ctx, log); logErr != nil {
		s.logger.Error("metadata sync: failed to persist sync log", slog.String("error", logErr.Error()))
	}

	if err != nil {
		return log, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	return log, nil
}

func (s *Synchronizer) runWithRetry(ctx context.Context, releaseID string, log *SyncLog) error {
	delay := s.initialDelay

	var lastErr error

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("metadata sync: retrying",
				slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.String("error", lastErr.Error()))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			delay *= backoffMultiplier
		}

		if err := s.attempt(ctx, releaseID, log); err != nil {
			lastErr = err
			continue
		}

		return nil
	}

	return lastErr
}

func (s *Synchronizer) attempt(ctx context.Context, releaseID string, log *SyncLog) error {
	root, err := s.git.Sync(ctx)
	if err != nil {
		return fmt.Errorf("git sync: %w", err)
	}

	staging, err := ParseStagingFile(filepath.Join(root, "staging_tests"))
	if err != nil {
		return fmt.Errorf("parse staging file: %w", err)
	}

	discoverer := NewDiscoverer(s.testRootPrefix, staging, s.logger)

	discovered, failures, err := discoverer.Discover(ctx, root)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	log.FilesFailed = len(failures)

	if breachesThreshold(len(failures), len(discovered)+len(failures), fileFailureRateThreshold, fileFailureCountThreshold) {
		log.ErrorDetails = errorDetailsJSON(failures, nil, nil)
		return fmt.Errorf("%w: %d of %d files failed to parse", ErrTooManyFailures, len(failures), len(discovered)+len(failures))
	}

	upserted, unchanged, batchFailures, totalBatches, reconcileErr := s.reconcile(ctx, releaseID, discovered)

	log.FilesScanned = countScannedFiles(discovered)
	log.TestsUpserted = upserted
	log.TestsUnchanged = unchanged

	if len(failures) > 0 || len(batchFailures) > 0 {
		log.ErrorDetails = errorDetailsJSON(failures, batchFailures, nil)
	}

	if reconcileErr != nil {
		return fmt.Errorf("reconcile: %w", reconcileErr)
	}

	if breachesThreshold(len(batchFailures), totalBatches, batchFailureRateThreshold, batchFailureCountThreshold) {
		return fmt.Errorf("%w: %d of %d db batches failed", ErrTooManyFailures, len(batchFailures), totalBatches)
	}

	return nil
}

// breachesThreshold reports whether failed/total exceeds rateThreshold AND
// failed exceeds countThreshold — both conditions must hold (spec §4.H step
// 5), so a handful of failures against a small total never aborts a sync.
func breachesThreshold(failed, total int, rateThreshold float64, countThreshold int) bool {
	if total == 0 || failed <= countThreshold {
		return false
	}

	return float64(failed)/float64(total) > rateThreshold
}

// batchFailure records one reconcile batch a DB write failed within, for the
// structured error_details the Metadata Synchronizer persists (spec §4.H
// step 5) and the batch-failure threshold check in attempt().
type batchFailure struct {
	Batch  int
	Reason string
}

// reconcile implements spec §4.H step 4: for each discovered test, create the
// global baseline if none exists (a global sync also refreshes an existing
// one), then (for a release-scoped sync) upsert or
// prune a release-specific override depending on whether the discovered
// values differ from the baseline. Work is split into batches of
// reconcileBatchSize so cancellation is honored between DB batches and a
// handful of failing rows doesn't take down the whole reconcile: a batch
// whose write fails is recorded and skipped, not treated as fatal — the
// overall abort decision is left to the batch-failure threshold in attempt().
func (s *Synchronizer) reconcile(
	ctx context.Context,
	releaseID string,
	discovered []DiscoveredTest,
) (upserted, unchanged int, batchFailures []batchFailure, totalBatches int, err error) {
	for start := 0; start < len(discovered); start += reconcileBatchSize {
		end := start + reconcileBatchSize
		if end > len(discovered) {
			end = len(discovered)
		}

		select {
		case <-ctx.Done():
			return upserted, unchanged, batchFailures, totalBatches, ctx.Err()
		default:
		}

		totalBatches++

		batchUpserted, batchUnchanged, batchErr := s.reconcileBatch(ctx, releaseID, discovered[start:end])
		upserted += batchUpserted
		unchanged += batchUnchanged

		if batchErr != nil {
			batchFailures = append(batchFailures, batchFailure{Batch: totalBatches, Reason: batchErr.Error()})
		}
	}

	return upserted, unchanged, batchFailures, totalBatches, nil
}

func (s *Synchronizer) reconcileBatch(ctx context.Context, releaseID string, batch []DiscoveredTest) (upserted, unchanged int, err error) {
	for _, d := range batch {
		baseline, found, getErr := s.store.GetBaselineMetadata(ctx, d.TestcaseName)
		if getErr != nil {
			return upserted, unchanged, fmt.Errorf("get baseline for %q: %w", d.TestcaseName, getErr)
		}

		baselineRow := toTestcase(d, "")

		// A release-scoped sync layers its override on top of an existing
		// baseline and leaves that baseline as it is.
		if releaseID != "" && found {
			baselineRow = *baseline
		}

		if !found || !sameMetadata(baseline, &baselineRow) {
			if err := s.store.UpsertBaselineMetadata(ctx, &baselineRow); err != nil {
				return upserted, unchanged, fmt.Errorf("upsert baseline for %q: %w", d.TestcaseName, err)
			}

			upserted++
		} else {
			unchanged++
		}

		if releaseID == "" {
			continue
		}

		overrideUpserted, err := s.reconcileOverride(ctx, releaseID, d, baselineRow)
		if err != nil {
			return upserted, unchanged, err
		}

		if overrideUpserted {
			upserted++
		} else {
			unchanged++
		}
	}

	return upserted, unchanged, nil
}

func (s *Synchronizer) reconcileOverride(ctx context.Context, releaseID string, d DiscoveredTest, baseline Testcase) (bool, error) {
	discoveredRow := toTestcase(d, releaseID)

	if sameMetadata(&discoveredRow, &baseline) {
		if err := s.store.DeleteOverrideMetadata(ctx, d.TestcaseName, releaseID); err != nil {
			return false, fmt.Errorf("prune override for %q: %w", d.TestcaseName, err)
		}

		return false, nil
	}

	existing, found, err := s.store.GetOverrideMetadata(ctx, d.TestcaseName, releaseID)
	if err != nil {
		return false, fmt.Errorf("get override for %q: %w", d.TestcaseName, err)
	}

	if found && sameMetadata(existing, &discoveredRow) {
		return false, nil
	}

	if err := s.store.UpsertOverrideMetadata(ctx, &discoveredRow); err != nil {
		return false, fmt.Errorf("upsert override for %q: %w", d.TestcaseName, err)
	}

	return true, nil
}

func toTestcase(d DiscoveredTest, releaseID string) Testcase {
	return Testcase{
		TestcaseName:  d.TestcaseName,
		ReleaseID:     releaseID,
		TestClassName: d.TestClassName,
		Module:        d.Module,
		Topology:      d.Topology,
		TestState:     d.TestState,
		TestCaseID:    d.TestCaseID,
		TestrailID:    d.TestrailID,
		Priority:      d.Priority,
		TestPath:      d.TestPath,
	}
}

// sameMetadata compares the fields a sync cares about, ignoring ID/UpdatedAt.
func sameMetadata(a, b *Testcase) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.TestClassName == b.TestClassName &&
		a.Module == b.Module &&
		a.Topology == b.Topology &&
		a.TestState == b.TestState &&
		a.TestCaseID == b.TestCaseID &&
		a.TestrailID == b.TestrailID &&
		a.Priority == b.Priority &&
		a.TestPath == b.TestPath
}

func countScannedFiles(tests []DiscoveredTest) int {
	seen := make(map[string]bool)
	for _, t := range tests {
		seen[t.TestPath] = true
	}

	return len(seen)
}

// syncFailureDetail is one entry of the structured error_details list spec
// §4.D/§4.H require ("structured: list of failed paths with reasons"): a
// per-file parse failure carries Path, a per-batch DB write failure carries
// Batch, both carry Reason.
type syncFailureDetail struct {
	Path   string `json:"path,omitempty"`
	Batch  int    `json:"batch,omitempty"`
	Reason string `json:"reason"`
}

// errorDetailsJSON renders the per-file and per-batch failures collected
// during a sync attempt. fallback is used only when neither slice has
// anything to report, so failures that occur before discovery even starts
// (git sync, staging file parse) still leave a reason behind.
func errorDetailsJSON(fileFailures []FileFailure, batches []batchFailure, fallback error) string {
	details := make([]syncFailureDetail, 0, len(fileFailures)+len(batches))

	for _, f := range fileFailures {
		details = append(details, syncFailureDetail{Path: f.Path, Reason: f.Err.Error()})
	}

	for _, b := range batches {
		details = append(details, syncFailureDetail{Batch: b.Batch, Reason: b.Reason})
	}

	if len(details) == 0 && fallback != nil {
		details = append(details, syncFailureDetail{Reason: fallback.Error()})
	}

	payload, marshalErr := json.Marshal(map[string][]syncFailureDetail{"failures": details})
	if marshalErr != nil {
		return `{"failures":[]}`
	}

	return string(payload)
}
