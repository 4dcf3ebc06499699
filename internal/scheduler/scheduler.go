// Package scheduler implements the per-release poller (component E): one
// ticker per active release that discovers new CI parent builds, fetches
// each build's module map, imports every module artifact, and advances the
// release's last_processed_build watermark once a whole parent build has
// been processed (spec §4.E).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/testwatch/testwatch/internal/ingestion"
	"github.com/testwatch/testwatch/internal/jobtracker"
)

// Sentinel errors.
var (
	// ErrAlreadyRunning is returned by Start when the scheduler is already running.
	ErrAlreadyRunning = errors.New("scheduler already running")
)

const (
	// defaultPollInterval matches spec §4.E's "default: 12 hours" tick period.
	defaultPollInterval = 12 * time.Hour
	// defaultDrainTimeout matches spec §4.E's "graceful shutdown waits up to a
	// configured drain timeout (default 60s)".
	defaultDrainTimeout = 60 * time.Second
	// defaultFanout bounds concurrent per-module imports within one parent build.
	defaultFanout = 4
)

// CIClient is the subset of ciclient.Client the Scheduler needs.
type CIClient interface {
	ListBuilds(ctx context.Context, jobURL string, minBuild int) ([]int, error)
	GetBuildMap(ctx context.Context, jobURL string, buildNumber int) (map[string]int, error)
	GetArtifact(ctx context.Context, jobURL string, buildNumber int) (io.ReadCloser, error)
	GetDisplayName(ctx context.Context, jobURL string, buildNumber int) (string, error)
}

// Importer is the subset of ingestion.ImportService the Scheduler needs.
type Importer interface {
	ImportJob(ctx context.Context, params ingestion.ImportParams, artifactReader io.Reader) (*ingestion.ImportResult, error)
}

// Store is the subset of the storage layer the Scheduler needs: the list of
// active releases to poll and the watermark it alone may advance.
type Store interface {
	ListActiveReleases(ctx context.Context) ([]*ingestion.Release, error)
	AdvanceWatermark(ctx context.Context, releaseID string, parentBuild int) error
}

// Option configures optional Scheduler behavior.
type Option func(*Scheduler)

// WithLogger overrides the default logger, slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithPollInterval overrides the default 12h per-release tick period.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithDrainTimeout overrides the default 60s graceful-shutdown drain wait.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.drainTimeout = timeout
		}
	}
}

// WithFanout overrides the default per-parent-build module import concurrency.
func WithFanout(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.fanout = n
		}
	}
}

// WithTracker attaches a Job Tracker so poll progress is visible to streaming
// consumers as a BackgroundJob of kind "import".
func WithTracker(tracker jobtracker.Tracker) Option {
	return func(s *Scheduler) {
		s.tracker = tracker
	}
}

// Scheduler owns one ticker goroutine per active release.
type Scheduler struct {
	ci       CIClient
	importer Importer
	store    Store
	tracker  jobtracker.Tracker
	logger   *slog.Logger

	pollInterval time.Duration
	drainTimeout time.Duration
	fanout       int

	mu       sync.Mutex
	running  bool
	releases map[string]chan struct{} // release ID -> stop signal
	wg       sync.WaitGroup
}

// New builds a Scheduler. Call Start to begin polling active releases.
func New(ci CIClient, importer Importer, store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		ci:           ci,
		importer:     importer,
		store:        store,
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
		drainTimeout: defaultDrainTimeout,
		fanout:       defaultFanout,
		releases:     make(map[string]chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start loads active releases and spawns one ticker goroutine per release.
// It returns once every release's ticker goroutine has been launched; the
// tickers themselves run until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()

		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	releases, err := s.store.ListActiveReleases(ctx)
	if err != nil {
		return fmt.Errorf("list active releases: %w", err)
	}

	for _, release := range releases {
		s.spawn(release)
	}

	s.logger.Info("scheduler started", slog.Int("active_releases", len(releases)))

	return nil
}

// spawn starts one ticker goroutine for a release. Safe to call for a
// release discovered after Start (e.g. newly activated).
func (s *Scheduler) spawn(release *ingestion.Release) {
	stop := make(chan struct{})

	s.mu.Lock()
	s.releases[release.ID] = stop
	s.mu.Unlock()

	s.wg.Add(1)

	go s.runTicker(release, stop)
}

func (s *Scheduler) runTicker(release *ingestion.Release, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	logger := s.logger.With(slog.String("release", release.Name))

	for {
		select {
		case <-stop:
			logger.Info("scheduler ticker stopped")

			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)

			if err := s.pollRelease(ctx, release, stop); err != nil {
				logger.Error("poll failed", slog.Any("error", err))
			}

			cancel()
		}
	}
}

// Stop signals every release ticker to stop between builds and waits up to
// the configured drain timeout for them to finish in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, stop := range s.releases {
		close(stop)
	}
	s.releases = make(map[string]chan struct{})
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler drained")
	case <-time.After(s.drainTimeout):
		s.logger.Warn("scheduler drain timed out, in-flight imports will be hard-cancelled")
	}
}

// pollRelease implements spec §4.E steps 1-4 for one release tick.
func (s *Scheduler) pollRelease(ctx context.Context, release *ingestion.Release, stop <-chan struct{}) error {
	builds, err := s.ci.ListBuilds(ctx, release.JenkinsJobURL, release.LastProcessedBuild)
	if err != nil {
		return fmt.Errorf("list builds for %s: %w", release.Name, err)
	}

	for _, parentBuild := range builds {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := s.pollParentBuild(ctx, release, parentBuild); err != nil {
			s.logger.Error("parent build aborted, watermark not advanced",
				slog.String("release", release.Name),
				slog.Int("parent_build", parentBuild),
				slog.Any("error", err))

			return nil
		}
	}

	return nil
}

// pollParentBuild fetches the display name and build map for one parent
// build, imports every module in parallel up to s.fanout, and advances the
// watermark once the whole parent build has been processed. Per spec §4.E,
// module-level import failures do not abort peer modules or block the
// watermark advance; only a failed get_build_map aborts the whole build.
func (s *Scheduler) pollParentBuild(ctx context.Context, release *ingestion.Release, parentBuild int) error {
	jobID := s.beginTrackedJob(ctx, release, parentBuild)

	version, err := s.ci.GetDisplayName(ctx, release.JenkinsJobURL, parentBuild)
	if err != nil {
		version = ""
	}

	buildMap, err := s.ci.GetBuildMap(ctx, release.JenkinsJobURL, parentBuild)
	if err != nil {
		s.finishTrackedJob(ctx, jobID, false, fmt.Sprintf("build map fetch failed: %v", err))

		return fmt.Errorf("get build map for build %d: %w", parentBuild, err)
	}

	group, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.fanout)

	for module, moduleBuild := range buildMap {
		module, moduleBuild := module, moduleBuild

		group.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return nil
			}

			if err := s.importModule(gctx, release, module, parentBuild, moduleBuild, version); err != nil {
				s.logger.Error("module import failed, other modules unaffected",
					slog.String("release", release.Name),
					slog.String("module", module),
					slog.Int("parent_build", parentBuild),
					slog.Any("error", err))
				s.pushTrackedLog(ctx, jobID, fmt.Sprintf("module %s failed: %v", module, err))
			} else {
				s.pushTrackedLog(ctx, jobID, fmt.Sprintf("module %s imported", module))
			}

			// Per-module failures never fail the group; they are logged and
			// counted but never abort peer modules or the watermark advance.
			return nil
		})
	}

	_ = group.Wait()

	if err := s.store.AdvanceWatermark(ctx, release.ID, parentBuild); err != nil {
		s.finishTrackedJob(ctx, jobID, false, fmt.Sprintf("watermark advance failed: %v", err))

		return fmt.Errorf("advance watermark to %d: %w", parentBuild, err)
	}

	s.finishTrackedJob(ctx, jobID, true, "")

	return nil
}

func (s *Scheduler) importModule(
	ctx context.Context,
	release *ingestion.Release,
	module string,
	parentBuild, moduleBuild int,
	version string,
) error {
	artifact, err := s.ci.GetArtifact(ctx, release.JenkinsJobURL, moduleBuild)
	if err != nil {
		return fmt.Errorf("fetch artifact: %w", err)
	}
	defer func() { _ = artifact.Close() }()

	params := ingestion.ImportParams{
		ReleaseName: release.Name,
		ModuleName:  module,
		ParentBuild: parentBuild,
		ModuleBuild: moduleBuild,
		Version:     version,
	}

	if _, err := s.importer.ImportJob(ctx, params, artifact); err != nil {
		return fmt.Errorf("import job: %w", err)
	}

	return nil
}

// beginTrackedJob creates a BackgroundJob for this parent build poll when a
// Tracker is configured; it returns "" when no Tracker is attached.
func (s *Scheduler) beginTrackedJob(ctx context.Context, release *ingestion.Release, parentBuild int) string {
	if s.tracker == nil {
		return ""
	}

	jobID, err := s.tracker.Create(ctx, jobtracker.KindImport)
	if err != nil {
		s.logger.Warn("failed to create tracked job", slog.Any("error", err))

		return ""
	}

	_ = s.tracker.SetStatus(ctx, jobID, jobtracker.StatusRunning, "", nil)
	s.pushTrackedLog(ctx, jobID, fmt.Sprintf("polling %s parent build %d", release.Name, parentBuild))

	return jobID
}

func (s *Scheduler) finishTrackedJob(ctx context.Context, jobID string, success bool, errMsg string) {
	if s.tracker == nil || jobID == "" {
		return
	}

	status := jobtracker.StatusCompleted
	if !success {
		status = jobtracker.StatusFailed
	}

	if err := s.tracker.SetStatus(ctx, jobID, status, errMsg, nil); err != nil {
		s.logger.Warn("failed to finalize tracked job", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (s *Scheduler) pushTrackedLog(ctx context.Context, jobID, line string) {
	if s.tracker == nil || jobID == "" {
		return
	}

	if err := s.tracker.PushLog(ctx, jobID, line); err != nil {
		s.logger.Warn("failed to push tracked log line", slog.String("job_id", jobID), slog.Any("error", err))
	}
}
