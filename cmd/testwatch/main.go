// Package main provides the TestWatch ingestion, scheduling, and analytics
// service: it continuously polls CI, imports JUnit artifacts, keeps test
// metadata in sync with a source tree, and serves the Analytics Engine to an
// external caller, all as a single long-running process (spec §5).
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/testwatch/testwatch/internal/analytics"
	"github.com/testwatch/testwatch/internal/artifact"
	"github.com/testwatch/testwatch/internal/cache"
	"github.com/testwatch/testwatch/internal/ciclient"
	"github.com/testwatch/testwatch/internal/config"
	"github.com/testwatch/testwatch/internal/ingestion"
	"github.com/testwatch/testwatch/internal/jobqueue"
	"github.com/testwatch/testwatch/internal/jobtracker"
	"github.com/testwatch/testwatch/internal/metadata"
	"github.com/testwatch/testwatch/internal/scheduler"
	"github.com/testwatch/testwatch/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "testwatch"
)

const (
	defaultWorkerPoolSize  = 2
	defaultCleanupInterval = 10 * time.Minute
	defaultShutdownWait    = 5 * time.Minute
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("starting TestWatch service", slog.String("service", name), slog.String("version", version))

	if err := run(logger); err != nil {
		logger.Error("service exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("TestWatch service stopped")
}

func run(logger *slog.Logger) error {
	dbConfig := storage.LoadConfig()
	if err := dbConfig.Validate(); err != nil {
		return err
	}

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		return err
	}
	defer closeDependency(logger, "database connection", conn)

	store, err := storage.NewStore(conn, config.GetEnvDuration("SYNC_LOCK_CLEANUP_INTERVAL", defaultCleanupInterval),
		storage.WithLogger(logger))
	if err != nil {
		return err
	}
	defer closeDependency(logger, "store", store)

	tracker, err := buildTracker(logger)
	if err != nil {
		return err
	}
	defer closeDependency(logger, "job tracker", tracker)

	queue, err := buildQueue()
	if err != nil {
		return err
	}
	defer closeDependency(logger, "job queue", queue)

	ci := ciclient.New(
		config.GetEnvStr("CI_USER", ""),
		config.GetEnvStr("CI_TOKEN", ""),
		ciclient.WithLogger(logger),
	)

	testRootPrefix := config.GetEnvStr("TEST_ROOT_PREFIX", "tests")
	parser := artifact.NewParser(testRootPrefix)
	importSvc := ingestion.NewImportService(store, parser, config.GetEnvInt("IMPORT_BATCH_SIZE", 0))

	versions := cache.NewVersionCounters()
	versionedImporter := &versionBumpingImporter{next: importSvc, versions: versions}

	sched := scheduler.New(ci, versionedImporter, store,
		scheduler.WithLogger(logger),
		scheduler.WithPollInterval(config.GetEnvDuration("POLL_INTERVAL", 0)),
		scheduler.WithDrainTimeout(config.GetEnvDuration("DRAIN_TIMEOUT", 0)),
		scheduler.WithFanout(config.GetEnvInt("IMPORT_FANOUT", 0)),
		scheduler.WithTracker(tracker),
	)

	engine := analytics.New(conn, logger)

	queryCache := cache.New(
		cache.WithLogger(logger),
		cache.WithTTL(config.GetEnvDuration("CACHE_TTL", 0)),
	)
	defer closeDependency(logger, "analytics cache", queryCache)

	synchronizer := buildSynchronizer(store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}

	poolSize := config.GetEnvInt("WORKER_POOL_SIZE", defaultWorkerPoolSize)
	poolDone := startWorkerPool(ctx, poolSize, queue, store, ci, versionedImporter, synchronizer, logger)

	// engine and queryCache are not yet called by anything in this process:
	// per spec §3 the HTTP surface that would serve analytics queries through
	// the cache is an out-of-scope collaborator. Both are still constructed
	// here so their lifecycles (the cache's sweep goroutine in particular)
	// start and stop with the rest of the service.
	_ = engine

	logger.Info("TestWatch service is running",
		slog.Int("worker_pool_size", poolSize),
		slog.String("test_root_prefix", testRootPrefix),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight work")

	sched.Stop()

	if err := queue.Close(); err != nil {
		logger.Warn("job queue close returned an error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownWait)
	defer cancel()

	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker pool drain timed out")
	}

	return nil
}

// buildTracker selects the Redis-backed Tracker when REDIS_URL is configured,
// falling back to the in-process Memory tracker for a single-node deployment
// (spec §9, "in-process map suffices for one node; Redis only needed once
// multiple worker processes share tracking state").
func buildTracker(logger *slog.Logger) (jobtracker.Tracker, error) {
	redisURL := config.GetEnvStr("REDIS_URL", "")
	if redisURL == "" {
		logger.Info("job tracker backend: in-process memory")

		return jobtracker.NewMemory(), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	logger.Info("job tracker backend: redis", slog.String("addr", opts.Addr))

	return jobtracker.NewRedis(redis.NewClient(opts)), nil
}

// buildQueue selects the Kafka-backed Queue when KAFKA_BROKERS is configured,
// falling back to an in-process channel queue for a single-node deployment.
func buildQueue() (jobqueue.Queue, error) {
	brokers := config.GetEnvStr("KAFKA_BROKERS", "")
	if brokers == "" {
		return jobqueue.NewChannelQueue(config.GetEnvInt("QUEUE_CAPACITY", 256)), nil
	}

	return jobqueue.NewKafkaQueue(jobqueue.KafkaConfig{
		Brokers: strings.Split(brokers, ","),
		Topic:   config.GetEnvStr("KAFKA_TASK_TOPIC", "testwatch-tasks"),
		GroupID: config.GetEnvStr("KAFKA_GROUP_ID", "testwatch-workers"),
	}), nil
}

// buildSynchronizer wires the Metadata Synchronizer when GIT_REPO_URL is
// configured; a deployment that never syncs test metadata from source simply
// omits it, and metadata-sync tasks dequeued with no synchronizer configured
// are logged and dropped.
func buildSynchronizer(store *storage.Store, logger *slog.Logger) *metadata.Synchronizer {
	repoURL := config.GetEnvStr("GIT_REPO_URL", "")
	if repoURL == "" {
		return nil
	}

	git := metadata.NewGitSync(
		repoURL,
		config.GetEnvStr("GIT_BRANCH", "main"),
		config.GetEnvStr("GIT_SSH_KEY_PATH", ""),
		config.GetEnvStr("GIT_WORK_DIR", "/var/lib/testwatch/source"),
	)

	return metadata.New(git, config.GetEnvStr("TEST_ROOT_PREFIX", "tests"),
		config.GetEnvStr("STAGING_TESTS_PATH", "staging_tests"), store, metadata.WithLogger(logger))
}

// startWorkerPool launches n goroutines that dequeue and execute import and
// metadata-sync tasks (spec §5, "background job worker pool (default 2,
// bounded) consuming a queue of import and metadata-sync tasks"). The
// returned channel closes once every worker has exited.
func startWorkerPool(
	ctx context.Context,
	n int,
	queue jobqueue.Queue,
	store *storage.Store,
	ci *ciclient.Client,
	importSvc scheduler.Importer,
	synchronizer *metadata.Synchronizer,
	logger *slog.Logger,
) <-chan struct{} {
	if n <= 0 {
		n = defaultWorkerPoolSize
	}

	done := make(chan struct{})

	worker := &taskWorker{
		queue:        queue,
		store:        store,
		ciClient:     ci,
		importSvc:    importSvc,
		synchronizer: synchronizer,
		logger:       logger,
	}

	finished := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		go func(id int) {
			worker.run(ctx, id)
			finished <- struct{}{}
		}(i)
	}

	go func() {
		for remaining := n; remaining > 0; remaining-- {
			<-finished
		}

		close(done)
	}()

	return done
}

// taskWorker executes jobqueue.Tasks dequeued by the background worker pool.
type taskWorker struct {
	queue        jobqueue.Queue
	store        *storage.Store
	ciClient     *ciclient.Client
	importSvc    scheduler.Importer
	synchronizer *metadata.Synchronizer
	logger       *slog.Logger
}

func (w *taskWorker) run(ctx context.Context, id int) {
	w.logger.Info("worker started", slog.Int("worker_id", id))

	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, jobqueue.ErrQueueClosed) {
				w.logger.Info("worker stopping", slog.Int("worker_id", id))

				return
			}

			w.logger.Error("dequeue failed", slog.Int("worker_id", id), slog.String("error", err.Error()))

			continue
		}

		w.execute(ctx, task)
	}
}

func (w *taskWorker) execute(ctx context.Context, task *jobqueue.Task) {
	switch task.Kind {
	case jobqueue.TaskImport:
		w.executeImport(ctx, task)
	case jobqueue.TaskMetadataSync:
		w.executeMetadataSync(ctx, task)
	default:
		w.logger.Warn("ignoring task with unknown kind", slog.String("kind", string(task.Kind)))
	}
}

func (w *taskWorker) executeImport(ctx context.Context, task *jobqueue.Task) {
	logger := w.logger.With(slog.String("release", task.ReleaseName), slog.String("module", task.ModuleName),
		slog.Int("module_build", task.ModuleBuild))

	release, ok, err := w.store.GetRelease(ctx, task.ReleaseName)
	if err != nil || !ok {
		logger.Error("import task: release lookup failed", slog.Bool("found", ok))

		return
	}

	if w.ciClient == nil {
		logger.Warn("import task: no CI client configured for on-demand artifact fetch")

		return
	}

	artifactReader, err := w.ciClient.GetArtifact(ctx, release.JenkinsJobURL, task.ModuleBuild)
	if err != nil {
		logger.Error("import task: fetch artifact failed", slog.String("error", err.Error()))

		return
	}
	defer func() { _ = artifactReader.Close() }()

	params := ingestion.ImportParams{
		ReleaseName: task.ReleaseName,
		ModuleName:  task.ModuleName,
		ParentBuild: task.ParentBuild,
		ModuleBuild: task.ModuleBuild,
	}

	if _, err := w.importSvc.ImportJob(ctx, params, artifactReader); err != nil {
		logger.Error("import task failed", slog.String("error", err.Error()))
	}
}

func (w *taskWorker) executeMetadataSync(ctx context.Context, task *jobqueue.Task) {
	if w.synchronizer == nil {
		w.logger.Warn("metadata sync task dropped: no synchronizer configured")

		return
	}

	var (
		log *metadata.SyncLog
		err error
	)

	if task.ReleaseID == "" {
		log, err = w.synchronizer.SyncAll(ctx)
	} else {
		log, err = w.synchronizer.SyncRelease(ctx, task.ReleaseID)
	}

	if err != nil {
		w.logger.Error("metadata sync task failed", slog.String("error", err.Error()))

		return
	}

	w.logger.Info("metadata sync task completed",
		slog.Int("tests_upserted", log.TestsUpserted), slog.Int("tests_unchanged", log.TestsUnchanged))
}

// versionBumpingImporter wraps the Import Service so every successful import,
// whether triggered by the Scheduler's own tickers or by a manually-enqueued
// task, bumps that release's cache version counter (spec §4.G, "the import
// bumps a per-release version counter that is included in cache keys, so
// successful imports automatically make stale entries unreachable").
type versionBumpingImporter struct {
	next     scheduler.Importer
	versions *cache.VersionCounters
}

func (v *versionBumpingImporter) ImportJob(
	ctx context.Context, params ingestion.ImportParams, artifactReader io.Reader,
) (*ingestion.ImportResult, error) {
	result, err := v.next.ImportJob(ctx, params, artifactReader)
	if err != nil {
		return result, err
	}

	v.versions.Bump(params.ReleaseName)

	return result, nil
}

// closeDependency best-effort closes a dependency, logging any error without
// aborting the remainder of shutdown.
func closeDependency(logger *slog.Logger, name string, closer interface{ Close() error }) {
	if closer == nil {
		return
	}

	if err := closer.Close(); err != nil {
		logger.Warn("failed to close dependency", slog.String("dependency", name), slog.String("error", err.Error()))
	}
}
