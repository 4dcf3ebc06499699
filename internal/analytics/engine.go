package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Sentinel errors.
var (
	// ErrReleaseNotFound is returned when the named release has no row.
	ErrReleaseNotFound = errors.New("analytics: release not found")
	// ErrModuleNotFound is returned when the named module has no row under the release.
	ErrModuleNotFound = errors.New("analytics: module not found")
	// ErrJobNotFound is returned when the requested job has no row.
	ErrJobNotFound = errors.New("analytics: job not found")
)

// DB is the subset of *sql.DB (or storage.Connection, which embeds it) the
// Analytics Engine needs. Analytics is read-only: it never takes the
// storage layer's write-permit semaphore (spec §5 "readers take connections
// from the pool without that permit").
type DB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Engine implements the five Analytics query families (component G) as
// pure functions over Storage, augmented by Metadata (spec §4.G).
type Engine struct {
	db     DB
	logger *slog.Logger
}

// New builds an Engine over db.
func New(db DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{db: db, logger: logger}
}

func (e *Engine) resolveModuleID(ctx context.Context, releaseName, moduleName string) (int64, error) {
	const query = `
		SELECT m.id FROM modules m
		JOIN releases r ON r.id = m.release_id
		WHERE r.name = $1 AND m.name = $2
	`

	var moduleID int64

	err := e.db.QueryRowContext(ctx, query, releaseName, moduleName).Scan(&moduleID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("%w: release %q module %q", ErrModuleNotFound, releaseName, moduleName)
	case err != nil:
		return 0, fmt.Errorf("resolve module id: %w", err)
	}

	return moduleID, nil
}

// Summary implements query family 1: current counts, prior counts for
// delta, and a per-priority breakdown for one (release, module, parent_build).
func (e *Engine) Summary(ctx context.Context, releaseName, moduleName string, parentBuild int) (*Summary, error) {
	start := time.Now()

	moduleID, err := e.resolveModuleID(ctx, releaseName, moduleName)
	if err != nil {
		return nil, err
	}

	currentJobID, currentJobBuild, current, err := e.jobCounts(ctx, moduleID, parentBuild)
	if err != nil {
		return nil, fmt.Errorf("current job counts: %w", err)
	}

	previous, err := e.previousJobCounts(ctx, moduleID, currentJobBuild)
	if err != nil {
		return nil, fmt.Errorf("previous job counts: %w", err)
	}

	byPriority, err := e.priorityBreakdown(ctx, currentJobID)
	if err != nil {
		return nil, fmt.Errorf("priority breakdown: %w", err)
	}

	e.logger.Info("computed summary",
		slog.String("release", releaseName), slog.String("module", moduleName),
		slog.Int("parent_build", parentBuild), slog.Duration("duration", time.Since(start)))

	return &Summary{Current: current, Previous: previous, ByPriority: byPriority}, nil
}

// jobCounts resolves the job row for (moduleID, parentBuild) and returns its
// internal row id, its own job_id (the CI module-build number, as an int, for
// the "previous job" lookup below) and its counts.
func (e *Engine) jobCounts(ctx context.Context, moduleID int64, parentBuild int) (int64, int, Counts, error) {
	const query = `
		SELECT id, job_id::int, total, passed, failed, skipped, error
		FROM jobs WHERE module_id = $1 AND parent_job_id = $2
	`

	var (
		jobID    int64
		jobBuild int
		c        Counts
	)

	err := e.db.QueryRowContext(ctx, query, moduleID, fmt.Sprintf("%d", parentBuild)).
		Scan(&jobID, &jobBuild, &c.Total, &c.Passed, &c.Failed, &c.Skipped, &c.Error)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, 0, Counts{}, fmt.Errorf("%w: parent build %d", ErrJobNotFound, parentBuild)
	case err != nil:
		return 0, 0, Counts{}, err
	}

	return jobID, jobBuild, c, nil
}

// previousJobCounts implements the "previous job" resolution rule: for a
// given (module, job_id), the job with the numerically-largest job_id
// strictly less than the current one, scoped to the same module, found with
// one ORDER BY ... LIMIT 1 query (spec §4.G, §8 "Previous-job correctness").
// currentJobBuild is the current job's own job_id (CI module-build number),
// not the enclosing release's parent_build.
func (e *Engine) previousJobCounts(ctx context.Context, moduleID int64, currentJobBuild int) (*Counts, error) {
	const query = `
		SELECT total, passed, failed, skipped, error
		FROM jobs
		WHERE module_id = $1 AND job_id ~ '^[0-9]+$' AND job_id::int < $2
		ORDER BY job_id::int DESC
		LIMIT 1
	`

	var c Counts

	err := e.db.QueryRowContext(ctx, query, moduleID, currentJobBuild).
		Scan(&c.Total, &c.Passed, &c.Failed, &c.Skipped, &c.Error)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}

	return &c, nil
}

func (e *Engine) priorityBreakdown(ctx context.Context, jobID int64) ([]PriorityCounts, error) {
	const query = `
		SELECT priority, status, COUNT(*)
		FROM test_results WHERE job_id = $1
		GROUP BY priority, status
	`

	rows, err := e.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byPriority := make(map[Priority]*Counts)

	for rows.Next() {
		var rawPriority sql.NullString

		var status string

		var count int

		if err := rows.Scan(&rawPriority, &status, &count); err != nil {
			return nil, err
		}

		priority := NormalizePriority(rawPriority.String)

		counts, ok := byPriority[priority]
		if !ok {
			counts = &Counts{}
			byPriority[priority] = counts
		}

		addStatusCount(counts, status, count)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]PriorityCounts, 0, len(byPriority))
	for priority, counts := range byPriority {
		result = append(result, PriorityCounts{Priority: priority, Counts: *counts})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Priority < result[j].Priority })

	return result, nil
}

func addStatusCount(c *Counts, status string, count int) {
	c.Total += count

	switch status {
	case "PASSED":
		c.Passed += count
	case "FAILED":
		c.Failed += count
	case "SKIPPED":
		c.Skipped += count
	case "ERROR":
		c.Error += count
	}
}

// ModuleBreakdown implements query family 2: per-module aggregates across
// all Jobs under a parent build, optionally filtered by priority.
func (e *Engine) ModuleBreakdown(
	ctx context.Context,
	releaseName string,
	parentBuild int,
	priorities []Priority,
) ([]ModuleBreakdown, error) {
	start := time.Now()

	query := `
		SELECT tr.testcase_module, tr.status, COUNT(*)
		FROM test_results tr
		JOIN jobs j ON j.id = tr.job_id
		JOIN modules m ON m.id = j.module_id
		JOIN releases r ON r.id = m.release_id
		WHERE r.name = $1 AND j.parent_job_id = $2
	`

	args := []any{releaseName, fmt.Sprintf("%d", parentBuild)}

	if len(priorities) > 0 {
		// Passed as a text-array literal, like pqInt64Array in trends.go, since
		// database/sql cannot bind a []string argument directly.
		query += " AND tr.priority = ANY($3::text[])"
		args = append(args, "{"+strings.Join(priorityStrings(priorities), ",")+"}")
	}

	query += " GROUP BY tr.testcase_module, tr.status"

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("module breakdown query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byModule := make(map[string]*Counts)

	for rows.Next() {
		var module sql.NullString

		var status string

		var count int

		if err := rows.Scan(&module, &status, &count); err != nil {
			return nil, fmt.Errorf("scan module breakdown row: %w", err)
		}

		key := module.String

		counts, ok := byModule[key]
		if !ok {
			counts = &Counts{}
			byModule[key] = counts
		}

		addStatusCount(counts, status, count)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate module breakdown rows: %w", err)
	}

	result := make([]ModuleBreakdown, 0, len(byModule))
	for module, counts := range byModule {
		result = append(result, ModuleBreakdown{
			Module:   module,
			Counts:   *counts,
			PassRate: passRate(counts.Passed, counts.Failed, counts.Skipped),
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Module < result[j].Module })

	e.logger.Info("computed module breakdown",
		slog.String("release", releaseName), slog.Int("parent_build", parentBuild),
		slog.Int("module_count", len(result)), slog.Duration("duration", time.Since(start)))

	return result, nil
}

// passRate computes passed / (passed+failed+skipped); skipped tests are in
// the denominator, a deliberate choice documented in spec §9.
func passRate(passed, failed, skipped int) float64 {
	denominator := passed + failed + skipped
	if denominator == 0 {
		return 0
	}

	return float64(passed) / float64(denominator)
}

func priorityStrings(priorities []Priority) []string {
	out := make([]string, len(priorities))
	for i, p := range priorities {
		out[i] = string(p)
	}

	return out
}
