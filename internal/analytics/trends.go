package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Trends implements query family 3: a time-ordered series across the last n
// parent builds of (release, module), optionally filtered to one priority
// and optionally excluding flaky-but-passing tests from the passed count.
//
// excludeFlaky requires moduleName to be non-empty: flakiness is defined per
// (release, module) (spec §4.G query family 4), so excluding it across every
// module of a release would require recomputing a separate sliding window
// per module on every trend point. Callers that want a release-wide trend
// leave excludeFlaky false.
func (e *Engine) Trends(
	ctx context.Context,
	releaseName, moduleName string,
	n int,
	priority *Priority,
	excludeFlaky bool,
) ([]TrendPoint, error) {
	start := time.Now()

	if excludeFlaky && moduleName == "" {
		return nil, fmt.Errorf("analytics: excludeFlaky requires a module name")
	}

	builds, err := e.recentParentBuilds(ctx, releaseName, moduleName, n)
	if err != nil {
		return nil, fmt.Errorf("recent parent builds: %w", err)
	}

	var flaky map[string]bool

	if excludeFlaky {
		flaky, err = e.flakyTestNames(ctx, releaseName, moduleName, DefaultFlakyWindow)
		if err != nil {
			return nil, fmt.Errorf("flaky test names: %w", err)
		}
	}

	points := make([]TrendPoint, 0, len(builds))

	for _, build := range builds {
		point, err := e.trendPoint(ctx, releaseName, moduleName, build, priority, flaky)
		if err != nil {
			return nil, fmt.Errorf("trend point for build %d: %w", build, err)
		}

		points = append(points, point)
	}

	// recentParentBuilds returns newest-first; trends read oldest-first.
	sort.Slice(points, func(i, j int) bool { return points[i].ParentBuild < points[j].ParentBuild })

	e.logger.Info("computed trends",
		slog.String("release", releaseName), slog.String("module", moduleName),
		slog.Int("points", len(points)), slog.Duration("duration", time.Since(start)))

	return points, nil
}

func (e *Engine) recentParentBuilds(ctx context.Context, releaseName, moduleName string, n int) ([]int, error) {
	query := `
		SELECT DISTINCT j.parent_job_id::int
		FROM jobs j
		JOIN modules m ON m.id = j.module_id
		JOIN releases r ON r.id = m.release_id
		WHERE r.name = $1 AND j.parent_job_id ~ '^[0-9]+$'
	`

	args := []any{releaseName}

	if moduleName != "" {
		query += " AND m.name = $2"
		args = append(args, moduleName)
	}

	query += fmt.Sprintf(" ORDER BY j.parent_job_id::int DESC LIMIT $%d", len(args)+1)
	args = append(args, n)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var builds []int

	for rows.Next() {
		var build int
		if err := rows.Scan(&build); err != nil {
			return nil, err
		}

		builds = append(builds, build)
	}

	return builds, rows.Err()
}

func (e *Engine) trendPoint(
	ctx context.Context,
	releaseName, moduleName string,
	parentBuild int,
	priority *Priority,
	flaky map[string]bool,
) (TrendPoint, error) {
	query := `
		SELECT tr.test_name, tr.status
		FROM test_results tr
		JOIN jobs j ON j.id = tr.job_id
		JOIN modules m ON m.id = j.module_id
		JOIN releases r ON r.id = m.release_id
		WHERE r.name = $1 AND j.parent_job_id = $2
	`

	args := []any{releaseName, fmt.Sprintf("%d", parentBuild)}

	if moduleName != "" {
		query += " AND m.name = $3"
		args = append(args, moduleName)
	}

	if priority != nil {
		query += fmt.Sprintf(" AND tr.priority = $%d", len(args)+1)
		args = append(args, string(*priority))
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TrendPoint{}, err
	}
	defer func() { _ = rows.Close() }()

	point := TrendPoint{ParentBuild: parentBuild}

	var passed, failed, skipped int

	for rows.Next() {
		var testName, status string
		if err := rows.Scan(&testName, &status); err != nil {
			return TrendPoint{}, err
		}

		if status == "PASSED" && flaky[testName] {
			continue // excluded: flaky-but-passing
		}

		switch status {
		case "PASSED":
			passed++
		case "FAILED":
			failed++
		case "SKIPPED":
			skipped++
		}
	}

	if err := rows.Err(); err != nil {
		return TrendPoint{}, err
	}

	point.Passed = passed
	point.Failed = failed
	point.Total = passed + failed + skipped
	point.PassRate = passRate(passed, failed, skipped)

	return point, nil
}

// FlakyTests implements query family 4: tests whose observed status set
// within the W most recent jobs of (release, module) contains both PASSED
// and FAILED.
func (e *Engine) FlakyTests(ctx context.Context, releaseName, moduleName string, window int) ([]FlakyTest, error) {
	start := time.Now()

	if window <= 0 {
		window = DefaultFlakyWindow
	}

	jobIDs, err := e.recentJobIDs(ctx, releaseName, moduleName, window)
	if err != nil {
		return nil, fmt.Errorf("recent job ids: %w", err)
	}

	if len(jobIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT tr.test_name, j.id, tr.status
		FROM test_results tr
		JOIN jobs j ON j.id = tr.job_id
		WHERE j.id = ANY($1::bigint[])
		ORDER BY j.job_id::int ASC
	`

	rows, err := e.db.QueryContext(ctx, query, pqInt64Array(jobIDs))
	if err != nil {
		return nil, fmt.Errorf("flaky test query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	statusesByTest := make(map[string][]string)

	for rows.Next() {
		var testName, status string

		var jobID int64

		if err := rows.Scan(&testName, &jobID, &status); err != nil {
			return nil, fmt.Errorf("scan flaky test row: %w", err)
		}

		statusesByTest[testName] = append(statusesByTest[testName], status)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flaky test rows: %w", err)
	}

	var flaky []FlakyTest

	for testName, statuses := range statusesByTest {
		if hasPassedAndFailed(statuses) {
			flaky = append(flaky, FlakyTest{
				TestName:         testName,
				TestcaseModule:   moduleName,
				ObservedStatuses: statuses,
			})
		}
	}

	sort.Slice(flaky, func(i, j int) bool { return flaky[i].TestName < flaky[j].TestName })

	e.logger.Info("computed flaky tests",
		slog.String("release", releaseName), slog.String("module", moduleName),
		slog.Int("window", window), slog.Int("flaky_count", len(flaky)),
		slog.Duration("duration", time.Since(start)))

	return flaky, nil
}

// flakyTestNames is the set form of FlakyTests, used by Trends to subtract
// flaky-but-passing occurrences from the passed count.
func (e *Engine) flakyTestNames(ctx context.Context, releaseName, moduleName string, window int) (map[string]bool, error) {
	flaky, err := e.FlakyTests(ctx, releaseName, moduleName, window)
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(flaky))
	for _, f := range flaky {
		names[f.TestName] = true
	}

	return names, nil
}

func hasPassedAndFailed(statuses []string) bool {
	var sawPassed, sawFailed bool

	for _, s := range statuses {
		switch s {
		case "PASSED":
			sawPassed = true
		case "FAILED":
			sawFailed = true
		}
	}

	return sawPassed && sawFailed
}

// recentJobIDs returns the row ids of the window most recent jobs of
// (release, module), "most recent" meaning the largest job_id values — the
// module's own CI build number, not the enclosing release's parent_job_id
// (spec §4.G, "W most recent jobs of the same (release, module)" is the same
// module-level recency notion as the "previous job" rule, spec.md:115).
func (e *Engine) recentJobIDs(ctx context.Context, releaseName, moduleName string, window int) ([]int64, error) {
	const query = `
		SELECT j.id
		FROM jobs j
		JOIN modules m ON m.id = j.module_id
		JOIN releases r ON r.id = m.release_id
		WHERE r.name = $1 AND m.name = $2 AND j.job_id ~ '^[0-9]+$'
		ORDER BY j.job_id::int DESC
		LIMIT $3
	`

	rows, err := e.db.QueryContext(ctx, query, releaseName, moduleName, window)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// pqInt64Array renders ids as a Postgres integer array literal for = ANY($1).
// A hand-rolled literal (rather than pq.Array, which needs a driver-aware
// Valuer at the call site) keeps this package decoupled from lib/pq.
func pqInt64Array(ids []int64) string {
	literal := "{"

	for i, id := range ids {
		if i > 0 {
			literal += ","
		}

		literal += fmt.Sprintf("%d", id)
	}

	return literal + "}"
}
