package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

// maskPattern matches a hex address or a run of digits. The hex alternative is
// tried first, so "0x1f" is masked as one token rather than digit by digit.
var maskPattern = regexp.MustCompile(`0x[0-9a-fA-F]+|\d+`)

// fingerprintStackTrace derives a clustering key from a raw stack trace: the
// first non-blank line, with hex addresses masked to "0xN" and every other
// run of digits masked to "N" so that failures differing only by memory
// address, line number or another numeric value still collapse into the same
// cluster. An empty or whitespace-only trace fingerprints to the empty
// string, putting every such failure in one bucket (spec §9).
func fingerprintStackTrace(trace string) string {
	for _, line := range strings.Split(trace, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		return maskPattern.ReplaceAllStringFunc(trimmed, func(token string) string {
			if strings.HasPrefix(token, "0x") {
				return "0xN"
			}

			return "N"
		})
	}

	return ""
}

// FailureClusters implements query family 5: failed tests of one
// (release, module, parent_build) job grouped by normalized stack-trace
// fingerprint, largest cluster first, paginated with skip/limit and
// filtered to clusters of at least minClusterSize.
//
// Clustering runs in Go over the job's failed rows rather than in SQL: the
// fingerprint normalization (mask hex/numeric tokens, take the first
// non-blank line) is not expressible as a simple GROUP BY key, and a single
// job's failures are small enough to hold in memory.
func (e *Engine) FailureClusters(
	ctx context.Context,
	releaseName, moduleName string,
	parentBuild int,
	limit, skip, minClusterSize int,
) ([]FailureCluster, error) {
	start := time.Now()

	moduleID, err := e.resolveModuleID(ctx, releaseName, moduleName)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT tr.test_name, tr.stack_trace
		FROM test_results tr
		JOIN jobs j ON j.id = tr.job_id
		WHERE j.module_id = $1 AND j.parent_job_id = $2
		  AND tr.status IN ('FAILED', 'ERROR')
	`

	rows, err := e.db.QueryContext(ctx, query, moduleID, fmt.Sprintf("%d", parentBuild))
	if err != nil {
		return nil, fmt.Errorf("failure cluster query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byFingerprint := make(map[string][]string)

	for rows.Next() {
		var testName string

		var stackTrace *string

		if err := rows.Scan(&testName, &stackTrace); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}

		trace := ""
		if stackTrace != nil {
			trace = *stackTrace
		}

		fingerprint := fingerprintStackTrace(trace)
		byFingerprint[fingerprint] = append(byFingerprint[fingerprint], testName)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failure rows: %w", err)
	}

	clusters := make([]FailureCluster, 0, len(byFingerprint))

	for fingerprint, names := range byFingerprint {
		if len(names) < minClusterSize {
			continue
		}

		sort.Strings(names)

		clusters = append(clusters, FailureCluster{
			Fingerprint: fingerprint,
			Size:        len(names),
			TestNames:   names,
		})
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}

		return clusters[i].Fingerprint < clusters[j].Fingerprint
	})

	if skip > len(clusters) {
		skip = len(clusters)
	}

	clusters = clusters[skip:]

	if limit > 0 && limit < len(clusters) {
		clusters = clusters[:limit]
	}

	e.logger.Info("computed failure clusters",
		slog.String("release", releaseName), slog.String("module", moduleName),
		slog.Int("parent_build", parentBuild), slog.Int("clusters", len(clusters)),
		slog.Duration("duration", time.Since(start)))

	return clusters, nil
}
