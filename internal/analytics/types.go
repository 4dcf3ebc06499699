// Package analytics implements the five query families of component G: per
// build summaries, module breakdowns, trends, flaky detection, and failure
// clustering, each served as a pure function over Storage and Metadata
// (spec §4.G).
package analytics

// Priority is a normalized test priority. Any raw value outside {P0,P1,P2,P3}
// becomes UNKNOWN (spec §4.G, §9 "one shared NormalizePriority function").
type Priority string

const (
	PriorityP0      Priority = "P0"
	PriorityP1      Priority = "P1"
	PriorityP2      Priority = "P2"
	PriorityP3      Priority = "P3"
	PriorityUnknown Priority = "UNKNOWN"

	// DefaultFlakyWindow is the number of most recent jobs of a (release,
	// module) considered for flaky detection (spec §4.G "W=5 by default").
	DefaultFlakyWindow = 5
)

// NormalizePriority applies the P0..P3-else-UNKNOWN rule shared by the
// Analytics Engine and the Metadata Synchronizer.
func NormalizePriority(raw string) Priority {
	switch Priority(raw) {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return Priority(raw)
	default:
		return PriorityUnknown
	}
}

// Counts is a {total, passed, failed, skipped, error} breakdown.
type Counts struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
	Error   int
}

// PriorityCounts pairs a normalized Priority with its Counts.
type PriorityCounts struct {
	Priority Priority
	Counts   Counts
}

// Summary is the result of query family 1: current counts for one
// (release, module, parent_build), the prior job's counts for delta
// computation, and a per-priority breakdown.
type Summary struct {
	Current    Counts
	Previous   *Counts // nil when there is no prior job
	ByPriority []PriorityCounts
}

// ModuleBreakdown is one row of query family 2: per-module aggregates
// across all Jobs under a parent build.
type ModuleBreakdown struct {
	Module   string
	Counts   Counts
	PassRate float64 // passed / (passed+failed+skipped); 0 when denominator is 0
}

// TrendPoint is one row of query family 3: a time-ordered series entry.
type TrendPoint struct {
	ParentBuild int
	Passed      int
	Failed      int
	Total       int
	PassRate    float64
}

// FlakyTest is one result of query family 4: a test whose status flipped
// between PASSED and FAILED within the sliding window.
type FlakyTest struct {
	TestName         string
	TestcaseModule   string
	ObservedStatuses []string // ordered oldest to newest within the window
}

// FailureCluster is one group of query family 5: failed tests sharing a
// normalized stack-trace fingerprint.
type FailureCluster struct {
	Fingerprint string
	Size        int
	TestNames   []string
}
