package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// VersionCounters tracks one monotonically increasing counter per release,
// bumped on every successful import. Including the current counter value in
// a cache key makes stale entries unreachable without ever deleting them
// (spec §4.I "Invalidation on import is by-name").
type VersionCounters struct {
	counters sync.Map // releaseName -> *atomic.Uint64
}

// NewVersionCounters builds an empty set of per-release counters.
func NewVersionCounters() *VersionCounters {
	return &VersionCounters{}
}

// Bump increments the counter for releaseName and returns the new value.
func (v *VersionCounters) Bump(releaseName string) uint64 {
	counter := v.counterFor(releaseName)
	return counter.Add(1)
}

// Current returns the counter for releaseName without incrementing it.
func (v *VersionCounters) Current(releaseName string) uint64 {
	return v.counterFor(releaseName).Load()
}

func (v *VersionCounters) counterFor(releaseName string) *atomic.Uint64 {
	actual, _ := v.counters.LoadOrStore(releaseName, new(atomic.Uint64))
	return actual.(*atomic.Uint64)
}

// Key builds a coarse-grained cache key from a release's current version
// counter, a query name, and an arbitrary set of request-defining
// parameters. Every parameter that changes the response MUST be included,
// including booleans like compare/exclude_flaky (spec §9).
func Key(version uint64, queryName string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder

	fmt.Fprintf(&b, "v%d|%s", version, queryName)

	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, params[k])
	}

	return b.String()
}
