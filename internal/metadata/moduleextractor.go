package metadata

import (
	"regexp"

	"github.com/testwatch/testwatch/internal/testpath"
)

// regexpModuleExtractor adapts the shared testpath helper for Discoverer,
// which works with filesystem paths rather than the artifact's `file`
// attribute but applies the identical rule (spec §4, "shared by the
// Artifact Parser and the Metadata Synchronizer's path-to-module mapping").
type regexpModuleExtractor struct {
	pattern *regexp.Regexp
}

func newModuleExtractor(testRootPrefix string) *regexpModuleExtractor {
	return &regexpModuleExtractor{pattern: testpath.ModulePattern(testRootPrefix)}
}

func (m *regexpModuleExtractor) moduleFor(path string) string {
	return testpath.ModuleFor(m.pattern, path)
}
