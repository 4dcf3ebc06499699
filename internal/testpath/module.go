// Package testpath derives a test's module name from its source path. The
// Artifact Parser (§4.A) and the Metadata Synchronizer's discovery (§4.H)
// both need the same `testcase_module` derivation so a test imported from a
// JUnit artifact and the same test discovered from source agree on module
// name (spec §4, "Regex-based testcase_module derivation").
package testpath

import (
	"regexp"
	"strings"
)

// ModulePattern compiles the `^<test_root>/(?P<module>[^/]+)/` regex used to
// extract a module name from a test's file path. An empty prefix disables
// derivation; ModuleFor then always returns "".
func ModulePattern(testRootPrefix string) *regexp.Regexp {
	if testRootPrefix == "" {
		return nil
	}

	return regexp.MustCompile("^" + regexp.QuoteMeta(strings.TrimSuffix(testRootPrefix, "/")) + `/([^/]+)/`)
}

// ModuleFor applies pattern to path, returning the captured module segment
// or "" when pattern is nil or does not match.
func ModuleFor(pattern *regexp.Regexp, path string) string {
	if pattern == nil {
		return ""
	}

	match := pattern.FindStringSubmatch(path)
	if match == nil {
		return ""
	}

	return match[1]
}
