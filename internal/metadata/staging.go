package metadata

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// StagingSet is the parsed contents of a `staging_tests` ini-style file:
// section headers name a test class (or are empty for module-level
// top-level functions), and each key line under a section lists one test
// name currently staged rather than promoted to production (spec §4.H
// "Classify test-state via a staging_tests ini file: listed → STAGING else
// PROD").
//
// The file format needed here is a flat membership list, not general-purpose
// ini (no nested sections, no typed values), so this is a small hand-rolled
// scanner rather than a pulled-in ini library — see DESIGN.md.
type StagingSet struct {
	// entries maps "<class>.<test>" and "<test>" (class == "") to presence.
	entries map[string]bool
}

// ParseStagingFile reads a staging_tests file from path. A missing file is
// treated as an empty set (every test classifies as PROD).
func ParseStagingFile(path string) (*StagingSet, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return &StagingSet{entries: map[string]bool{}}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("metadata: open staging file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return parseStaging(file)
}

func parseStaging(r io.Reader) (*StagingSet, error) {
	set := &StagingSet{entries: make(map[string]bool)}

	section := ""

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}

		// Support "key = value" lines (value ignored) as well as bare test names.
		name := line
		if idx := strings.IndexByte(line, '='); idx >= 0 {
			name = strings.TrimSpace(line[:idx])
		}

		set.entries[key(section, name)] = true
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("metadata: scan staging file: %w", err)
	}

	return set, nil
}

// Contains reports whether (className, testName) is listed as staged.
// className may be empty for a module-level test function.
func (s *StagingSet) Contains(className, testName string) bool {
	if s == nil {
		return false
	}

	if s.entries[key(className, testName)] {
		return true
	}

	// A bare test name under no section also matches regardless of class,
	// so a staging file that only lists function names (no class grouping)
	// still works.
	return s.entries[key("", testName)]
}

func key(section, name string) string {
	if section == "" {
		return name
	}

	return section + "." + name
}
