package metadata

import (
	"strings"
	"testing"
)

func TestParseStagingContentsBareNamesAndSections(t *testing.T) {
	content := `
; comment
[TestGateway]
test_flaky_login
test_slow_checkout = reason: known issue

[]
test_module_level_function
`

	set, err := parseStaging(strings.NewReader(content))
	if err != nil {
		t.Fatalf("parseStaging: %v", err)
	}

	if !set.Contains("TestGateway", "test_flaky_login") {
		t.Error("expected test_flaky_login under TestGateway to be staged")
	}

	if !set.Contains("TestGateway", "test_slow_checkout") {
		t.Error("expected test_slow_checkout with trailing value to be staged")
	}

	if !set.Contains("", "test_module_level_function") {
		t.Error("expected bare module-level function to be staged")
	}

	if set.Contains("TestGateway", "test_not_listed") {
		t.Error("expected unlisted test to classify as not staged")
	}
}

func TestParseStagingFileMissingReturnsEmptySet(t *testing.T) {
	set, err := ParseStagingFile("/nonexistent/staging_tests")
	if err != nil {
		t.Fatalf("unexpected error for missing file: %v", err)
	}

	if set.Contains("Anything", "test_x") {
		t.Error("expected empty set for missing file")
	}
}

func TestStagingSetContainsOnNilReceiver(t *testing.T) {
	var set *StagingSet

	if set.Contains("C", "t") {
		t.Error("expected nil StagingSet to report not staged")
	}
}
