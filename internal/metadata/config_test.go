package metadata

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTunablesMissingFileReturnsZeroValue(t *testing.T) {
	tunables, err := LoadTunables(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tunables.DiscoveryBasePath != "" || len(tunables.DecoratorAliases) != 0 {
		t.Errorf("expected zero value, got %+v", tunables)
	}
}

func TestLoadTunablesParsesDecoratorAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testwatch.yaml")

	contents := "discovery_base_path: tests/integration\ndecorator_aliases:\n  bed: testbed\n  mgmt: testmanagement\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tunables, err := LoadTunables(path)
	if err != nil {
		t.Fatalf("LoadTunables: %v", err)
	}

	if tunables.DiscoveryBasePath != "tests/integration" {
		t.Errorf("unexpected discovery base path: %q", tunables.DiscoveryBasePath)
	}

	if got := tunables.CanonicalDecorator("bed"); got != "testbed" {
		t.Errorf("CanonicalDecorator(bed) = %q, want testbed", got)
	}

	if got := tunables.CanonicalDecorator("unrelated"); got != "unrelated" {
		t.Errorf("CanonicalDecorator(unrelated) = %q, want passthrough", got)
	}
}
