package metadata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tunables holds the Synchronizer's own optional overrides, loaded from a
// `testwatch.yaml` file checked into the source tree being synced. Unlike
// release overrides (plain DB rows, spec §3), these are synchronizer-level
// knobs: where discovery should start looking, and alternate decorator
// names a codebase might use in place of `testbed`/`testmanagement`.
//
// Only DecoratorAliases is consulted, by a Discoverer built with
// NewDiscovererWithTunables; DiscoveryBasePath is parsed but not read. The
// Synchronizer does not call LoadTunables and builds its Discoverer without
// Tunables.
//
// Same loader shape as the teacher's `.correlator.yaml` dataset-aliasing
// config (internal/aliasing.Config): optional file, zero value when absent.
type Tunables struct {
	DiscoveryBasePath string            `yaml:"discovery_base_path"`
	DecoratorAliases  map[string]string `yaml:"decorator_aliases"` // alias name -> canonical ("testbed" | "testmanagement")
}

// LoadTunables reads path if it exists, returning the zero Tunables
// otherwise.
func LoadTunables(path string) (Tunables, error) {
	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Tunables{}, nil
	}

	if err != nil {
		return Tunables{}, fmt.Errorf("metadata: read tunables file: %w", err)
	}

	var t Tunables

	if err := yaml.Unmarshal(contents, &t); err != nil {
		return Tunables{}, fmt.Errorf("metadata: parse tunables file: %w", err)
	}

	return t, nil
}

// CanonicalDecorator resolves an alias to its canonical decorator name, or
// returns name unchanged when no alias is configured for it.
func (t Tunables) CanonicalDecorator(name string) string {
	if canonical, ok := t.DecoratorAliases[name]; ok {
		return canonical
	}

	return name
}
