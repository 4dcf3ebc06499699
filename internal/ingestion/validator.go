package ingestion

import (
	"fmt"
	"regexp"
	"strings"
)

// Validator performs semantic validation of import requests before they reach
// the Import Service's single transaction. Mirrors the artifact-level field
// checks a parser performs, but scoped to the parameters that identify the
// (release, module, parent_build, module_build) being imported.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ImportParams identifies one import_job invocation per spec §4.D.
type ImportParams struct {
	ReleaseName string
	ModuleName  string
	ParentBuild int
	ModuleBuild int
	Version     string
}

// ValidateImportParams validates the parameters of an import_job call.
// Storage-level validations (FK constraints, unique violations) happen inside
// the Import Service's transaction, not here.
func (v *Validator) ValidateImportParams(params ImportParams) error {
	if strings.TrimSpace(params.ReleaseName) == "" {
		return ErrReleaseNameEmpty
	}

	if strings.TrimSpace(params.ModuleName) == "" {
		return ErrModuleNameEmpty
	}

	if params.ParentBuild <= 0 {
		return fmt.Errorf("%w: got %d", ErrParentBuildInvalid, params.ParentBuild)
	}

	if params.ModuleBuild <= 0 {
		return fmt.Errorf("%w: got %d", ErrModuleBuildInvalid, params.ModuleBuild)
	}

	return nil
}

// ModulePathDeriver derives the path-based testcase_module from a TestResult's
// file_path, per spec §3/§4.A: the regex is `^<test_root>/(?P<module>[^/]+)/`,
// the same rule testpath.ModulePattern compiles for the Artifact Parser and
// the Metadata Synchronizer's path-to-module mapping (§4.H).
type ModulePathDeriver struct {
	pattern *regexp.Regexp
}

// NewModulePathDeriver compiles the module-derivation regex for the given test
// root prefix (e.g. "/workspace/tests").
func NewModulePathDeriver(testRootPrefix string) *ModulePathDeriver {
	escaped := regexp.QuoteMeta(strings.TrimSuffix(testRootPrefix, "/"))
	pattern := regexp.MustCompile(`^` + escaped + `/([^/]+)/`)

	return &ModulePathDeriver{pattern: pattern}
}

// Derive returns the testcase_module extracted from filePath, and false when
// the path does not match the configured prefix (the caller stores NULL).
func (d *ModulePathDeriver) Derive(filePath string) (string, bool) {
	matches := d.pattern.FindStringSubmatch(filePath)
	if len(matches) != 2 {
		return "", false
	}

	return matches[1], true
}
