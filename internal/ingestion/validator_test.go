package ingestion

import (
	"errors"
	"testing"
)

func TestValidateImportParams(t *testing.T) {
	tests := []struct {
		name    string
		params  ImportParams
		wantErr error
	}{
		{
			name: "valid params",
			params: ImportParams{
				ReleaseName: "release-2.0",
				ModuleName:  "gateway",
				ParentBuild: 11,
				ModuleBuild: 5,
			},
		},
		{
			name: "empty release name",
			params: ImportParams{
				ModuleName:  "gateway",
				ParentBuild: 11,
				ModuleBuild: 5,
			},
			wantErr: ErrReleaseNameEmpty,
		},
		{
			name: "empty module name",
			params: ImportParams{
				ReleaseName: "release-2.0",
				ParentBuild: 11,
				ModuleBuild: 5,
			},
			wantErr: ErrModuleNameEmpty,
		},
		{
			name: "zero parent build",
			params: ImportParams{
				ReleaseName: "release-2.0",
				ModuleName:  "gateway",
				ModuleBuild: 5,
			},
			wantErr: ErrParentBuildInvalid,
		},
		{
			name: "negative module build",
			params: ImportParams{
				ReleaseName: "release-2.0",
				ModuleName:  "gateway",
				ParentBuild: 11,
				ModuleBuild: -1,
			},
			wantErr: ErrModuleBuildInvalid,
		},
	}

	v := NewValidator()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateImportParams(tt.params)

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestModulePathDeriverDerive(t *testing.T) {
	deriver := NewModulePathDeriver("/workspace/tests")

	tests := []struct {
		name       string
		filePath   string
		wantModule string
		wantOK     bool
	}{
		{
			name:       "matches prefix",
			filePath:   "/workspace/tests/gateway/test_routing.py",
			wantModule: "gateway",
			wantOK:     true,
		},
		{
			name:       "matches nested path",
			filePath:   "/workspace/tests/billing/invoices/test_totals.py",
			wantModule: "billing",
			wantOK:     true,
		},
		{
			name:     "does not match prefix",
			filePath: "/opt/other/gateway/test_routing.py",
			wantOK:   false,
		},
		{
			name:     "prefix with no module segment",
			filePath: "/workspace/tests/test_root_level.py",
			wantOK:   false,
		},
		{
			name:     "empty path",
			filePath: "",
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			module, ok := deriver.Derive(tt.filePath)

			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}

			if ok && module != tt.wantModule {
				t.Errorf("expected module %q, got %q", tt.wantModule, module)
			}
		})
	}
}

func TestModulePathDeriverTrimsTrailingSlash(t *testing.T) {
	deriver := NewModulePathDeriver("/workspace/tests/")

	module, ok := deriver.Derive("/workspace/tests/gateway/test_routing.py")
	if !ok {
		t.Fatal("expected match")
	}
	if module != "gateway" {
		t.Errorf("expected module 'gateway', got %q", module)
	}
}
