package main

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestNewEmbeddedMigration(t *testing.T) {
	t.Run("nil filesystem falls back to embedded default", func(t *testing.T) {
		e := NewEmbeddedMigration(nil)
		if e.fs == nil {
			t.Fatal("expected fallback to embedded filesystem")
		}
	})

	t.Run("injected filesystem is used as-is", func(t *testing.T) {
		fsys := fstest.MapFS{
			"001_initial.up.sql":   {Data: []byte("CREATE TABLE x (id INT);")},
			"001_initial.down.sql": {Data: []byte("DROP TABLE x;")},
		}

		e := NewEmbeddedMigration(fsys)

		files, err := e.ListEmbeddedMigrations()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(files) != 2 {
			t.Errorf("expected 2 files, got %d", len(files))
		}
	})
}

func TestListEmbeddedMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_releases.up.sql":   {Data: []byte("-- up")},
		"001_releases.down.sql": {Data: []byte("-- down")},
		"002_modules.up.sql":    {Data: []byte("-- up")},
		"002_modules.down.sql":  {Data: []byte("-- down")},
		"README.md":             {Data: []byte("not a migration")},
		"garbage.sql":           {Data: []byte("doesn't match the naming pattern")},
	}

	e := NewEmbeddedMigration(fsys)

	files, err := e.ListEmbeddedMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(files) != 4 {
		t.Fatalf("expected 4 matching migration files, got %d: %v", len(files), files)
	}

	expected := []string{
		"001_releases.down.sql",
		"001_releases.up.sql",
		"002_modules.down.sql",
		"002_modules.up.sql",
	}

	for i, name := range expected {
		if files[i] != name {
			t.Errorf("expected files[%d] = %s, got %s", i, name, files[i])
		}
	}
}

func TestValidateEmbeddedMigrations(t *testing.T) {
	tests := []struct {
		name        string
		fsys        fstest.MapFS
		wantErr     bool
		errContains string
	}{
		{
			name: "valid paired sequential migrations",
			fsys: fstest.MapFS{
				"001_releases.up.sql":   {Data: []byte("CREATE TABLE releases (id UUID PRIMARY KEY);")},
				"001_releases.down.sql": {Data: []byte("DROP TABLE releases;")},
				"002_modules.up.sql":    {Data: []byte("CREATE TABLE modules (id UUID PRIMARY KEY);")},
				"002_modules.down.sql":  {Data: []byte("DROP TABLE modules;")},
			},
			wantErr: false,
		},
		{
			name:        "no migration files",
			fsys:        fstest.MapFS{},
			wantErr:     true,
			errContains: "no embedded migration files found",
		},
		{
			name: "orphaned up migration missing down",
			fsys: fstest.MapFS{
				"001_releases.up.sql": {Data: []byte("CREATE TABLE releases (id UUID PRIMARY KEY);")},
			},
			wantErr:     true,
			errContains: "missing down migration",
		},
		{
			name: "gap in sequence",
			fsys: fstest.MapFS{
				"001_releases.up.sql":   {Data: []byte("-- up")},
				"001_releases.down.sql": {Data: []byte("-- down")},
				"003_jobs.up.sql":       {Data: []byte("-- up")},
				"003_jobs.down.sql":     {Data: []byte("-- down")},
			},
			wantErr:     true,
			errContains: "gap in migration sequence",
		},
		{
			name: "sequence does not start at 001",
			fsys: fstest.MapFS{
				"002_modules.up.sql":   {Data: []byte("-- up")},
				"002_modules.down.sql": {Data: []byte("-- down")},
			},
			wantErr:     true,
			errContains: "should start with 001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEmbeddedMigration(tt.fsys)

			err := e.ValidateEmbeddedMigrations()

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error to contain %q, got: %v", tt.errContains, err)
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateEmbeddedMigrationsDetectsModification(t *testing.T) {
	fsys := fstest.MapFS{
		"001_releases.up.sql":   {Data: []byte("CREATE TABLE releases (id UUID PRIMARY KEY);")},
		"001_releases.down.sql": {Data: []byte("DROP TABLE releases;")},
	}

	e := NewEmbeddedMigration(fsys)

	if err := e.ValidateEmbeddedMigrations(); err != nil {
		t.Fatalf("unexpected error on first validation: %v", err)
	}

	fsys["001_releases.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE releases (id UUID PRIMARY KEY, extra TEXT);")}

	err := e.ValidateEmbeddedMigrations()
	if err == nil {
		t.Fatal("expected checksum mismatch error after modifying file content")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("expected checksum mismatch error, got: %v", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	e := NewEmbeddedMigration(fstest.MapFS{})

	tests := []struct {
		name       string
		filename   string
		wantErr    bool
		wantSeq    int
		wantName   string
		wantDir    string
	}{
		{
			name:     "valid up migration",
			filename: "001_releases.up.sql",
			wantSeq:  1,
			wantName: "releases",
			wantDir:  "up",
		},
		{
			name:     "valid down migration",
			filename: "007_metadata_sync_locks.down.sql",
			wantSeq:  7,
			wantName: "metadata_sync_locks",
			wantDir:  "down",
		},
		{
			name:     "missing direction suffix",
			filename: "001_releases.sql",
			wantErr:  true,
		},
		{
			name:     "non-numeric sequence",
			filename: "abc_releases.up.sql",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := e.parseMigrationFilename(tt.filename)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if info.Sequence != tt.wantSeq {
				t.Errorf("expected sequence %d, got %d", tt.wantSeq, info.Sequence)
			}
			if info.Name != tt.wantName {
				t.Errorf("expected name %s, got %s", tt.wantName, info.Name)
			}
			if info.Direction != tt.wantDir {
				t.Errorf("expected direction %s, got %s", tt.wantDir, info.Direction)
			}
		})
	}
}

func TestGetEmbeddedMigrationContent(t *testing.T) {
	fsys := fstest.MapFS{
		"001_releases.up.sql": {Data: []byte("CREATE TABLE releases (id UUID PRIMARY KEY);")},
	}

	e := NewEmbeddedMigration(fsys)

	content, err := e.GetEmbeddedMigrationContent("001_releases.up.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(content) != "CREATE TABLE releases (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected content: %s", content)
	}

	if _, err := e.GetEmbeddedMigrationContent("missing.sql"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRealEmbeddedMigrationsAreValid(t *testing.T) {
	e := NewEmbeddedMigration(nil)

	if err := e.ValidateEmbeddedMigrations(); err != nil {
		t.Fatalf("embedded migration files shipped with the binary must be valid: %v", err)
	}

	files, err := e.ListEmbeddedMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(files) != 14 {
		t.Errorf("expected 14 embedded migration files (7 pairs), got %d", len(files))
	}
}
