package database

import (
	"context"
	"embed"
	"io/fs"
	"testing"
	"testing/fstest"
)

//go:embed testdata/*.sql
var testdataFS embed.FS

// withMigrations registers fsys for the duration of t.
func withMigrations(t *testing.T, fsys fs.FS, dir string) {
	t.Helper()
	prev := RegisterMigrations(fsys, dir)
	t.Cleanup(func() { registered = prev })
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n == 1
}

// ===== Migrate =====

func TestMigrate(t *testing.T) {
	withMigrations(t, testdataFS, "testdata")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "test_nodes") {
		t.Fatal("Migrate() did not create test_nodes")
	}

	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 0 {
		t.Fatalf("MigrationStatus() = %d applied, %d pending, want 1, 0", len(applied), len(pending))
	}
	if applied[0].Version != "20260301_090000" || applied[0].Name != "create_test_nodes" {
		t.Errorf("applied[0] = %+v", applied[0])
	}
	if applied[0].AppliedAt.IsZero() {
		t.Error("applied[0].AppliedAt is zero")
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrate_Ordered(t *testing.T) {
	withMigrations(t, fstest.MapFS{
		"20260302_000000_add_index.up.sql":  {Data: []byte("CREATE INDEX idx_a_v ON a(v);")},
		"20260301_000000_create_a.up.sql":   {Data: []byte("CREATE TABLE a (v INTEGER);")},
		"20260301_000000_create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"README.md":                         {Data: []byte("not a migration")},
		"20260303_000000_orphan.down.sql":   {Data: []byte("DROP TABLE nothing;")},
	}, ".")
	db := openTestDB(t)

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	applied, pending, err := db.MigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Fatalf("MigrationStatus() = %d applied, %d pending, want 2, 0", len(applied), len(pending))
	}
	if applied[0].Name != "create_a" || applied[1].Name != "add_index" {
		t.Errorf("applied order = %s, %s", applied[0].Name, applied[1].Name)
	}
}

func TestMigrate_FailureStopsAndResumes(t *testing.T) {
	fsys := fstest.MapFS{
		"20260301_000000_create_a.up.sql": {Data: []byte("CREATE TABLE a (v INTEGER);")},
		"20260302_000000_broken.up.sql":   {Data: []byte("CREATE TABLE oops (")},
	}
	withMigrations(t, fsys, ".")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() should fail on broken SQL")
	}
	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 1 {
		t.Fatalf("after failure: %d applied, %d pending, want 1, 1", len(applied), len(pending))
	}

	fsys["20260302_000000_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE fixed (v INTEGER);")}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() after fix error = %v", err)
	}
	if !tableExists(t, db, "fixed") {
		t.Error("resumed Migrate() did not create fixed")
	}
}

func TestMigrate_NoSource(t *testing.T) {
	withMigrations(t, nil, "")
	db := openTestDB(t)

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() with no source error = %v", err)
	}
}

func TestMigrate_MissingDir(t *testing.T) {
	withMigrations(t, fstest.MapFS{}, "nowhere")
	db := openTestDB(t)

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() with missing dir error = %v", err)
	}
}

// ===== Rollback =====

func TestRollback(t *testing.T) {
	withMigrations(t, testdataFS, "testdata")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if tableExists(t, db, "test_nodes") {
		t.Error("Rollback() left test_nodes in place")
	}

	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 0 || len(pending) != 1 {
		t.Errorf("after Rollback: %d applied, %d pending, want 0, 1", len(applied), len(pending))
	}

	if err := db.Rollback(ctx); err != nil {
		t.Errorf("Rollback() with nothing applied error = %v", err)
	}
}

func TestRollback_NoDownScript(t *testing.T) {
	withMigrations(t, fstest.MapFS{
		"20260301_000000_create_a.up.sql": {Data: []byte("CREATE TABLE a (v INTEGER);")},
	}, ".")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.Rollback(ctx); err == nil {
		t.Error("Rollback() should fail without a down script")
	}
	if !tableExists(t, db, "a") {
		t.Error("failed Rollback() dropped the table")
	}
}

// ===== Filename parsing =====

func TestParseMigrationFile(t *testing.T) {
	tests := []struct {
		filename string
		want     migrationFile
		wantOK   bool
	}{
		{"20260301_090000_mesh_schema.up.sql", migrationFile{"20260301_090000", "mesh_schema", true}, true},
		{"20260301_090000_mesh_schema.down.sql", migrationFile{"20260301_090000", "mesh_schema", false}, true},
		{"20260301_090000_add_role_to_nodes.up.sql", migrationFile{"20260301_090000", "add_role_to_nodes", true}, true},
		{"20260301_090000.up.sql", migrationFile{"20260301_090000", "20260301_090000", true}, true},
		{"readme.txt", migrationFile{}, false},
		{"20260301_090000_mesh_schema.sql", migrationFile{}, false},
		{"invalid.up.sql", migrationFile{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, ok := parseMigrationFile(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("parseMigrationFile(%q) ok = %v, want %v", tt.filename, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("parseMigrationFile(%q) = %+v, want %+v", tt.filename, got, tt.want)
			}
		})
	}
}
