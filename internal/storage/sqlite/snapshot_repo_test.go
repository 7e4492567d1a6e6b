package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"histagg/internal/storage"
)

func openTestRepo(t *testing.T) storage.SnapshotRepository {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "snap.db")
	repo, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.EnsureTables(context.Background()); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	// idempotent
	if err := repo.EnsureTables(context.Background()); err != nil {
		t.Fatalf("EnsureTables (second call): %v", err)
	}
	return repo
}

func TestSnapshotRepo_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openTestRepo(t)

	paths := []storage.FieldPath{
		{Path: "payload.histograms.gc_ms", DataType: "STRING"},
		{Path: "payload", DataType: "RECORD"},
		{Path: "payload.histograms", DataType: "RECORD"},
		{Path: "payload.histograms.gc_ms", DataType: "STRING"}, // duplicate
	}
	n, err := repo.ReplaceFieldPaths(ctx, "proj.ds.main_v4", paths)
	if err != nil {
		t.Fatalf("ReplaceFieldPaths: %v", err)
	}
	if n != 3 {
		t.Fatalf("rows written=%d, want 3", n)
	}

	got, err := repo.SelectFieldPaths(ctx, "proj.ds.main_v4")
	if err != nil {
		t.Fatalf("SelectFieldPaths: %v", err)
	}
	want := []string{"payload", "payload.histograms", "payload.histograms.gc_ms"}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d: %#v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Path != w {
			t.Fatalf("row %d path=%q, want %q", i, got[i].Path, w)
		}
	}
	if got[0].DataType != "RECORD" {
		t.Fatalf("payload type=%q, want RECORD", got[0].DataType)
	}
}

func TestSnapshotRepo_ReplaceIsScopedToTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openTestRepo(t)

	if _, err := repo.ReplaceFieldPaths(ctx, "a", []storage.FieldPath{{Path: "x", DataType: "STRING"}}); err != nil {
		t.Fatalf("replace a: %v", err)
	}
	if _, err := repo.ReplaceFieldPaths(ctx, "b", []storage.FieldPath{{Path: "y", DataType: "STRING"}}); err != nil {
		t.Fatalf("replace b: %v", err)
	}
	if _, err := repo.ReplaceFieldPaths(ctx, "a", []storage.FieldPath{{Path: "z", DataType: "INT64"}}); err != nil {
		t.Fatalf("replace a again: %v", err)
	}

	a, _ := repo.SelectFieldPaths(ctx, "a")
	if len(a) != 1 || a[0].Path != "z" {
		t.Fatalf("table a = %#v, want only z", a)
	}
	b, _ := repo.SelectFieldPaths(ctx, "b")
	if len(b) != 1 || b[0].Path != "y" {
		t.Fatalf("table b = %#v, want only y", b)
	}

	none, err := repo.SelectFieldPaths(ctx, "missing")
	if err != nil {
		t.Fatalf("select missing: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Fatalf("missing table should be an empty non-nil slice, got %#v", none)
	}
}

func TestSnapshotRepo_ChunkedInsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openTestRepo(t)

	paths := make([]storage.FieldPath, 0, insertChunkRows+7)
	for i := 0; i < insertChunkRows+7; i++ {
		paths = append(paths, storage.FieldPath{Path: fmt.Sprintf("payload.histograms.p%04d", i), DataType: "STRING"})
	}
	n, err := repo.ReplaceFieldPaths(ctx, "t", paths)
	if err != nil {
		t.Fatalf("ReplaceFieldPaths: %v", err)
	}
	if n != int64(len(paths)) {
		t.Fatalf("rows written=%d, want %d", n, len(paths))
	}
}

func TestSnapshotRepo_RejectsEmptyTable(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	if _, err := repo.ReplaceFieldPaths(context.Background(), " ", nil); err == nil {
		t.Fatalf("expected error for empty table")
	}
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("t", []storage.FieldPath{{Path: "a", DataType: "STRING"}, {Path: "b", DataType: "INT64"}})
	if !strings.HasPrefix(q, `INSERT INTO "schema_field_paths" (table_name, field_path, data_type) VALUES `) {
		t.Fatalf("unexpected prefix: %s", q)
	}
	if strings.Count(q, "(?, ?, ?)") != 2 {
		t.Fatalf("expected 2 value tuples: %s", q)
	}
	if len(args) != 6 || args[0] != "t" || args[4] != "b" {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestSQLIdent(t *testing.T) {
	t.Parallel()
	if got := sqlIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("sqlIdent=%s", got)
	}
}
