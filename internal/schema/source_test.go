package schema

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"histagg/internal/storage"
	_ "histagg/internal/storage/sqlite"
)

const tablesGetBody = `{
  "kind": "bigquery#table",
  "schema": {
    "fields": [
      {"name": "client_id", "type": "STRING", "mode": "NULLABLE"},
      {"name": "payload", "type": "RECORD", "mode": "NULLABLE", "fields": [
        {"name": "histograms", "type": "RECORD", "fields": [
          {"name": "gc_ms", "type": "STRING"}
        ]},
        {"name": "processes", "type": "RECORD", "fields": [
          {"name": "content", "type": "RECORD", "fields": [
            {"name": "histograms", "type": "RECORD", "fields": [
              {"name": "gc_ms", "type": "STRING"}
            ]}
          ]}
        ]}
      ]}
    ]
  }
}`

func TestBigQuerySource_Load(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if !strings.HasSuffix(r.URL.Path, "/projects/proj/datasets/telemetry_stable/tables/main_v4") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tablesGetBody))
	}))
	defer srv.Close()

	src, err := NewSource(context.Background(), SourceConfig{
		Kind:          "bigquery",
		Project:       "proj",
		Dataset:       "telemetry_stable",
		Table:         "main_v4",
		ClientOptions: []option.ClientOption{option.WithEndpoint(srv.URL), option.WithoutAuthentication()},
	})
	require.NoError(t, err)

	s, err := src.Load(context.Background())
	require.NoError(t, err, "path=%s", gotPath)

	probes, err := Extract(s, Histograms, nil)
	require.NoError(t, err)
	assert.Equal(t, Probes{"gc_ms": {"content", "parent"}}, probes)

	payload, ok := s.Field("payload")
	require.True(t, ok)
	assert.Equal(t, "NULLABLE", payload.Mode)
}

func TestBigQuerySource_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	src, err := NewSource(context.Background(), SourceConfig{
		Kind: "bigquery", Project: "p", Dataset: "d", Table: "t",
		ClientOptions: []option.ClientOption{option.WithEndpoint(srv.URL), option.WithoutAuthentication()},
	})
	require.NoError(t, err)

	_, err = src.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bigquery tables.get p.d.t")
}

func TestBigQuerySource_RequiresReference(t *testing.T) {
	t.Parallel()

	_, err := NewSource(context.Background(), SourceConfig{Kind: "bigquery", Project: "p"})
	require.Error(t, err)
}

func TestParseJSON_Shapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"array", `[{"name":"payload","type":"RECORD","fields":[{"name":"histograms","type":"RECORD","fields":[{"name":"a","type":"STRING"}]}]}]`},
		{"fields", `{"fields":[{"name":"payload","type":"RECORD","fields":[{"name":"histograms","type":"RECORD","fields":[{"name":"a","type":"STRING"}]}]}]}`},
		{"tables_get", `{"schema":{"fields":[{"name":"payload","type":"RECORD","fields":[{"name":"histograms","type":"RECORD","fields":[{"name":"a","type":"STRING"}]}]}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseJSON([]byte(tt.doc))
			require.NoError(t, err)
			probes, err := Extract(s, Histograms, nil)
			require.NoError(t, err)
			assert.Equal(t, Probes{"a": {"parent"}}, probes)
		})
	}

	_, err := ParseJSON([]byte("   "))
	assert.Error(t, err)
	_, err = ParseJSON([]byte("{nope"))
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(tablesGetBody), 0o644))

	src, err := NewSource(context.Background(), SourceConfig{Kind: "file", File: path})
	require.NoError(t, err)
	s, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.Fields, 2)

	_, err = NewSource(context.Background(), SourceConfig{Kind: "file"})
	assert.Error(t, err)

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing.json")}.Load(context.Background())
	assert.Error(t, err)
}

func TestNewSource_Unknown(t *testing.T) {
	t.Parallel()

	_, err := NewSource(context.Background(), SourceConfig{Kind: "csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported source")

	_, err = NewSource(context.Background(), SourceConfig{})
	assert.Error(t, err)

	assert.Subset(t, SourceKinds(), []string{"bigquery", "file", "mssql", "postgres", "sqlite"})
}

func TestFieldPaths_RoundTrip(t *testing.T) {
	t.Parallel()

	paths := ToFieldPaths(mainSchema())
	assert.Contains(t, paths, storage.FieldPath{Path: "payload.processes.gpu.keyed_histograms.gpu_keyed", DataType: "STRING"})
	assert.Contains(t, paths, storage.FieldPath{Path: "payload.processes", DataType: "RECORD"})

	rebuilt, err := FromFieldPaths(paths)
	require.NoError(t, err)

	for _, kind := range Kinds {
		want, err := Extract(mainSchema(), kind, nil)
		require.NoError(t, err)
		got, err := Extract(rebuilt, kind, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got, "kind=%s", kind)
	}
}

func TestFromFieldPaths_ImplicitParentsAndErrors(t *testing.T) {
	t.Parallel()

	s, err := FromFieldPaths([]storage.FieldPath{{Path: "payload.histograms.b", DataType: "STRING"}, {Path: "payload.histograms.a", DataType: "STRING"}})
	require.NoError(t, err)
	payload, ok := s.Field("payload")
	require.True(t, ok)
	assert.Equal(t, "RECORD", payload.Type)
	h, ok := payload.Child("histograms")
	require.True(t, ok)
	require.Len(t, h.Fields, 2)
	assert.Equal(t, "a", h.Fields[0].Name)

	_, err = FromFieldPaths([]storage.FieldPath{{Path: "payload..x"}})
	assert.Error(t, err)
}

func TestSnapshotSource_SQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dsn := filepath.Join(t.TempDir(), "snap.db")
	repo, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: dsn})
	require.NoError(t, err)

	n, err := Snapshot(ctx, repo, "proj.telemetry_stable.main_v4", mainSchema())
	require.NoError(t, err)
	assert.Equal(t, int64(len(ToFieldPaths(mainSchema()))), n)
	repo.Close()

	src, err := NewSource(ctx, SourceConfig{
		Kind: "sqlite", DSN: dsn,
		Project: "proj", Dataset: "telemetry_stable", Table: "main_v4",
	})
	require.NoError(t, err)
	s, err := src.Load(ctx)
	require.NoError(t, err)

	got, err := Extract(s, Histograms, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"content", "gpu", "parent"}, got["gc_ms"])

	other, err := NewSource(ctx, SourceConfig{Kind: "sqlite", DSN: dsn, Table: "elsewhere"})
	require.NoError(t, err)
	_, err = other.Load(ctx)
	assert.Error(t, err, "missing snapshot must not look like an empty schema")
}

func TestSourceConfig_Reference(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "p.d.t", SourceConfig{Project: "p", Dataset: "d", Table: "t"}.Reference())
	assert.Equal(t, "t", SourceConfig{Table: " t "}.Reference())
}
