package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Empty(t, cfg.Validate())
	assert.Equal(t, DefaultSourceTable, cfg.Query.SourceTable)
	assert.Equal(t, DefaultBuildhubTable, cfg.Query.BuildhubTable)
	assert.Equal(t, DefaultRegistryURL, cfg.Registry.URL)
}

func TestParse_OverlaysDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := Parse([]byte(`
schema:
  source: file
  file: testdata/main_v4.json
registry:
  timeout: 15s
metrics:
  tags: [env:dev, team:data]
`), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Schema.Source)
	assert.Equal(t, "testdata/main_v4.json", cfg.Schema.File)
	assert.Equal(t, 15*time.Second, cfg.Registry.Timeout)
	assert.Equal(t, []string{"env:dev", "team:data"}, cfg.Metrics.Tags)
	// untouched keys keep defaults
	assert.Equal(t, DefaultRegistryURL, cfg.Registry.URL)
	assert.Equal(t, DefaultProject, cfg.Schema.Project)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := Parse([]byte("schema:\n  sauce: file\n"), &cfg)
	require.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, Parse(nil, &cfg))
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"HISTAGG_SCHEMA_SOURCE":    "sqlite",
		"HISTAGG_SCHEMA_DSN":       "file:snap.db",
		"HISTAGG_REGISTRY_TIMEOUT": "5s",
		"HISTAGG_LOG_PRETTY":       "true",
		"HISTAGG_METRICS_TAGS":     "a:b, ,c:d",
		"HISTAGG_SOURCE_TABLE":     "   ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, loadFromEnv(reflect.ValueOf(&cfg), lookup))

	assert.Equal(t, "sqlite", cfg.Schema.Source)
	assert.Equal(t, "file:snap.db", cfg.Schema.DSN)
	assert.Equal(t, 5*time.Second, cfg.Registry.Timeout)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, []string{"a:b", "c:d"}, cfg.Metrics.Tags)
	assert.Equal(t, DefaultSourceTable, cfg.Query.SourceTable, "blank env values are ignored")
}

func TestLoadFromEnv_BadValue(t *testing.T) {
	t.Parallel()

	lookup := func(k string) (string, bool) {
		if k == "HISTAGG_REGISTRY_TIMEOUT" {
			return "soon", true
		}
		return "", false
	}
	cfg := Default()
	err := loadFromEnv(reflect.ValueOf(&cfg), lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HISTAGG_REGISTRY_TIMEOUT")
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "histagg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("query:\n  source_table: proj.ds.main_v4\nlog:\n  level: debug\n"), 0o644))

	t.Setenv("HISTAGG_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "proj.ds.main_v4", cfg.Query.SourceTable)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantPath string
		wantSev  Severity
	}{
		{"bad_source", func(c *Config) { c.Schema.Source = "csv" }, "schema.source", SeverityError},
		{"file_without_path", func(c *Config) { c.Schema.Source = "file" }, "schema.file", SeverityError},
		{"bigquery_without_table", func(c *Config) { c.Schema.Table = "" }, "schema.table", SeverityError},
		{"sqlite_without_dsn", func(c *Config) { c.Schema.Source = "sqlite" }, "schema.dsn", SeverityError},
		{"registry_scheme", func(c *Config) { c.Registry.URL = "ftp://x/y" }, "registry.url", SeverityError},
		{"registry_no_timeout", func(c *Config) { c.Registry.Timeout = 0 }, "registry.timeout", SeverityWarning},
		{"injected_table", func(c *Config) { c.Query.SourceTable = "a.b.c`; DROP" }, "query.source_table", SeverityError},
		{"bad_store", func(c *Config) { c.Store.Kind = "duckdb" }, "store.kind", SeverityError},
		{"bad_metrics", func(c *Config) { c.Metrics.Backend = "statsd" }, "metrics.backend", SeverityError},
		{"pushgateway_url", func(c *Config) {
			c.Metrics.Backend = "pushgateway"
			c.Metrics.PushgatewayURL = ""
		}, "metrics.pushgateway_url", SeverityError},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(&cfg)
			issues := cfg.Validate()
			require.NotEmpty(t, issues)

			var found bool
			for _, iss := range issues {
				if iss.Path == tc.wantPath && iss.Severity == tc.wantSev {
					found = true
				}
			}
			assert.True(t, found, "issues=%v", issues)
			assert.Equal(t, tc.wantSev == SeverityError, HasErrors(issues))
		})
	}
}
