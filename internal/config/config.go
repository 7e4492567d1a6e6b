// Package config holds histagg's run configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// HISTAGG_* environment variables, then command-line flags (applied by the
// caller). Validate reports problems as Issues instead of failing on the first.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Production identifiers used when nothing else is configured.
const (
	DefaultProject       = "moz-fx-data-shared-prod"
	DefaultDataset       = "telemetry_stable"
	DefaultTable         = "main_v4"
	DefaultSourceTable   = "moz-fx-data-shared-prod.telemetry_stable.main_v4"
	DefaultBuildhubTable = "moz-fx-data-shared-prod.telemetry.buildhub2"
	DefaultRegistryURL   = "https://probeinfo.telemetry.mozilla.org/firefox/all/main/all_probes"
	DefaultPushgateway   = "http://localhost:9091"
)

// Config is the full run configuration.
type Config struct {
	Schema   SchemaConfig   `yaml:"schema"`
	Registry RegistryConfig `yaml:"registry"`
	Query    QueryConfig    `yaml:"query"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// SchemaConfig selects where the reference table schema comes from.
type SchemaConfig struct {
	// Source is a registered schema source kind: bigquery, file, sqlite, postgres, mssql.
	Source  string `yaml:"source" env:"HISTAGG_SCHEMA_SOURCE"`
	DSN     string `yaml:"dsn" env:"HISTAGG_SCHEMA_DSN"`
	File    string `yaml:"file" env:"HISTAGG_SCHEMA_FILE"`
	Project string `yaml:"project" env:"HISTAGG_PROJECT"`
	Dataset string `yaml:"dataset" env:"HISTAGG_DATASET"`
	Table   string `yaml:"table" env:"HISTAGG_TABLE"`

	// Endpoint overrides the BigQuery API base URL. Empty uses the public endpoint.
	Endpoint string `yaml:"endpoint" env:"HISTAGG_BIGQUERY_ENDPOINT"`
}

// RegistryConfig configures the probe-info registry fetch.
type RegistryConfig struct {
	URL     string        `yaml:"url" env:"HISTAGG_REGISTRY_URL"`
	Timeout time.Duration `yaml:"timeout" env:"HISTAGG_REGISTRY_TIMEOUT"`
}

// QueryConfig names the tables referenced by the generated SQL.
type QueryConfig struct {
	SourceTable   string `yaml:"source_table" env:"HISTAGG_SOURCE_TABLE"`
	BuildhubTable string `yaml:"buildhub_table" env:"HISTAGG_BUILDHUB_TABLE"`
}

// StoreConfig is the target of the snapshot command.
type StoreConfig struct {
	Kind string `yaml:"kind" env:"HISTAGG_STORE_KIND"`
	DSN  string `yaml:"dsn" env:"HISTAGG_STORE_DSN"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	// Backend is one of none, pushgateway, datadog.
	Backend        string   `yaml:"backend" env:"HISTAGG_METRICS_BACKEND"`
	PushgatewayURL string   `yaml:"pushgateway_url" env:"HISTAGG_PUSHGATEWAY_URL"`
	Job            string   `yaml:"job" env:"HISTAGG_METRICS_JOB"`
	Tags           []string `yaml:"tags" env:"HISTAGG_METRICS_TAGS"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"HISTAGG_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"HISTAGG_LOG_PRETTY"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Schema: SchemaConfig{
			Source:  "bigquery",
			Project: DefaultProject,
			Dataset: DefaultDataset,
			Table:   DefaultTable,
		},
		Registry: RegistryConfig{
			URL:     DefaultRegistryURL,
			Timeout: 60 * time.Second,
		},
		Query: QueryConfig{
			SourceTable:   DefaultSourceTable,
			BuildhubTable: DefaultBuildhubTable,
		},
		Store: StoreConfig{Kind: "sqlite"},
		Metrics: MetricsConfig{
			Backend:        "none",
			PushgatewayURL: DefaultPushgateway,
			Job:            "histagg",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load returns defaults overlaid with the YAML file at path (if non-empty)
// and then with HISTAGG_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := LoadFromEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("config env: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping any field the document does not set.
// Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	if len(data) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
