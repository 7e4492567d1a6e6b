package sqlgen

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	json "github.com/goccy/go-json"

	"histagg/internal/probeinfo"
	"histagg/internal/schema"
)

// Generator is the name written into the query header.
const Generator = "histagg"

// Tables are the fully qualified tables the outer query reads.
type Tables struct {
	Source   string // main ping table
	Buildhub string // valid build ids
}

// Options control query assembly.
type Options struct {
	Kind   schema.Kind
	Tables Tables
	// Generator overrides the header name; empty means Generator.
	Generator string
}

var outer = template.Must(template.New("query").Parse(`-- Query generated by: {{.Generator}} --agg-type {{.Kind}}
CREATE TEMP FUNCTION udf_aggregate_json_sum(histograms ARRAY<STRING>) AS (
  ARRAY(
    SELECT AS STRUCT
      FORMAT('%d', values_entry.key) AS key,
      SUM(values_entry.value) AS value
    FROM
      UNNEST(histograms) AS histogram,
      UNNEST(mozfun.hist.extract(histogram).values) AS values_entry
    WHERE
      histogram IS NOT NULL
    GROUP BY
      values_entry.key
    ORDER BY
      values_entry.key
  )
);

WITH valid_build_ids AS (
  SELECT
    DISTINCT(build.build.id) AS build_id
  FROM
    ` + "`{{.Tables.Buildhub}}`" + `
),
filtered AS (
  SELECT
    *,
    SPLIT(application.version, '.')[OFFSET(0)] AS app_version,
    DATE(submission_timestamp) AS submission_date,
    normalized_os AS os,
    application.build_id AS app_build_id,
    normalized_channel AS channel
  FROM
    ` + "`{{.Tables.Source}}`" + `
  INNER JOIN
    valid_build_ids
  ON
    (application.build_id = build_id)
  WHERE
    DATE(submission_timestamp) = @submission_date
    AND normalized_channel IN ("release", "beta", "nightly")
    AND client_id IS NOT NULL
),
sampled_data AS (
  SELECT
    *
  FROM
    filtered
  WHERE
    channel IN ("nightly", "beta")
    OR (channel = "release" AND os != "Windows")
    OR (channel = "release" AND os = "Windows" AND MOD(sample_id, @sample_size) = 0)
),

{{.Fragments.Flatten}}
aggregated AS (
{{.Fragments.Window}}
)
{{.Fragments.Select}}`))

// Assemble wraps f in the outer query and returns the formatted text.
func Assemble(opts Options, f Fragments) (string, error) {
	if _, err := schema.ParseKind(string(opts.Kind)); err != nil {
		return "", err
	}
	if err := checkTable(opts.Tables.Source); err != nil {
		return "", fmt.Errorf("source table: %w", err)
	}
	if err := checkTable(opts.Tables.Buildhub); err != nil {
		return "", fmt.Errorf("buildhub table: %w", err)
	}
	gen := opts.Generator
	if gen == "" {
		gen = Generator
	}

	var buf bytes.Buffer
	err := outer.Execute(&buf, struct {
		Generator string
		Kind      schema.Kind
		Tables    Tables
		Fragments Fragments
	}{gen, opts.Kind, opts.Tables, f})
	if err != nil {
		return "", fmt.Errorf("render query: %w", err)
	}
	return Format(buf.String()), nil
}

// Generate builds the fragments for probes and assembles the query.
func Generate(opts Options, probes []probeinfo.Probe) (string, error) {
	return Assemble(opts, Build(opts.Kind, probes))
}

func checkTable(t string) error {
	switch {
	case strings.TrimSpace(t) == "":
		return fmt.Errorf("empty identifier")
	case strings.ContainsAny(t, "`;\n"):
		return fmt.Errorf("invalid identifier %q", t)
	}
	return nil
}

// EncodeJSON returns query as a JSON string literal. HTML characters are
// left unescaped so the literal stays readable.
func EncodeJSON(query string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(query); err != nil {
		return "", fmt.Errorf("encode query: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
