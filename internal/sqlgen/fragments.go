// Package sqlgen renders the clients-daily histogram aggregation query.
//
// Build produces the three kind-specific fragments (flatten CTEs, the windowed
// aggregation, and the final select); Assemble wraps them in the fixed outer
// query. Nothing here touches the network or storage.
package sqlgen

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"histagg/internal/probeinfo"
	"histagg/internal/schema"
)

// GroupingKeys is the single ordered list of per-client grouping columns.
// Every stage selects and groups by these columns in this order.
var GroupingKeys = []string{
	"sample_id",
	"client_id",
	"submission_date",
	"os",
	"app_version",
	"app_build_id",
	"channel",
}

const bucketRangeType = "STRUCT<first_bucket INT64, last_bucket INT64, num_buckets INT64>"

// Fragments are the kind-specific parts of the query.
type Fragments struct {
	// Flatten holds the CTEs between sampled_data and aggregated. Each CTE,
	// including the last, ends with a comma.
	Flatten string
	// Window is the body of the aggregated CTE.
	Window string
	// Select is the final statement reading from aggregated.
	Select string
}

// Build renders the fragments for kind. An empty probe set yields an empty
// typed array literal; the fragments stay well-formed.
func Build(kind schema.Kind, probes []probeinfo.Probe) Fragments {
	tuples := Tuples(kind, probes)
	if kind.Keyed() {
		return Fragments{
			Flatten: keyedFlatten(tuples),
			Window:  keyedWindow(),
			Select:  keyedSelect(),
		}
	}
	return Fragments{
		Flatten: scalarFlatten(tuples),
		Window:  scalarWindow(),
		Select:  scalarSelect(),
	}
}

// ColumnPath is where probe lives in a main ping for process.
func ColumnPath(kind schema.Kind, process, probe string) string {
	if process == schema.Parent {
		return fmt.Sprintf("payload.%s.%s", kind, probe)
	}
	return fmt.Sprintf("payload.processes.%s.%s.%s", process, kind, probe)
}

// Tuples renders one struct literal per (probe, process), sorted by text.
func Tuples(kind schema.Kind, probes []probeinfo.Probe) []string {
	var out []string
	for _, p := range probes {
		for _, proc := range p.Processes {
			out = append(out, fmt.Sprintf("(%s, %s, %s, %s, (%d, %d, %d))",
				quote(p.Name),
				quote("histogram-"+p.Type),
				quote(proc),
				ColumnPath(kind, proc, p.Name),
				p.Bucket.Min, p.Bucket.Max, p.Bucket.Count,
			))
		}
	}
	sort.Strings(out)
	return out
}

// quote renders s as a single-quoted BigQuery string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

func scalarFlatten(tuples []string) string {
	var b strings.Builder
	b.WriteString("histograms AS (\n  SELECT\n")
	writeColumns(&b, "    ", GroupingKeys, true)
	b.WriteString("    ARRAY<STRUCT<\n")
	b.WriteString("      metric STRING,\n")
	b.WriteString("      metric_type STRING,\n")
	b.WriteString("      process STRING,\n")
	b.WriteString("      value STRING,\n")
	b.WriteString("      bucket_range " + bucketRangeType + "\n")
	writeArray(&b, tuples)
	b.WriteString(" AS histogram_aggregates\n")
	b.WriteString("  FROM\n    sampled_data\n),\n")

	b.WriteString("filtered_aggregates AS (\n  SELECT\n")
	writeColumns(&b, "    ", append(keys(), "metric", "metric_type", "process", "bucket_range", "value"), false)
	b.WriteString("  FROM\n    histograms\n")
	b.WriteString("  CROSS JOIN\n    UNNEST(histogram_aggregates)\n")
	b.WriteString("  WHERE\n    value IS NOT NULL\n),\n")
	return b.String()
}

func scalarWindow() string {
	cols := append(keys(), "metric", "metric_type", "process")

	var b strings.Builder
	b.WriteString("  SELECT\n")
	writeColumns(&b, "    ", cols, true)
	b.WriteString("    ARRAY_AGG(bucket_range) AS bucket_range,\n")
	b.WriteString("    ARRAY_AGG(value) AS value\n")
	b.WriteString("  FROM\n    filtered_aggregates\n")
	b.WriteString("  GROUP BY\n    " + positions(len(cols)) + "\n")
	return b.String()
}

func scalarSelect() string {
	var b strings.Builder
	b.WriteString("SELECT\n")
	writeColumns(&b, "  ", GroupingKeys, true)
	writeAggregateStruct(&b, "''")
	b.WriteString("FROM\n  aggregated\n")
	b.WriteString("GROUP BY\n  " + positions(len(GroupingKeys)) + "\n")
	return b.String()
}

func keyedFlatten(tuples []string) string {
	var b strings.Builder
	b.WriteString("grouped_metrics AS (\n  SELECT\n")
	writeColumns(&b, "    ", GroupingKeys, true)
	b.WriteString("    ARRAY<STRUCT<\n")
	b.WriteString("      name STRING,\n")
	b.WriteString("      metric_type STRING,\n")
	b.WriteString("      process STRING,\n")
	b.WriteString("      value ARRAY<STRUCT<key STRING, value STRING>>,\n")
	b.WriteString("      bucket_range " + bucketRangeType + "\n")
	writeArray(&b, tuples)
	b.WriteString(" AS metrics\n")
	b.WriteString("  FROM\n    sampled_data\n),\n")

	b.WriteString("flattened_metrics AS (\n  SELECT\n")
	writeColumns(&b, "    ", append(keys(),
		"metrics.process AS process",
		"metrics.name AS metric",
		"metrics.metric_type AS metric_type",
		"metrics.bucket_range AS bucket_range",
		"value.key AS key",
		"value.value AS value",
	), false)
	b.WriteString("  FROM\n    grouped_metrics\n")
	b.WriteString("  CROSS JOIN\n    UNNEST(metrics) AS metrics\n")
	b.WriteString("  CROSS JOIN\n    UNNEST(metrics.value) AS value\n),\n")
	return b.String()
}

func keyedWindow() string {
	cols := append(keys(), "process", "metric", "metric_type", "key")

	var b strings.Builder
	b.WriteString("  SELECT\n")
	writeColumns(&b, "    ", cols, true)
	b.WriteString("    ARRAY_AGG(bucket_range) AS bucket_range,\n")
	b.WriteString("    ARRAY_AGG(value) AS value\n")
	b.WriteString("  FROM\n    flattened_metrics\n")
	b.WriteString("  GROUP BY\n")
	writeColumns(&b, "    ", cols, false)
	return b.String()
}

func keyedSelect() string {
	var b strings.Builder
	b.WriteString("SELECT\n")
	writeColumns(&b, "  ", GroupingKeys, true)
	writeAggregateStruct(&b, "key")
	b.WriteString("FROM\n  aggregated\n")
	b.WriteString("GROUP BY\n")
	writeColumns(&b, "  ", GroupingKeys, false)
	return b.String()
}

// writeAggregateStruct writes the histogram_aggregates column. keyExpr is the
// value stored in the struct's key field.
func writeAggregateStruct(b *strings.Builder, keyExpr string) {
	b.WriteString("  ARRAY_AGG(\n")
	b.WriteString("    STRUCT<\n")
	b.WriteString("      metric STRING,\n")
	b.WriteString("      metric_type STRING,\n")
	b.WriteString("      key STRING,\n")
	b.WriteString("      process STRING,\n")
	b.WriteString("      agg_type STRING,\n")
	b.WriteString("      bucket_range " + bucketRangeType + ",\n")
	b.WriteString("      value ARRAY<STRUCT<key STRING, value INT64>>\n")
	b.WriteString("    >(\n")
	writeColumns(b, "      ", []string{
		"metric",
		"metric_type",
		keyExpr,
		"process",
		"'summed_histogram'",
		"bucket_range[OFFSET(0)]",
		"udf_aggregate_json_sum(value)",
	}, false)
	b.WriteString("    )\n")
	b.WriteString("  ) AS histogram_aggregates\n")
}

// writeArray closes a typed ARRAY<STRUCT<...>> header and writes its elements.
func writeArray(b *strings.Builder, tuples []string) {
	if len(tuples) == 0 {
		b.WriteString("    >>[]")
		return
	}
	b.WriteString("    >>[\n")
	writeColumns(b, "      ", tuples, false)
	b.WriteString("    ]")
}

// writeColumns writes one item per line. trailing adds a comma after the
// last item as well, for lists that continue with more columns.
func writeColumns(b *strings.Builder, indent string, cols []string, trailing bool) {
	for i, c := range cols {
		b.WriteString(indent)
		b.WriteString(c)
		if trailing || i < len(cols)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
}

func keys() []string {
	out := make([]string, len(GroupingKeys))
	copy(out, GroupingKeys)
	return out
}

func positions(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = strconv.Itoa(i + 1)
	}
	return strings.Join(ps, ", ")
}
