package schema

import (
	"context"
	"fmt"

	bq "google.golang.org/api/bigquery/v2"
)

func init() {
	RegisterSource("bigquery", newBigQuerySource)
}

// BigQuerySource reads a table schema with the BigQuery tables.get API.
type BigQuerySource struct {
	svc     *bq.Service
	project string
	dataset string
	table   string
}

func newBigQuerySource(ctx context.Context, cfg SourceConfig) (Source, error) {
	if cfg.Project == "" || cfg.Dataset == "" || cfg.Table == "" {
		return nil, fmt.Errorf("bigquery source: project, dataset and table are required (got %q)", cfg.Reference())
	}
	svc, err := bq.NewService(ctx, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("bigquery source: new service: %w", err)
	}
	return &BigQuerySource{svc: svc, project: cfg.Project, dataset: cfg.Dataset, table: cfg.Table}, nil
}

// Load fetches the table metadata and converts its schema.
func (s *BigQuerySource) Load(ctx context.Context) (*Schema, error) {
	tbl, err := s.svc.Tables.Get(s.project, s.dataset, s.table).Fields("schema").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("bigquery tables.get %s.%s.%s: %w", s.project, s.dataset, s.table, err)
	}
	if tbl.Schema == nil {
		return &Schema{}, nil
	}
	return &Schema{Fields: fromTableFields(tbl.Schema.Fields)}, nil
}

func fromTableFields(in []*bq.TableFieldSchema) []Field {
	if len(in) == 0 {
		return nil
	}
	out := make([]Field, 0, len(in))
	for _, f := range in {
		if f == nil {
			continue
		}
		out = append(out, Field{
			Name:   f.Name,
			Type:   f.Type,
			Mode:   f.Mode,
			Fields: fromTableFields(f.Fields),
		})
	}
	return out
}
