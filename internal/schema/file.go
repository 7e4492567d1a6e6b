package schema

import (
	"bytes"
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

func init() {
	RegisterSource("file", func(_ context.Context, cfg SourceConfig) (Source, error) {
		if cfg.File == "" {
			return nil, fmt.Errorf("file source: path is required")
		}
		return FileSource{Path: cfg.File}, nil
	})
}

// FileSource reads a schema saved as JSON. Accepted shapes:
//
//	[{"name": ..., "type": ..., "fields": [...]}, ...]   (bq show --schema)
//	{"fields": [...]}
//	{"schema": {"fields": [...]}}                          (tables.get response)
type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) (*Schema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	sch, err := ParseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", s.Path, err)
	}
	return sch, nil
}

// ParseJSON decodes any of the shapes FileSource accepts.
func ParseJSON(data []byte) (*Schema, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty schema document")
	}

	if data[0] == '[' {
		var fields []Field
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
		return &Schema{Fields: fields}, nil
	}

	var doc struct {
		Fields []Field `json:"fields"`
		Schema *struct {
			Fields []Field `json:"fields"`
		} `json:"schema"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Schema != nil {
		return &Schema{Fields: doc.Schema.Fields}, nil
	}
	return &Schema{Fields: doc.Fields}, nil
}
