package schema

import (
	"context"
	"fmt"

	"histagg/internal/storage"
)

func init() {
	for _, kind := range []string{"sqlite", "postgres", "mssql"} {
		RegisterSource(kind, newSnapshotSource)
	}
}

// SnapshotSource rebuilds a schema from field paths stored by the snapshot
// command. The storage backend for Kind must be linked into the binary.
type SnapshotSource struct {
	Store     storage.Config
	Reference string
}

func newSnapshotSource(_ context.Context, cfg SourceConfig) (Source, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s source: dsn is required", cfg.Kind)
	}
	ref := cfg.Reference()
	if ref == "" {
		return nil, fmt.Errorf("%s source: table reference is required", cfg.Kind)
	}
	return &SnapshotSource{Store: storage.Config{Kind: cfg.Kind, DSN: cfg.DSN}, Reference: ref}, nil
}

func (s *SnapshotSource) Load(ctx context.Context) (*Schema, error) {
	repo, err := storage.New(ctx, s.Store)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	defer repo.Close()

	paths, err := repo.SelectFieldPaths(ctx, s.Reference)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", s.Reference, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no snapshot stored for %s in %s store", s.Reference, s.Store.Kind)
	}
	return FromFieldPaths(paths)
}

// Snapshot stores s under reference in repo, creating the table if needed.
func Snapshot(ctx context.Context, repo storage.SnapshotRepository, reference string, s *Schema) (int64, error) {
	if err := repo.EnsureTables(ctx); err != nil {
		return 0, err
	}
	return repo.ReplaceFieldPaths(ctx, reference, ToFieldPaths(s))
}
