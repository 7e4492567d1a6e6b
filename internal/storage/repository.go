package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SnapshotTable is the table every backend keeps schema snapshots in.
//
// Layout (one row per leaf or record field):
//
//	table_name  the reference table the schema belongs to, e.g. "proj.dataset.main_v4"
//	field_path  dotted path from the root, e.g. "payload.histograms.gc_ms"
//	data_type   BigQuery type name (RECORD, STRING, INT64, ...)
const SnapshotTable = "schema_field_paths"

// Config is the minimal configuration needed to open a snapshot repository.
//
// Kind must match a registered backend ("sqlite", "postgres", "mssql").
// DSN is passed through to the backend; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// FieldPath is one stored schema field.
type FieldPath struct {
	Path     string
	DataType string
}

// SnapshotRepository stores and reads schema snapshots.
//
// Each backend implements these semantics in its own idiom (transactional
// DELETE + bulk INSERT for database/sql, COPY for Postgres).
type SnapshotRepository interface {
	// Close releases backend resources. Call once.
	Close()

	// EnsureTables creates the snapshot table if it does not exist.
	EnsureTables(ctx context.Context) error

	// ReplaceFieldPaths atomically replaces every stored path for table and
	// returns the number of rows written.
	ReplaceFieldPaths(ctx context.Context, table string, paths []FieldPath) (int64, error)

	// SelectFieldPaths returns the stored paths for table ordered by path.
	// An unknown table yields an empty slice, not an error.
	SelectFieldPaths(ctx context.Context, table string) ([]FieldPath, error)
}

type factory func(ctx context.Context, cfg Config) (SnapshotRepository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under kind. Call it from the backend's init().
//
// Panics when kind is empty, f is nil, or kind is already registered, so a
// misconfigured binary fails at start-up instead of picking a backend at random.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a repository using the factory registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (SnapshotRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unsupported kind %q (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
