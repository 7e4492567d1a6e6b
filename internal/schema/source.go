package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/api/option"
)

// Source loads a table schema.
type Source interface {
	Load(ctx context.Context) (*Schema, error)
}

// SourceConfig carries every setting any source kind may need.
type SourceConfig struct {
	Kind string

	// bigquery
	Project       string
	Dataset       string
	Table         string
	ClientOptions []option.ClientOption

	// file
	File string

	// sqlite, postgres, mssql snapshot stores
	DSN string
}

// Reference returns the dotted "project.dataset.table" name, skipping empty parts.
func (c SourceConfig) Reference() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Project, c.Dataset, c.Table} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// SourceFactory builds a Source from cfg.
type SourceFactory func(ctx context.Context, cfg SourceConfig) (Source, error)

var (
	sourcesMu sync.RWMutex
	sources   = map[string]SourceFactory{}
)

// RegisterSource registers a schema source kind. It panics on an empty kind,
// a nil factory, or a duplicate registration.
func RegisterSource(kind string, f SourceFactory) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()

	if kind == "" {
		panic("schema: RegisterSource called with empty kind")
	}
	if f == nil {
		panic("schema: RegisterSource called with nil factory")
	}
	if _, exists := sources[kind]; exists {
		panic(fmt.Sprintf("schema: source already registered for kind=%q", kind))
	}
	sources[kind] = f
}

// NewSource builds the source registered for cfg.Kind.
func NewSource(ctx context.Context, cfg SourceConfig) (Source, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("schema: missing source kind")
	}
	sourcesMu.RLock()
	f, ok := sources[cfg.Kind]
	sourcesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("schema: unsupported source %q (registered: %v)", cfg.Kind, SourceKinds())
	}
	return f(ctx, cfg)
}

// SourceKinds lists registered source kinds in sorted order.
func SourceKinds() []string {
	sourcesMu.RLock()
	defer sourcesMu.RUnlock()

	out := make([]string, 0, len(sources))
	for k := range sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Schema, error)

func (f SourceFunc) Load(ctx context.Context) (*Schema, error) { return f(ctx) }
