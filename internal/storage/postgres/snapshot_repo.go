package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"histagg/internal/storage"
)

/*
SnapshotRepo implements storage.SnapshotRepository for Postgres.

Writes run in one transaction: DELETE the table's rows, then COPY the new
paths in. Readers never observe a half-written snapshot.
*/
type SnapshotRepo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", NewSnapshot)
}

// NewSnapshot creates a pool for cfg.DSN and pings it.
func NewSnapshot(ctx context.Context, cfg storage.Config) (storage.SnapshotRepository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &SnapshotRepo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *SnapshotRepo) Close() {
	r.pool.Close()
}

// EnsureTables creates the snapshot table when missing.
func (r *SnapshotRepo) EnsureTables(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, buildCreateSQL()); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", storage.SnapshotTable, err)
	}
	return nil
}

// ReplaceFieldPaths swaps the stored snapshot for table.
func (r *SnapshotRepo) ReplaceFieldPaths(ctx context.Context, table string, paths []storage.FieldPath) (int64, error) {
	if strings.TrimSpace(table) == "" {
		return 0, errors.New("postgres: ReplaceFieldPaths: table is empty")
	}
	paths = storage.NormalizeFieldPaths(paths)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, buildDeleteSQL(), table); err != nil {
		return 0, fmt.Errorf("postgres: delete snapshot %s: %w", table, err)
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{storage.SnapshotTable},
		snapshotColumns,
		pgx.CopyFromRows(copyRows(table, paths)),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: copy snapshot %s: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return n, nil
}

// SelectFieldPaths reads the snapshot for table ordered by path.
func (r *SnapshotRepo) SelectFieldPaths(ctx context.Context, table string) ([]storage.FieldPath, error) {
	rows, err := r.pool.Query(ctx, buildSelectSQL(), table)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.FieldPath, error) {
		var fp storage.FieldPath
		err := row.Scan(&fp.Path, &fp.DataType)
		return fp, err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []storage.FieldPath{}
	}
	return out, nil
}

var snapshotColumns = []string{"table_name", "field_path", "data_type"}

func copyRows(table string, paths []storage.FieldPath) [][]any {
	rows := make([][]any, len(paths))
	for i, p := range paths {
		rows[i] = []any{table, p.Path, p.DataType}
	}
	return rows
}

func buildCreateSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  table_name TEXT NOT NULL,
  field_path TEXT NOT NULL,
  data_type  TEXT NOT NULL,
  PRIMARY KEY (table_name, field_path)
)`, pgIdent(storage.SnapshotTable))
}

func buildDeleteSQL() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE table_name = $1`, pgIdent(storage.SnapshotTable))
}

func buildSelectSQL() string {
	return fmt.Sprintf(
		`SELECT field_path, data_type FROM %s WHERE table_name = $1 ORDER BY field_path`,
		pgIdent(storage.SnapshotTable),
	)
}

// pgIdent quotes an identifier, handling schema-qualified names.
func pgIdent(name string) string {
	parts := strings.Split(name, ".")
	return pgx.Identifier(parts).Sanitize()
}
