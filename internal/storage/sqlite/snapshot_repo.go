package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"histagg/internal/storage"
)

// SQLite caps host parameters at 32766 on current builds; 3 per row.
const insertChunkRows = 500

// SnapshotRepo implements storage.SnapshotRepository for SQLite.
type SnapshotRepo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", NewSnapshot)
}

// NewSnapshot opens the database at cfg.DSN and verifies connectivity.
func NewSnapshot(ctx context.Context, cfg storage.Config) (storage.SnapshotRepository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SnapshotRepo{db: db}, nil
}

func (r *SnapshotRepo) Close() { _ = r.db.Close() }

// EnsureTables creates the snapshot table when missing.
func (r *SnapshotRepo) EnsureTables(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL()); err != nil {
		return fmt.Errorf("create table %s: %w", storage.SnapshotTable, err)
	}
	return nil
}

// ReplaceFieldPaths deletes the stored paths for table and inserts paths in
// one transaction.
func (r *SnapshotRepo) ReplaceFieldPaths(ctx context.Context, table string, paths []storage.FieldPath) (n int64, err error) {
	if strings.TrimSpace(table) == "" {
		return 0, errors.New("sqlite: ReplaceFieldPaths: table is empty")
	}
	paths = storage.NormalizeFieldPaths(paths)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	q := fmt.Sprintf(`DELETE FROM %s WHERE table_name = ?`, sqlIdent(storage.SnapshotTable))
	if _, err = tx.ExecContext(ctx, q, table); err != nil {
		return 0, fmt.Errorf("sqlite: delete snapshot %s: %w", table, err)
	}

	for start := 0; start < len(paths); start += insertChunkRows {
		end := min(start+insertChunkRows, len(paths))
		q, args := buildInsertSQL(table, paths[start:end])
		res, execErr := tx.ExecContext(ctx, q, args...)
		if execErr != nil {
			err = fmt.Errorf("sqlite: insert snapshot %s: %w", table, execErr)
			return 0, err
		}
		if affected, aerr := res.RowsAffected(); aerr == nil {
			n += affected
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return n, nil
}

// SelectFieldPaths reads the snapshot for table ordered by path.
func (r *SnapshotRepo) SelectFieldPaths(ctx context.Context, table string) ([]storage.FieldPath, error) {
	q := fmt.Sprintf(
		`SELECT field_path, data_type FROM %s WHERE table_name = ? ORDER BY field_path`,
		sqlIdent(storage.SnapshotTable),
	)
	rows, err := r.db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []storage.FieldPath{}
	for rows.Next() {
		var fp storage.FieldPath
		if err := rows.Scan(&fp.Path, &fp.DataType); err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func buildCreateSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  table_name TEXT NOT NULL,
  field_path TEXT NOT NULL,
  data_type  TEXT NOT NULL,
  PRIMARY KEY (table_name, field_path)
)`, sqlIdent(storage.SnapshotTable))
}

// buildInsertSQL renders a multi-row INSERT with ? placeholders.
func buildInsertSQL(table string, paths []storage.FieldPath) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(storage.SnapshotTable))
	b.WriteString(" (table_name, field_path, data_type) VALUES ")

	args := make([]any, 0, len(paths)*3)
	for i, p := range paths {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?)")
		args = append(args, table, p.Path, p.DataType)
	}
	return b.String(), args
}

// sqlIdent double-quotes an identifier, escaping embedded quotes.
func sqlIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
