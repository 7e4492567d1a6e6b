package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"histagg/internal/storage"
)

// SQL Server allows at most 2100 parameters per statement; 3 per row.
const insertChunkRows = 600

// SnapshotRepo implements storage.SnapshotRepository for Microsoft SQL Server.
type SnapshotRepo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", NewSnapshot)
}

// NewSnapshot opens cfg.DSN with the "sqlserver" driver and pings it.
func NewSnapshot(ctx context.Context, cfg storage.Config) (storage.SnapshotRepository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &SnapshotRepo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *SnapshotRepo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates the snapshot table when missing. SQL Server has no
// CREATE TABLE IF NOT EXISTS, so the statement is guarded by OBJECT_ID.
func (r *SnapshotRepo) EnsureTables(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL()); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", storage.SnapshotTable, err)
	}
	return nil
}

// ReplaceFieldPaths deletes and re-inserts table's snapshot in one transaction.
func (r *SnapshotRepo) ReplaceFieldPaths(ctx context.Context, table string, paths []storage.FieldPath) (n int64, err error) {
	if strings.TrimSpace(table) == "" {
		return 0, errors.New("mssql: ReplaceFieldPaths: table is empty")
	}
	paths = storage.NormalizeFieldPaths(paths)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, buildDeleteSQL(), table); err != nil {
		return 0, fmt.Errorf("mssql: delete snapshot %s: %w", table, err)
	}

	for start := 0; start < len(paths); start += insertChunkRows {
		end := min(start+insertChunkRows, len(paths))
		q, args := buildInsertSQL(table, paths[start:end])
		res, execErr := tx.ExecContext(ctx, q, args...)
		if execErr != nil {
			err = fmt.Errorf("mssql: insert snapshot %s: %w", table, execErr)
			return 0, err
		}
		if affected, aerr := res.RowsAffected(); aerr == nil {
			n += affected
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit: %w", err)
	}
	return n, nil
}

// SelectFieldPaths reads the snapshot for table ordered by path.
func (r *SnapshotRepo) SelectFieldPaths(ctx context.Context, table string) ([]storage.FieldPath, error) {
	rows, err := r.db.QueryContext(ctx, buildSelectSQL(), table)
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
	return wrapCreateIfMissing(storage.SnapshotTable,
		"table_name NVARCHAR(400) NOT NULL, "+
			"field_path NVARCHAR(800) NOT NULL, "+
			"data_type NVARCHAR(64) NOT NULL, "+
			"CONSTRAINT "+mssqlIdent("pk_"+storage.SnapshotTable)+" PRIMARY KEY (table_name, field_path)")
}

func buildDeleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE table_name = @p1", mssqlTableIdent(storage.SnapshotTable))
}

func buildSelectSQL() string {
	return fmt.Sprintf(
		"SELECT field_path, data_type FROM %s WHERE table_name = @p1 ORDER BY field_path",
		mssqlTableIdent(storage.SnapshotTable),
	)
}

// buildInsertSQL renders a multi-row INSERT with @pN placeholders.
func buildInsertSQL(table string, paths []storage.FieldPath) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(storage.SnapshotTable))
	b.WriteString(" (table_name, field_path, data_type) VALUES ")

	args := make([]any, 0, len(paths)*3)
	for i, p := range paths {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * 3
		fmt.Fprintf(&b, "(@p%d, @p%d, @p%d)", base+1, base+2, base+3)
		args = append(args, table, p.Path, p.DataType)
	}
	return b.String(), args
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
//	"dbo.schema_field_paths" -> [dbo].[schema_field_paths]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is the slice of *sql.DB this package uses, so tests can fake it.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is the slice of *sql.Tx this package uses.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
