// Package mssql implements a Microsoft SQL Server storage.Sink using the
// go-mssqldb bulk copy API. Rows are bulk-copied into a session temp table
// (#tmp) and moved into the target with INSERT ... SELECT, so server-side
// expressions such as SYSDATETIME() are evaluated once per insert.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ruleetl/internal/storage"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"
)

// dialect maps portable expressions to T-SQL.
var dialect = storage.Functions(map[string]string{
	"now()":          "SYSDATETIME()",
	"sysdate":        "SYSDATETIME()",
	"localtimestamp": "SYSDATETIME()",
	"current_date":   "CAST(SYSDATETIME() AS date)",
})

// Config holds MSSQL sink configuration.
type Config struct {
	DSN   string
	Table string
}

// Repository is an MSSQL-backed implementation of storage.Sink.
type Repository struct {
	db  *sql.DB
	cfg Config
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	// Validate DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	close := func() { _ = db.Close() }
	return &Repository{db: db, cfg: cfg}, close, nil
}

// BulkInsert copies req into a temp table and moves it into the target in
// one transaction.
func (r *Repository) BulkInsert(ctx context.Context, req storage.InsertRequest) (int64, error) {
	if len(req.Rows) == 0 {
		return 0, nil
	}
	p, err := storage.Resolve(req, r.cfg.Table, dialect)
	if err != nil {
		return 0, err
	}
	if len(p.Columns) == 0 {
		return 0, fmt.Errorf("mssql: insert into %s: no bound columns", p.Table)
	}
	tmp := tempName(p.Table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	if _, err := tx.ExecContext(ctx, createTempSQL(p, tmp)); err != nil {
		rollback()
		return 0, fmt.Errorf("create temp: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(tmp, mssql.BulkOptions{}, p.Columns...))
	if err != nil {
		rollback()
		return 0, fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range p.Rows {
		if _, err := stmt.ExecContext(ctx, p.Rows[i]...); err != nil {
			_ = stmt.Close()
			rollback()
			return 0, fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		rollback()
		return 0, fmt.Errorf("bulk finalize: %w", err)
	}
	copied, err := res.RowsAffected()
	if err != nil {
		rollback()
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertSelectSQL(p, tmp)); err != nil {
		rollback()
		return 0, fmt.Errorf("insert phase: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+msIdent(tmp)); err != nil {
		rollback()
		return 0, fmt.Errorf("drop temp: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return copied, nil
}

// Exec executes a SQL statement against the pool.
func (r *Repository) Exec(ctx context.Context, sqlText string) error {
	_, err := r.db.ExecContext(ctx, sqlText)
	return err
}

// tempName derives the session temp table for target, e.g.
// "abcbat.tmp_rule_chk_result" -> "#tmp_abcbat_tmp_rule_chk_result".
func tempName(target string) string {
	return "#tmp_" + strings.ReplaceAll(target, ".", "_")
}

// createTempSQL copies the shape of the bound columns of the target.
func createTempSQL(p storage.Plan, tmp string) string {
	return fmt.Sprintf("SELECT TOP 0 %s INTO %s FROM %s",
		strings.Join(mapIdent(p.Columns), ","), msIdent(tmp), msFQN(p.Table))
}

func insertSelectSQL(p storage.Plan, tmp string) string {
	sel := mapIdent(p.Columns)
	for _, e := range p.Exprs {
		sel = append(sel, e.SQL)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		msFQN(p.Table), strings.Join(mapIdent(p.AllColumns()), ","), strings.Join(sel, ","), msIdent(tmp))
}

// msIdent safely quotes a SQL Server identifier using [brackets], escaping ].
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

// msFQN quotes a possibly schema-qualified name like "dbo.results" to
// "[dbo].[results]". If no dot is present, returns a single quoted ident.
func msFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = msIdent(p)
	}
	return strings.Join(parts, ".")
}

// mapIdent maps a list of column names to their bracket-quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = msIdent(c)
	}
	return out
}
