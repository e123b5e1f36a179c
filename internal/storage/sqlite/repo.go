// Package sqlite implements a SQLite-backed storage.Sink using database/sql
// and modernc.org/sqlite. Each BulkInsert runs a prepared INSERT per row
// inside one transaction; SQLite has no bulk-load API like Postgres COPY, but
// a single transaction keeps local runs and tests fast enough.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ruleetl/internal/storage"

	_ "modernc.org/sqlite"
)

// dialect maps portable expressions to SQLite.
var dialect = storage.Functions(map[string]string{
	"now()":          "CURRENT_TIMESTAMP",
	"current_date":   "CURRENT_DATE",
	"sysdate":        "CURRENT_TIMESTAMP",
	"localtimestamp": "CURRENT_TIMESTAMP",
})

// Repository is a SQLite-backed implementation of storage.Sink.
type Repository struct {
	db  *sql.DB
	cfg Config
}

// Open opens dsn with a single connection, so ":memory:" databases are
// shared by every caller and concurrent writers queue instead of failing
// with SQLITE_BUSY.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// New wraps an open database.
func New(db *sql.DB, cfg Config) *Repository {
	return &Repository{db: db, cfg: cfg}
}

// NewRepository opens cfg.DSN and returns a Repository plus a Close function
// for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := Open(cfg.DSN)
	if err != nil {
		return nil, nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	closeFn := func() { db.Close() }
	return New(db, cfg), closeFn, nil
}

// BulkInsert inserts req in one transaction.
func (r *Repository) BulkInsert(ctx context.Context, req storage.InsertRequest) (int64, error) {
	if len(req.Rows) == 0 {
		return 0, nil
	}
	p, err := storage.Resolve(req, r.cfg.Table, dialect)
	if err != nil {
		return 0, err
	}
	if len(p.AllColumns()) == 0 {
		return 0, fmt.Errorf("sqlite: insert into %s: no columns", p.Table)
	}

	values := make([]string, 0, len(p.Columns)+len(p.Exprs))
	for range p.Columns {
		values = append(values, "?")
	}
	for _, e := range p.Exprs {
		values = append(values, e.SQL)
	}
	stmtSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		fqn(p.Table), strings.Join(mapIdent(p.AllColumns()), ", "), strings.Join(values, ", "))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for i, row := range p.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: insert row %d: %w", i, err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return inserted, nil
}

// Exec executes an arbitrary SQL statement, typically DDL.
func (r *Repository) Exec(ctx context.Context, sqlText string) error {
	if strings.TrimSpace(sqlText) == "" {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("sqlite: exec: %w", err)
	}
	return nil
}

func ident(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func fqn(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = ident(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}
