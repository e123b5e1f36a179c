// Package postgres implements the Postgres side of the job using pgx v5.
//
// Repository is a storage.Sink: each bulk insert COPYs the rows into a
// transaction-scoped temporary table and moves them into the target with
// INSERT ... SELECT, which is where server-side expressions such as now()
// are evaluated. DB runs named statements, hands out dedicated sessions to
// the parallel query executor, probes parallel workers and streams typed
// rows through Cursor and Pager.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ruleetl/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds Postgres sink configuration.
type Config struct {
	DSN   string // connection string for pgxpool
	Table string // default target, e.g. "abcbat.tmp_rule_chk_result"
}

// Repository is a Postgres-backed implementation of storage.Sink.
type Repository struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	close := func() { pool.Close() }
	return &Repository{pool: pool, cfg: cfg}, close, nil
}

// BulkInsert COPYs req into a temporary table and inserts it into the target
// in one transaction.
func (r *Repository) BulkInsert(ctx context.Context, req storage.InsertRequest) (int64, error) {
	if len(req.Rows) == 0 {
		return 0, nil
	}
	p, err := storage.Resolve(req, r.cfg.Table, nil)
	if err != nil {
		return 0, err
	}
	if len(p.Columns) == 0 {
		return 0, fmt.Errorf("postgres: insert into %s: no bound columns", p.Table)
	}
	tmp := tempName(p.Table)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, createTempSQL(p, tmp)); err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{tmp}, p.Columns, pgx.CopyFromRows(p.Rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return 0, fmt.Errorf("copy into temp: %s (%s): %w", pgErr.Detail, pgErr.SQLState(), err)
		}
		return 0, fmt.Errorf("copy into temp: %w", err)
	}
	if _, err := tx.Exec(ctx, insertSelectSQL(p, tmp)); err != nil {
		return 0, fmt.Errorf("insert phase: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// tempName derives the temp table for target, e.g.
// "abcbat.tmp_rule_chk_result" -> "tmp_abcbat_tmp_rule_chk_result".
func tempName(target string) string {
	return "tmp_" + strings.ReplaceAll(target, ".", "_")
}

// createTempSQL copies the column types of the bound columns without their
// constraints; the target's NOT NULL expression columns are filled on insert.
func createTempSQL(p storage.Plan, tmp string) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WHERE false",
		pgIdent(tmp), strings.Join(mapIdent(p.Columns), ","), pgFQN(p.Table))
}

func insertSelectSQL(p storage.Plan, tmp string) string {
	sel := mapIdent(p.Columns)
	for _, e := range p.Exprs {
		sel = append(sel, e.SQL)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		pgFQN(p.Table), strings.Join(mapIdent(p.AllColumns()), ","), strings.Join(sel, ","), pgIdent(tmp))
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "abcbat.results" to
// "abcbat"."results". If no dot is present, returns a single quoted ident.
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

// mapIdent maps a list of column names to their quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}
