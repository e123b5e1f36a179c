package postgres

import (
	"context"
	"fmt"
	"log"
	"maps"

	"ruleetl/internal/dbprobe"
	"ruleetl/internal/mapper"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB runs the job's named statements on a pgx pool.
type DB struct {
	pool  *pgxpool.Pool
	stmts *mapper.Registry
}

var _ dbprobe.Conn = (*DB)(nil)

// Open connects to dsn. maxConns <= 0 keeps the pgxpool default.
func Open(ctx context.Context, dsn string, maxConns int32, stmts *mapper.Registry) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewDB(pool, stmts), nil
}

// NewDB wraps an existing pool.
func NewDB(pool *pgxpool.Pool, stmts *mapper.Registry) *DB {
	if stmts == nil {
		stmts = mapper.NewRegistry(nil)
	}
	return &DB{pool: pool, stmts: stmts}
}

// Close closes the pool.
func (d *DB) Close() { d.pool.Close() }

// Has reports whether statement name is configured.
func (d *DB) Has(name string) bool { return d.stmts.Has(name) }

// Exec runs a named statement and returns the affected row count.
func (d *DB) Exec(ctx context.Context, name string, params map[string]any) (int64, error) {
	sql, args, err := d.stmts.Bind(name, params)
	if err != nil {
		return 0, err
	}
	tag, err := d.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: %s: %w", name, err)
	}
	return tag.RowsAffected(), nil
}

// QueryInt runs a named statement that returns a single integer.
func (d *DB) QueryInt(ctx context.Context, name string, params map[string]any) (int64, error) {
	sql, args, err := d.stmts.Bind(name, params)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := d.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: %s: %w", name, err)
	}
	return n, nil
}

// Vacuum runs VACUUM ANALYZE on table.
func (d *DB) Vacuum(ctx context.Context, table string) error {
	if _, err := d.pool.Exec(ctx, "VACUUM ANALYZE "+pgFQN(table)); err != nil {
		return fmt.Errorf("postgres: vacuum %s: %w", table, err)
	}
	return nil
}

// OpenSession acquires a dedicated connection.
func (d *DB) OpenSession(ctx context.Context) (dbprobe.Session, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire: %w", err)
	}
	return &session{conn: conn, stmts: d.stmts}, nil
}

// ParallelWorkerCount counts the parallel workers led by leaderID.
func (d *DB) ParallelWorkerCount(ctx context.Context, leaderID int) (int, error) {
	n, err := d.QueryInt(ctx, mapper.StmtParallelWorkers, map[string]any{"leaderPid": leaderID})
	return int(n), err
}

// CancelStatement calls pg_cancel_backend (or the configured override).
func (d *DB) CancelStatement(ctx context.Context, id int) (bool, error) {
	return d.signal(ctx, mapper.StmtCancelStatement, id)
}

// TerminateSession calls pg_terminate_backend (or the configured override).
func (d *DB) TerminateSession(ctx context.Context, id int) (bool, error) {
	return d.signal(ctx, mapper.StmtTerminateSession, id)
}

func (d *DB) signal(ctx context.Context, name string, pid int) (bool, error) {
	sql, args, err := d.stmts.Bind(name, map[string]any{"pid": pid})
	if err != nil {
		return false, err
	}
	var ok bool
	if err := d.pool.QueryRow(ctx, sql, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: %s pid=%d: %w", name, pid, err)
	}
	if !ok {
		log.Printf("postgres: %s pid=%d: server returned false", name, pid)
	}
	return ok, nil
}

// session is one acquired connection.
type session struct {
	conn  *pgxpool.Conn
	stmts *mapper.Registry
}

func (s *session) BackendID(ctx context.Context) (int, error) {
	sql, args, err := s.stmts.Bind(mapper.StmtCurrentBackendID, nil)
	if err != nil {
		return 0, err
	}
	var pid int
	if err := s.conn.QueryRow(ctx, sql, args...).Scan(&pid); err != nil {
		return 0, fmt.Errorf("postgres: backend pid: %w", err)
	}
	return pid, nil
}

func (s *session) Exec(ctx context.Context, name string, params map[string]any) (int64, error) {
	sql, args, err := s.stmts.Bind(name, params)
	if err != nil {
		return 0, err
	}
	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: %s: %w", name, err)
	}
	return tag.RowsAffected(), nil
}

func (s *session) Release() { s.conn.Release() }

// Cursor streams the rows of a named query as T, matching columns to `db`
// struct tags. Rows are read from the server as they are consumed.
type Cursor[T any] struct {
	rows pgx.Rows
}

// OpenCursor starts the named query. The caller must Close the cursor.
func OpenCursor[T any](ctx context.Context, d *DB, name string, params map[string]any) (*Cursor[T], error) {
	sql, args, err := d.stmts.Bind(name, params)
	if err != nil {
		return nil, err
	}
	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", name, err)
	}
	return &Cursor[T]{rows: rows}, nil
}

// Next returns the next row; ok is false once the result set is drained.
func (c *Cursor[T]) Next(context.Context) (T, bool, error) {
	var zero T
	if !c.rows.Next() {
		return zero, false, c.rows.Err()
	}
	v, err := pgx.RowToStructByNameLax[T](c.rows)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Close releases the connection. Read errors are reported by Next.
func (c *Cursor[T]) Close() error {
	c.rows.Close()
	return nil
}

// Pager reads a named query in windows. The statement receives :offset and
// :limit in addition to its own parameters.
type Pager[T any] struct {
	db     *DB
	name   string
	params map[string]any
}

// NewPager returns a Pager over statement name.
func NewPager[T any](d *DB, name string, params map[string]any) *Pager[T] {
	return &Pager[T]{db: d, name: name, params: params}
}

// Page returns up to limit rows starting at offset.
func (p *Pager[T]) Page(ctx context.Context, offset, limit int) ([]T, error) {
	params := maps.Clone(p.params)
	if params == nil {
		params = map[string]any{}
	}
	params["offset"] = offset
	params["limit"] = limit

	sql, args, err := p.db.stmts.Bind(p.name, params)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s offset=%d: %w", p.name, offset, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[T])
	if err != nil {
		return nil, fmt.Errorf("postgres: %s offset=%d: %w", p.name, offset, err)
	}
	return out, nil
}
