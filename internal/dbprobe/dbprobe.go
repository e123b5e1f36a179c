// Package dbprobe describes the small set of database session operations the
// parallel query executor relies on: find a statement's backend, count the
// parallel workers serving it, and cancel or terminate it from another
// session.
//
// The Postgres implementation lives in storage/postgres; tests use fakes.
package dbprobe

import "context"

// Session is one dedicated database connection. A statement and the lookup of
// its backend id run on the same Session, so the id identifies that statement.
type Session interface {
	// BackendID returns the server-side process id of this session.
	BackendID(ctx context.Context) (int, error)

	// Exec runs a mapped statement and returns the affected row count as
	// reported by the server (for CREATE TABLE AS, the rows created).
	Exec(ctx context.Context, name string, params map[string]any) (int64, error)

	// Release returns the session to its pool.
	Release()
}

// Opener hands out dedicated sessions.
type Opener interface {
	OpenSession(ctx context.Context) (Session, error)
}

// Prober observes and controls statements from outside their session.
type Prober interface {
	// ParallelWorkerCount returns how many parallel workers currently serve
	// the statement led by leaderID.
	ParallelWorkerCount(ctx context.Context, leaderID int) (int, error)

	// CancelStatement asks the server to cancel the statement running on id.
	CancelStatement(ctx context.Context, id int) (bool, error)

	// TerminateSession terminates the session id outright.
	TerminateSession(ctx context.Context, id int) (bool, error)
}

// Conn is an Opener and a Prober backed by one pool.
type Conn interface {
	Opener
	Prober
}
