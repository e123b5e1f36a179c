package sqlite

// Config holds SQLite sink configuration derived from storage.Config.
type Config struct {
	// DSN is a SQLite connection string or file path, e.g.:
	//   "file:ruleetl.db?_pragma=busy_timeout(5000)"
	//   ":memory:"
	DSN string

	// Table is the default destination. SQLite has no schemas; qualified
	// names such as "main.results" are passed through.
	Table string
}
