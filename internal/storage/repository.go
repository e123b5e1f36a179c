// Package storage holds the backend-agnostic sink contract, the factory that
// backends register with, and the helpers that turn typed result rows into a
// column/value grid ready for bulk insertion.
//
// Backends live in sub-packages and register themselves from init; import
// ruleetl/internal/storage/all to enable every built-in kind.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InsertRequest is one bulk insert.
type InsertRequest struct {
	// Table is the destination, optionally schema-qualified.
	Table string

	// Columns names the values of each row, in order.
	Columns []string
	Rows    [][]any

	// Exclude lists columns that are dropped from every row.
	Exclude []string

	// Fixed injects a value into every row. Values prefixed with "SQL::" are
	// expressions evaluated by the server at insert time.
	Fixed map[string]string
}

// Sink is a bulk-insert destination. BulkInsert is all-or-nothing: on error
// no row of the request is visible.
type Sink interface {
	BulkInsert(ctx context.Context, req InsertRequest) (int64, error)
	Close()
}

// Config selects and configures a backend.
type Config struct {
	Kind string
	DSN  string

	// Table is the default destination when a request leaves it empty.
	Table string
}

// Factory opens a Sink for cfg.
type Factory func(ctx context.Context, cfg Config) (Sink, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. A later registration
// replaces an earlier one.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// New opens a Sink of cfg.Kind.
func New(ctx context.Context, cfg Config) (Sink, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unsupported kind %q (registered: %v)", cfg.Kind, ListKinds())
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered kinds, sorted.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
