package sqlite

import (
	"context"
	"testing"

	"ruleetl/internal/storage"
)

// TestRegistrationUsesNewRepositoryHook verifies that the "sqlite" kind
// registered in init() goes through the newRepository hook and that
// wrappedRepo delegates Close.
func TestRegistrationUsesNewRepositoryHook(t *testing.T) {
	orig := newRepository
	defer func() { newRepository = orig }()

	var (
		called   bool
		gotCfg   Config
		closed   bool
		fakeRepo = &Repository{}
	)
	newRepository = func(_ context.Context, cfg Config) (*Repository, func(), error) {
		called = true
		gotCfg = cfg
		return fakeRepo, func() { closed = true }, nil
	}

	cfg := storage.Config{Kind: "sqlite", DSN: ":memory:", Table: "results"}
	sink, err := storage.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	if !called {
		t.Fatalf("newRepository hook was not called")
	}
	if gotCfg != (Config{DSN: cfg.DSN, Table: cfg.Table}) {
		t.Fatalf("hook cfg = %+v", gotCfg)
	}
	w, ok := sink.(*wrappedRepo)
	if !ok {
		t.Fatalf("storage.New() type = %T, want *wrappedRepo", sink)
	}
	if w.Repository != fakeRepo {
		t.Fatalf("wrappedRepo.Repository = %p, want %p", w.Repository, fakeRepo)
	}

	sink.Close()
	if !closed {
		t.Fatalf("wrappedRepo.Close() did not invoke closeFn")
	}
}
