package ruleprep

import (
	"context"

	"ruleetl/internal/dispatch"
	"ruleetl/internal/domain"
	"ruleetl/internal/storage/postgres"
)

// PostgresSource reads the target list with pgx.
type PostgresSource struct {
	DB *postgres.DB
}

var _ Source = PostgresSource{}

// Cursor streams the rows of statement name.
func (s PostgresSource) Cursor(ctx context.Context, name string, params map[string]any) (dispatch.Cursor[domain.TxnItem], error) {
	c, err := postgres.OpenCursor[domain.TxnItem](ctx, s.DB, name, params)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Pager pages through statement name.
func (s PostgresSource) Pager(name string, params map[string]any) dispatch.Pager[domain.TxnItem] {
	return postgres.NewPager[domain.TxnItem](s.DB, name, params)
}
