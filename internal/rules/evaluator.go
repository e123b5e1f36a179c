package rules

import (
	"context"
	"fmt"
	"sort"
)

// Evaluator runs every rule code for one input item, in order, and folds the
// returned rows into results of type O. A failure on any code fails the
// whole item, so a retry re-runs the full code sequence.
type Evaluator[I, O any] struct {
	Client Client

	// Codes are the rule codes to run, in order.
	Codes []string

	// AsOf is the evaluation date passed with every call.
	AsOf string

	// Params builds the parameter bag for an item.
	Params func(item I) Params

	// NewResult returns a result seeded from the item, one per returned row.
	NewResult func(item I, code string) O

	// Merge copies one column into a result. column is already normalized by
	// NormalizeColumn; unknown columns should be ignored.
	Merge func(res *O, column string, value any)
}

// Evaluate implements the per-item processing step of a dispatcher.
// With no codes configured it returns no results and no error.
func (e *Evaluator[I, O]) Evaluate(ctx context.Context, item I) ([]O, error) {
	if len(e.Codes) == 0 {
		return nil, nil
	}
	params := e.Params(item)

	var out []O
	for _, code := range e.Codes {
		rows, err := e.Client.Evaluate(ctx, code, e.AsOf, params)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", code, err)
		}
		for _, row := range rows {
			res := e.NewResult(item, code)
			for _, col := range sortedColumns(row) {
				e.Merge(&res, NormalizeColumn(col), row[col])
			}
			out = append(out, res)
		}
	}
	return out, nil
}

func sortedColumns(r Row) []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
