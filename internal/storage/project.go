package storage

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"
)

// ExprPrefix marks a fixed value as a server-side expression.
const ExprPrefix = "SQL::"

// Project flattens rows of struct type T into columns and values. Columns
// come from `db` struct tags; untagged exported fields use their snake_case
// name and fields tagged `db:"-"` are skipped.
func Project[T any](rows []T) ([]string, [][]any, error) {
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Struct {
		return nil, nil, fmt.Errorf("storage: project %s: not a struct", typ)
	}
	var (
		cols []string
		idx  []int
	)
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("db"), ",")
		switch name {
		case "-":
			continue
		case "":
			name = ColumnName(f.Name)
		}
		cols = append(cols, name)
		idx = append(idx, i)
	}

	out := make([][]any, len(rows))
	for r := range rows {
		v := reflect.ValueOf(rows[r])
		vals := make([]any, len(idx))
		for j, i := range idx {
			vals[j] = v.Field(i).Interface()
		}
		out[r] = vals
	}
	return cols, out, nil
}

// ColumnName converts a camelCase field or key to snake_case. Names that are
// already snake_case are returned unchanged.
func ColumnName(s string) string {
	var b strings.Builder
	rs := []rune(s)
	for i, r := range rs {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(rs[i-1]) || unicode.IsDigit(rs[i-1]) ||
				(i+1 < len(rs) && unicode.IsLower(rs[i+1]) && unicode.IsUpper(rs[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Expr is a column whose value the server computes.
type Expr struct {
	Column string
	SQL    string
}

// Plan is an InsertRequest resolved for one backend: the bound columns and
// values plus the server-side expressions.
type Plan struct {
	Table   string
	Columns []string
	Rows    [][]any
	Exprs   []Expr
}

// AllColumns returns the bound columns followed by the expression columns.
func (p Plan) AllColumns() []string {
	out := append([]string(nil), p.Columns...)
	for _, e := range p.Exprs {
		out = append(out, e.Column)
	}
	return out
}

// Translator rewrites a portable expression such as "now()" into the
// backend's dialect.
type Translator func(expr string) string

// Functions returns a Translator that replaces known function calls
// (matched case-insensitively) and passes anything else through.
func Functions(m map[string]string) Translator {
	return func(expr string) string {
		if out, ok := m[strings.ToLower(strings.TrimSpace(expr))]; ok {
			return out
		}
		return expr
	}
}

// Resolve applies exclusions and fixed values to req. A fixed value replaces
// a row column of the same name.
func Resolve(req InsertRequest, defaultTable string, tr Translator) (Plan, error) {
	p := Plan{Table: req.Table}
	if p.Table == "" {
		p.Table = defaultTable
	}
	if p.Table == "" {
		return Plan{}, fmt.Errorf("storage: no destination table")
	}

	drop := make(map[string]bool, len(req.Exclude)+len(req.Fixed))
	for _, c := range req.Exclude {
		drop[ColumnName(c)] = true
	}

	fixedCols := make([]string, 0, len(req.Fixed))
	for k := range req.Fixed {
		fixedCols = append(fixedCols, k)
	}
	sort.Strings(fixedCols)

	var literals []string
	var litVals []any
	for _, k := range fixedCols {
		col := ColumnName(k)
		if drop[col] {
			continue
		}
		v := req.Fixed[k]
		if expr, ok := strings.CutPrefix(v, ExprPrefix); ok {
			if strings.TrimSpace(expr) == "" {
				return Plan{}, fmt.Errorf("storage: fixed value %q: empty expression", k)
			}
			if tr != nil {
				expr = tr(expr)
			}
			p.Exprs = append(p.Exprs, Expr{Column: col, SQL: expr})
		} else {
			literals = append(literals, col)
			litVals = append(litVals, v)
		}
		drop[col] = true
	}

	keep := make([]int, 0, len(req.Columns))
	for i, c := range req.Columns {
		if !drop[ColumnName(c)] {
			keep = append(keep, i)
			p.Columns = append(p.Columns, ColumnName(c))
		}
	}
	p.Columns = append(p.Columns, literals...)

	p.Rows = make([][]any, len(req.Rows))
	for r, row := range req.Rows {
		if len(row) != len(req.Columns) {
			return Plan{}, fmt.Errorf("storage: row %d has %d values for %d columns", r, len(row), len(req.Columns))
		}
		out := make([]any, 0, len(p.Columns))
		for _, i := range keep {
			out = append(out, row[i])
		}
		out = append(out, litVals...)
		p.Rows[r] = out
	}
	return p, nil
}
