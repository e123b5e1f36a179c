// Package mapper keeps the named SQL statements a job runs and binds their
// :name placeholders to positional Postgres arguments.
//
// A statement is plain SQL in which parameters appear as :name. Casts (::int),
// quoted strings and quoted identifiers are left alone:
//
//	SELECT count(*) FROM pg_stat_activity
//	 WHERE leader_pid = :leaderPid AND backend_type = 'parallel worker'
//
// binds to "... leader_pid = $1 AND ..." with args [params["leaderPid"]].
// A name used twice binds to the same positional argument.
package mapper

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Built-in statement names used by the database probe.
const (
	StmtCurrentBackendID   = "selectCurrentPid"
	StmtParallelWorkers    = "selectParallelWorkerCount"
	StmtCancelStatement    = "cancelQuery"
	StmtTerminateSession   = "terminateSession"
	defaultCurrentPid      = `SELECT pg_backend_pid()`
	defaultParallelWorkers = `SELECT count(*) FROM pg_stat_activity WHERE leader_pid = :leaderPid AND pid <> :leaderPid`
	defaultCancel          = `SELECT pg_cancel_backend(:pid)`
	defaultTerminate       = `SELECT pg_terminate_backend(:pid)`
)

// ErrUnknownStatement is returned when a name is not registered.
var ErrUnknownStatement = errors.New("mapper: unknown statement")

// MissingParamError reports a placeholder with no value in the params map.
type MissingParamError struct {
	Statement string
	Param     string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("mapper: statement %s: missing parameter :%s", e.Statement, e.Param)
}

// Registry is an immutable set of named statements.
type Registry struct {
	stmts map[string]string
}

// NewRegistry returns a registry holding the probe defaults plus stmts.
// Entries in stmts override defaults with the same name.
func NewRegistry(stmts map[string]string) *Registry {
	m := map[string]string{
		StmtCurrentBackendID: defaultCurrentPid,
		StmtParallelWorkers:  defaultParallelWorkers,
		StmtCancelStatement:  defaultCancel,
		StmtTerminateSession: defaultTerminate,
	}
	for k, v := range stmts {
		if strings.TrimSpace(v) == "" {
			continue
		}
		m[k] = v
	}
	return &Registry{stmts: m}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.stmts[name]
	return ok
}

// Names returns the registered statement names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.stmts))
	for k := range r.stmts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SQL returns the raw text of a statement.
func (r *Registry) SQL(name string) (string, error) {
	s, ok := r.stmts[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStatement, name)
	}
	return s, nil
}

// Bind looks up name and rewrites its placeholders.
func (r *Registry) Bind(name string, params map[string]any) (string, []any, error) {
	s, err := r.SQL(name)
	if err != nil {
		return "", nil, err
	}
	return Bind(name, s, params)
}

// Bind rewrites :name placeholders in sql to $n and returns the arguments in
// positional order. label is used in error messages only.
func Bind(label, sql string, params map[string]any) (string, []any, error) {
	var (
		b     strings.Builder
		args  []any
		index = map[string]int{}
	)
	b.Grow(len(sql))

	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '\'' || c == '"':
			j := skipQuoted(sql, i, c)
			b.WriteString(sql[i:j])
			i = j
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			j := strings.IndexByte(sql[i:], '\n')
			if j < 0 {
				j = len(sql) - i
			}
			b.WriteString(sql[i : i+j])
			i += j
		case c == ':' && i+1 < len(sql) && sql[i+1] == ':':
			b.WriteString("::")
			i += 2
		case c == ':' && i+1 < len(sql) && isIdentStart(sql[i+1]):
			j := i + 1
			for j < len(sql) && isIdentPart(sql[j]) {
				j++
			}
			name := sql[i+1 : j]
			n, ok := index[name]
			if !ok {
				v, present := params[name]
				if !present {
					return "", nil, &MissingParamError{Statement: label, Param: name}
				}
				args = append(args, v)
				n = len(args)
				index[name] = n
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), args, nil
}

// skipQuoted returns the index just past the quoted run starting at i.
// A doubled quote inside the run is an escaped quote.
func skipQuoted(s string, i int, q byte) int {
	j := i + 1
	for j < len(s) {
		if s[j] == q {
			if j+1 < len(s) && s[j+1] == q {
				j += 2
				continue
			}
			return j + 1
		}
		j++
	}
	return len(s)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// Params merges string maps into a parameter map; later maps win.
func Params(maps ...map[string]string) map[string]any {
	out := map[string]any{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
