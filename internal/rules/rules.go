// Package rules talks to the external rule engine. A rule is identified by a
// code; evaluating it against a typed parameter bag and an as-of date yields
// zero or more result rows, each a map from column name to value.
//
// The package has two parts: a Client (HTTPClient over JSON) and a generic
// Evaluator that runs every configured rule code for one input item and
// folds the returned rows into caller-defined result values.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the type of a parameter value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
)

func (k Kind) String() string {
	if k == KindNumber {
		return "number"
	}
	return "string"
}

// Param is one named, typed entry of a parameter bag.
type Param struct {
	Name string
	Kind Kind
	Str  string
	Num  float64
}

// Value returns the param as a plain Go value.
func (p Param) Value() any {
	if p.Kind == KindNumber {
		return p.Num
	}
	return p.Str
}

func (p Param) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name  string `json:"name"`
		Type  string `json:"type"`
		Value any    `json:"value"`
	}{p.Name, p.Kind.String(), p.Value()})
}

// Params is an ordered parameter bag.
type Params []Param

// String appends a string entry.
func (ps Params) String(name, v string) Params {
	return append(ps, Param{Name: name, Kind: KindString, Str: v})
}

// Number appends a numeric entry.
func (ps Params) Number(name string, v float64) Params {
	return append(ps, Param{Name: name, Kind: KindNumber, Num: v})
}

// Lookup returns the first entry called name.
func (ps Params) Lookup(name string) (Param, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Row is one result row keyed by column name.
type Row map[string]any

// Client evaluates one rule.
type Client interface {
	Evaluate(ctx context.Context, ruleCode, asOf string, params Params) ([]Row, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, ruleCode, asOf string, params Params) ([]Row, error)

func (f ClientFunc) Evaluate(ctx context.Context, ruleCode, asOf string, params Params) ([]Row, error) {
	return f(ctx, ruleCode, asOf, params)
}

// Error is a failure reported by the rule engine, either a logical rule
// error or a protocol-level status.
type Error struct {
	Rule    string
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rules: %s: %s (status %d): %s", e.Rule, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("rules: %s: %s: %s", e.Rule, e.Code, e.Message)
}

// ParseCodes splits a comma separated rule id list, dropping blanks.
func ParseCodes(apiID string) []string {
	var out []string
	for _, s := range strings.Split(apiID, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
