// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package query executes statically declared, parameterised SQL statements
// on pooled connections.
//
// Statements are declared once with typed named parameters. Values are
// bound to positional placeholders and sent separately from the SQL text;
// nothing a caller supplies is ever spliced into a statement.
package query

import (
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Type is the declared type of a statement parameter.
type Type int

// Parameter types.
const (
	Text Type = iota + 1
	Bytes
	Int
	Bool
	Timestamp
	ULID
)

func (t Type) String() string {
	switch t {
	case Text:
		return "text"
	case Bytes:
		return "bytes"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case Timestamp:
		return "timestamp"
	case ULID:
		return "ulid"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Param declares one named parameter. Its position in Statement.Params is
// its placeholder number minus one.
type Param struct {
	Name     string
	Type     Type
	Nullable bool
}

// Statement is a named SQL statement with typed parameters.
type Statement struct {
	Name   string
	SQL    string
	Params []Param
}

// Args maps parameter names to values.
type Args map[string]any

var placeholderRE = regexp.MustCompile(`\$(\d+)`)

// Prepare declares a statement, checking that its $n placeholders match
// the declared parameters one to one.
func Prepare(name, sql string, params ...Param) (Statement, error) {
	if name == "" {
		return Statement{}, oops.Code("QUERY_INVALID_STATEMENT").Errorf("statement name is required")
	}

	seen := make(map[int]bool)
	for _, m := range placeholderRE.FindAllStringSubmatch(sql, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return Statement{}, oops.Code("QUERY_INVALID_STATEMENT").
				With("statement", name).
				Errorf("invalid placeholder $%s", m[1])
		}
		seen[n] = true
	}
	for i := 1; i <= len(params); i++ {
		if !seen[i] {
			return Statement{}, oops.Code("QUERY_INVALID_STATEMENT").
				With("statement", name).
				Errorf("parameter %q has no placeholder $%d", params[i-1].Name, i)
		}
		delete(seen, i)
	}
	if len(seen) > 0 {
		extra := make([]int, 0, len(seen))
		for n := range seen {
			extra = append(extra, n)
		}
		sort.Ints(extra)
		return Statement{}, oops.Code("QUERY_INVALID_STATEMENT").
			With("statement", name).
			Errorf("placeholder $%d has no declared parameter", extra[0])
	}

	names := make(map[string]bool, len(params))
	for _, p := range params {
		if p.Name == "" || names[p.Name] {
			return Statement{}, oops.Code("QUERY_INVALID_STATEMENT").
				With("statement", name).
				Errorf("parameter names must be unique and non-empty: %q", p.Name)
		}
		if p.Type < Text || p.Type > ULID {
			return Statement{}, oops.Code("QUERY_INVALID_STATEMENT").
				With("statement", name).
				Errorf("parameter %q has unknown type %s", p.Name, p.Type)
		}
		names[p.Name] = true
	}

	return Statement{Name: name, SQL: sql, Params: params}, nil
}

// MustPrepare is like Prepare but panics on error. It is meant for
// package-level statement declarations.
func MustPrepare(name, sql string, params ...Param) Statement {
	s, err := Prepare(name, sql, params...)
	if err != nil {
		panic(err)
	}
	return s
}

// Bind type-checks args against the declared parameters and returns them
// in placeholder order.
func (s Statement) Bind(args Args) ([]any, error) {
	declared := make(map[string]struct{}, len(s.Params))
	out := make([]any, len(s.Params))
	for i, p := range s.Params {
		declared[p.Name] = struct{}{}
		v, ok := args[p.Name]
		if !ok {
			return nil, s.bindError(p, "missing value")
		}
		if v == nil {
			if !p.Nullable {
				return nil, s.bindError(p, "null value for non-nullable parameter")
			}
			continue
		}
		bound, ok := coerce(p.Type, v)
		if !ok {
			return nil, s.bindError(p, "expected "+p.Type.String())
		}
		out[i] = bound
	}
	for name := range args {
		if _, ok := declared[name]; !ok {
			return nil, oops.Code("QUERY_BIND_FAILED").
				With("statement", s.Name).
				With("param", name).
				Wrap(&QueryError{
					Statement: s.Name,
					Code:      CodeBind,
					Message:   "unknown parameter " + strconv.Quote(name),
				})
		}
	}
	return out, nil
}

func (s Statement) bindError(p Param, msg string) error {
	return oops.Code("QUERY_BIND_FAILED").
		With("statement", s.Name).
		With("param", p.Name).
		Wrap(&QueryError{
			Statement: s.Name,
			Code:      CodeBind,
			Message:   "parameter " + strconv.Quote(p.Name) + ": " + msg,
		})
}

func coerce(t Type, v any) (any, bool) {
	switch t {
	case Text:
		s, ok := v.(string)
		return s, ok
	case Bytes:
		b, ok := v.([]byte)
		return b, ok
	case Int:
		switch n := v.(type) {
		case int:
			return int64(n), true
		case int32:
			return int64(n), true
		case int64:
			return n, true
		}
		return nil, false
	case Bool:
		b, ok := v.(bool)
		return b, ok
	case Timestamp:
		ts, ok := v.(time.Time)
		if !ok {
			return nil, false
		}
		return ts.UTC(), true
	case ULID:
		id, ok := v.(ulid.ULID)
		if !ok {
			return nil, false
		}
		return id.String(), true
	}
	return nil, false
}
