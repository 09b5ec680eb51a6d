// Package sncerr defines the error taxonomy used across the client.
//
// Every failure surfaced to a caller is an *Error carrying a Kind. Callers
// check categories with errors.Is against the Kind sentinels (for example
// errors.Is(err, sncerr.Coercion)) and still reach wrapped causes through
// errors.As / Unwrap.
package sncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error. Kinds are comparable sentinels: an *Error
// matches its Kind under errors.Is.
type Kind int

const (
	// Configuration covers missing credentials or instance, invalid base
	// URLs, and write attempts in read-only mode.
	Configuration Kind = iota + 1
	// RequestValidation covers malformed sys_ids, wrong table-name
	// prefixes, and missing required path segments.
	RequestValidation
	// Transport covers network failures after retries are exhausted and
	// non-retryable HTTP statuses.
	Transport
	// Protocol covers unexpected content types, missing or malformed
	// bodies, and error envelopes in otherwise-successful responses.
	Protocol
	// Schema covers an unusable SCHEMA endpoint response.
	Schema
	// Coercion covers values that cannot be converted to their declared
	// column type.
	Coercion
	// Plan covers rejected reconciliation plans: renames, immutable field
	// changes, ownership violations, duplicate relationship types.
	Plan
	// Quota covers the hard row-count cap on reads.
	Quota
	// Operational covers conditions that need a human: duplicate rows,
	// relationship types that must be created manually.
	Operational
)

var kindNames = map[Kind]string{
	Configuration:     "configuration",
	RequestValidation: "request validation",
	Transport:         "transport",
	Protocol:          "protocol",
	Schema:            "schema",
	Coercion:          "coercion",
	Plan:              "plan",
	Quota:             "quota",
	Operational:       "operational",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error satisfies the error interface so a Kind can act as an errors.Is
// target. A bare Kind should never be returned directly; use New or Wrap.
func (k Kind) Error() string { return k.String() + " error" }

// Error is the concrete error type. Zero-valued context fields are omitted
// from the message.
type Error struct {
	Kind   Kind
	Msg    string
	Table  string
	Column string
	Status int    // HTTP status, when one was received
	User   string // acting user, set on authorization failures
	Err    error  // wrapped cause
}

// New builds an *Error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around a cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	var ctx []string
	if e.Table != "" {
		ctx = append(ctx, "table="+e.Table)
	}
	if e.Column != "" {
		ctx = append(ctx, "column="+e.Column)
	}
	if e.Status != 0 {
		ctx = append(ctx, fmt.Sprintf("status=%d", e.Status))
	}
	if e.User != "" {
		ctx = append(ctx, "user="+e.User)
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// KindOf extracts the Kind from err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// WithTable returns a copy annotated with the table name.
func (e *Error) WithTable(table string) *Error {
	c := *e
	c.Table = table
	return &c
}

// WithColumn returns a copy annotated with table and column.
func (e *Error) WithColumn(table, column string) *Error {
	c := *e
	c.Table = table
	c.Column = column
	return &c
}
