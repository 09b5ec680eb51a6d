// Package coerce converts rows between the remote's all-string wire form and
// a typed in-memory form, driven by the table schema.
package coerce

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Kind tags a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindDate
	KindRow // nested object from a dotted reference lookup
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindRow:
		return "row"
	}
	return "unknown"
}

// Value is the tagged variant held in typed rows.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
	row  Row
}

// Row is a typed row: column name to Value.
type Row map[string]Value

// Null returns the null Value. The zero Value is also null.
func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Date(t time.Time) Value { return Value{kind: KindDate, t: t} }
func Nested(row Row) Value { return Value{kind: KindRow, row: row} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }
func (v Value) Date() (time.Time, bool) { return v.t, v.kind == KindDate }
func (v Value) Row() (Row, bool) { return v.row, v.kind == KindRow }

// String renders the value for logs and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "<null>"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	case KindDate:
		return v.t.UTC().Format(wireDateFormat)
	case KindRow:
		keys := make([]string, 0, len(v.row))
		for k := range v.row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ", "
			}
			out += fmt.Sprintf("%s: %s", k, v.row[k].String())
		}
		return out + "}"
	}
	return "<invalid>"
}

var guidPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// IsGUID reports whether s is a 32-character lower-hex sys_id.
func IsGUID(s string) bool { return guidPattern.MatchString(s) }
