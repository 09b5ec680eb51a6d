package coerce

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datamart/snsync/schema"
	"github.com/datamart/snsync/sncerr"
	"github.com/datamart/snsync/status"
)

const (
	// wireDateFormat is the only format the client emits: UTC, seconds
	// precision.
	wireDateFormat = "2006-01-02 15:04:05"
	// displayDateFormat is accepted on input only. The instance produces
	// it when sysparm_display_value is set, which no reconciler path
	// does; it is decoded in the caller's local time zone.
	displayDateFormat = "02-01-2006 15:04:05"

	floatPlaces   = 7
	decimalPlaces = 2

	// batchConcurrency caps element-wise conversion of row slices.
	batchConcurrency = 8
)

// Coercer converts rows in both directions using the schema cache.
type Coercer struct {
	schemas *schema.Cache
	status  status.Status
}

// New builds a Coercer. A nil st discards warnings.
func New(schemas *schema.Cache, st status.Status) *Coercer {
	if st == nil {
		st = status.Discard{}
	}
	return &Coercer{schemas: schemas, status: st}
}

// Decode converts one wire row (JSON-decoded, values strings or reference
// link objects) into a typed row. Dotted keys are resolved through
// reference columns into nested rows.
func (c *Coercer) Decode(ctx context.Context, table string, wire map[string]interface{}) (Row, error) {
	tbl, err := c.schemas.Get(ctx, table)
	if err != nil {
		return nil, err
	}
	return c.decodeWith(ctx, tbl, wire)
}

func (c *Coercer) decodeWith(ctx context.Context, tbl *schema.Table, wire map[string]interface{}) (Row, error) {
	out := make(Row, len(wire))
	nested := map[string]map[string]interface{}{}

	for key, raw := range wire {
		if head, rest, dotted := strings.Cut(key, "."); dotted {
			group := nested[head]
			if group == nil {
				group = map[string]interface{}{}
				nested[head] = group
			}
			group[rest] = raw
			continue
		}
		val, err := c.decodeValue(tbl, key, raw)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}

	for head, group := range nested {
		entry, ok := tbl.Columns[head]
		if !ok || entry.ReferenceTable == "" {
			e := sncerr.New(sncerr.Coercion, "dotted key %s.* does not traverse a reference column", head)
			e.Table = tbl.Name
			e.Column = head
			return nil, e
		}
		refTbl, err := c.schemas.Get(ctx, entry.ReferenceTable)
		if err != nil {
			return nil, err
		}
		row, err := c.decodeWith(ctx, refTbl, group)
		if err != nil {
			return nil, err
		}
		out[head] = Nested(row)
	}
	return out, nil
}

// decodeValue converts one wire value per its declared column type.
// Columns absent from the schema pass through as strings.
func (c *Coercer) decodeValue(tbl *schema.Table, column string, raw interface{}) (Value, error) {
	// Reference link objects arrive as JSON objects; keep them untouched
	// as nested rows of strings.
	if obj, ok := raw.(map[string]interface{}); ok {
		row := make(Row, len(obj))
		for k, v := range obj {
			if s, ok := v.(string); ok {
				row[k] = String(s)
			}
		}
		return Nested(row), nil
	}

	s, ok := raw.(string)
	if !ok {
		if raw == nil {
			return Null(), nil
		}
		e := sncerr.New(sncerr.Coercion, "wire value for %s is %T, expected string", column, raw)
		e.Table = tbl.Name
		e.Column = column
		return Value{}, e
	}

	entry, ok := tbl.Columns[column]
	if !ok {
		return String(s), nil
	}
	if s == "" {
		return Null(), nil
	}

	fail := func(format string, args ...interface{}) (Value, error) {
		e := sncerr.New(sncerr.Coercion, format, args...)
		e.Table = tbl.Name
		e.Column = column
		return Value{}, e
	}

	switch entry.Type {
	case "boolean":
		// The instance emits "true"/"false"; our own wire form is "1"/"0".
		switch s {
		case "true", "1":
			return Bool(true), nil
		case "false", "0":
			return Bool(false), nil
		}
		return fail("invalid boolean %q", s)

	case "integer", "long":
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			if entry.ChoiceList {
				// Choice-list integers may come back as display
				// strings.
				return String(s), nil
			}
			return fail("invalid integer %q", s)
		}
		return Int(n), nil

	case "float", "decimal":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return fail("invalid number %q", s)
		}
		return Float(f), nil

	case "glide_date_time":
		if t, err := time.ParseInLocation(wireDateFormat, s, time.UTC); err == nil {
			return Date(t), nil
		}
		if t, err := time.ParseInLocation(displayDateFormat, s, time.Local); err == nil {
			return Date(t), nil
		}
		return fail("invalid date %q", s)

	default:
		// string, text, html, url, reference, glide_list, and anything
		// the schema grows later: pass through.
		return String(s), nil
	}
}

// Encode converts a typed row into flat wire form. Dotted nested values are
// not emitted; writes are flat.
func (c *Coercer) Encode(ctx context.Context, table string, row Row) (map[string]string, error) {
	tbl, err := c.schemas.Get(ctx, table)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(row))
	for key, val := range row {
		if val.Kind() == KindRow {
			continue
		}
		s, err := c.encodeValue(tbl, key, val)
		if err != nil {
			return nil, err
		}
		out[key] = s
	}
	return out, nil
}

func (c *Coercer) encodeValue(tbl *schema.Table, column string, val Value) (string, error) {
	entry, ok := tbl.Columns[column]
	if !ok {
		// Columns unknown to the schema are written verbatim.
		if val.IsNull() {
			return "", nil
		}
		return val.String(), nil
	}

	fail := func(format string, args ...interface{}) (string, error) {
		e := sncerr.New(sncerr.Coercion, format, args...)
		e.Table = tbl.Name
		e.Column = column
		return "", e
	}

	switch entry.Type {
	case "boolean":
		// Null encodes as false.
		if b, _ := val.Bool(); b {
			return "1", nil
		}
		return "0", nil

	case "integer", "long":
		switch val.Kind() {
		case KindNull:
			return "", nil
		case KindInt:
			n, _ := val.Int()
			return strconv.FormatInt(n, 10), nil
		case KindFloat:
			f, _ := val.Float()
			return strconv.FormatInt(int64(math.Round(f)), 10), nil
		case KindString:
			s, _ := val.Str()
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return strconv.FormatInt(int64(math.Round(f)), 10), nil
			}
			if entry.ChoiceList {
				return s, nil
			}
			return fail("cannot encode %q as integer", s)
		}
		return fail("cannot encode %s as integer", val.Kind())

	case "float", "decimal":
		places := floatPlaces
		if entry.Type == "decimal" {
			places = decimalPlaces
		}
		var f float64
		switch val.Kind() {
		case KindNull:
			return "", nil
		case KindFloat:
			f, _ = val.Float()
		case KindInt:
			n, _ := val.Int()
			f = float64(n)
		case KindString:
			s, _ := val.Str()
			parsed, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fail("cannot encode %q as %s", s, entry.Type)
			}
			f = parsed
		default:
			return fail("cannot encode %s as %s", val.Kind(), entry.Type)
		}
		return strconv.FormatFloat(roundTo(f, places), 'f', -1, 64), nil

	case "glide_date_time":
		switch val.Kind() {
		case KindNull:
			return "", nil
		case KindDate:
			t, _ := val.Date()
			return t.UTC().Truncate(time.Second).Format(wireDateFormat), nil
		case KindString:
			// Re-parse strings so malformed dates fail here rather
			// than at the instance.
			s, _ := val.Str()
			if t, err := time.ParseInLocation(wireDateFormat, s, time.UTC); err == nil {
				return t.Format(wireDateFormat), nil
			}
			if t, err := time.ParseInLocation(displayDateFormat, s, time.Local); err == nil {
				return t.UTC().Format(wireDateFormat), nil
			}
			return fail("invalid date %q", s)
		}
		return fail("cannot encode %s as date", val.Kind())

	case "reference", "glide_list":
		if val.IsNull() {
			return "", nil
		}
		s, ok := val.Str()
		if !ok {
			return fail("cannot encode %s as reference", val.Kind())
		}
		// Empty means disconnect and is valid.
		if s != "" && !IsGUID(s) {
			return fail("reference value %q is not a 32-character sys_id", s)
		}
		return s, nil

	default:
		if val.IsNull() {
			return "", nil
		}
		s := val.String()
		// max_length counts characters; cut on rune boundaries so a
		// multibyte character is never split.
		if r := []rune(s); entry.MaxLength > 0 && len(r) > entry.MaxLength {
			c.status.Warn("truncating over-long value",
				"table", tbl.Name, "column", column,
				"len", len(r), "max", entry.MaxLength)
			s = string(r[:entry.MaxLength])
		}
		return s, nil
	}
}

// DecodeAll converts a slice of wire rows with bounded concurrency. Any
// element failure fails the whole batch.
func (c *Coercer) DecodeAll(ctx context.Context, table string, wire []map[string]interface{}) ([]Row, error) {
	// Warm the schema first so workers never race a cold fetch.
	if _, err := c.schemas.Get(ctx, table); err != nil {
		return nil, err
	}
	out := make([]Row, len(wire))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i := range wire {
		g.Go(func() error {
			row, err := c.Decode(gctx, table, wire[i])
			if err != nil {
				return err
			}
			out[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeAll converts a slice of typed rows with bounded concurrency.
func (c *Coercer) EncodeAll(ctx context.Context, table string, rows []Row) ([]map[string]string, error) {
	if _, err := c.schemas.Get(ctx, table); err != nil {
		return nil, err
	}
	out := make([]map[string]string, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i := range rows {
		g.Go(func() error {
			wire, err := c.Encode(gctx, table, rows[i])
			if err != nil {
				return err
			}
			out[i] = wire
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func roundTo(f float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(f*shift) / shift
}
