package client

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/datamart/snsync/coerce"
	"github.com/datamart/snsync/schema"
	"github.com/datamart/snsync/sncerr"
	"github.com/datamart/snsync/transport"
)

// Request is a validated API request. Path is relative to /api/now for the
// JSON APIs, or "/{table}.do" with Schema set for the XML schema endpoint.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}

	// Schema marks the XML SCHEMA endpoint, which hangs off the
	// instance root rather than /api/now.
	Schema bool

	// NoCoerce skips type coercion of table-API reads. Used when raw
	// wire rows are needed (record caching, delta-merge).
	NoCoerce bool
}

// Response is the decoded result of a request.
type Response struct {
	StatusCode int
	// Raw is the whole JSON body for JSON responses.
	Raw json.RawMessage
	// Rows holds type-coerced rows for table-API list reads.
	Rows []coerce.Row
	// Row holds the type-coerced row for table-API single-record reads.
	Row coerce.Row
	// WireRows/WireRow hold the undecoded result when NoCoerce is set.
	WireRows []map[string]interface{}
	WireRow  map[string]interface{}
	// XML is the raw schema document for Schema requests.
	XML []byte
	// Data holds attachment file bytes.
	Data []byte
}

const importPrefix = "u_imp_dm_"

var (
	apiPathPattern    = regexp.MustCompile(`^/(v[12])/(import|table|stats|attachment)/([a-zA-Z0-9_.]+)(?:/([a-zA-Z0-9_]+))?$`)
	schemaPathPattern = regexp.MustCompile(`^/([a-zA-Z0-9_]+)\.do$`)
	tableNamePattern  = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// parsedPath is the outcome of URL validation.
type parsedPath struct {
	family   string // table, import, stats, attachment
	table    string
	id       string
	download bool
}

// validate checks req against the API taxonomy and read/write rules.
func (c *Client) validate(req Request) (*parsedPath, error) {
	if req.Schema {
		m := schemaPathPattern.FindStringSubmatch(req.Path)
		if m == nil {
			return nil, sncerr.New(sncerr.RequestValidation, "invalid schema path %q", req.Path)
		}
		if req.Method != "GET" {
			return nil, sncerr.New(sncerr.RequestValidation, "schema endpoint only supports GET")
		}
		return &parsedPath{family: "schema", table: m[1]}, nil
	}

	m := apiPathPattern.FindStringSubmatch(req.Path)
	if m == nil {
		return nil, sncerr.New(sncerr.RequestValidation, "invalid API path %q", req.Path)
	}
	p := &parsedPath{family: m[2]}

	switch p.family {
	case "table", "stats", "import":
		p.table = m[3]
		p.id = m[4]
		if !tableNamePattern.MatchString(p.table) {
			return nil, sncerr.New(sncerr.RequestValidation, "invalid table name %q", p.table)
		}
		if p.id != "" && !coerce.IsGUID(p.id) {
			return nil, sncerr.New(sncerr.RequestValidation, "invalid sys_id %q", p.id)
		}
	case "attachment":
		// The id slot may be "file" with the real id preceding it.
		p.id = m[3]
		if !coerce.IsGUID(p.id) {
			return nil, sncerr.New(sncerr.RequestValidation, "invalid attachment sys_id %q", p.id)
		}
		if m[4] == "file" {
			p.download = true
		} else if m[4] != "" {
			return nil, sncerr.New(sncerr.RequestValidation, "invalid attachment path segment %q", m[4])
		}
	}

	if p.family == "table" && (req.Method == "PUT" || req.Method == "DELETE") && p.id == "" {
		return nil, sncerr.New(sncerr.RequestValidation, "%s on the table API requires a sys_id", req.Method)
	}
	if p.family == "import" && !strings.HasPrefix(p.table, importPrefix) {
		return nil, sncerr.New(sncerr.RequestValidation, "import table %q must begin with %s", p.table, importPrefix)
	}

	if c.cfg.ReadOnly && transport.DirectionOf(req.Method) == transport.Write {
		return nil, sncerr.New(sncerr.Configuration, "%s %s blocked: client is in read-only mode", req.Method, req.Path)
	}
	return p, nil
}

// Do validates and executes one request.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	p, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, vs := range req.Query {
		for _, v := range vs {
			query.Add(k, v)
		}
	}

	var full string
	switch {
	case req.Schema:
		full = c.tr.Root() + schema.SchemaURL(p.table)
	default:
		if p.family == "table" && transport.DirectionOf(req.Method) == transport.Read {
			// Reference values must come back as plain sys_ids.
			query.Set("sysparm_exclude_reference_link", "true")
		}
		full = c.tr.APIRoot() + req.Path
		if enc := query.Encode(); enc != "" {
			full += "?" + enc
		}
	}

	resp, err := c.tr.Do(ctx, transport.Request{
		Method:   req.Method,
		URL:      full,
		Body:     req.Body,
		Download: p.download,
	})
	if err != nil {
		return nil, err
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Raw:        resp.JSON,
		XML:        resp.XML,
		Data:       resp.Data,
	}
	if resp.JSON == nil {
		return out, nil
	}

	if err := checkErrorEnvelope(resp.JSON); err != nil {
		return nil, err
	}

	if p.family == "table" && transport.DirectionOf(req.Method) == transport.Read {
		if err := c.decodeTableResult(ctx, p.table, resp.JSON, req.NoCoerce, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// errorEnvelope is the instance's JSON error shape.
type errorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
}

func checkErrorEnvelope(raw json.RawMessage) error {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error == nil {
		return nil
	}
	msg := env.Error.Message
	if env.Error.Detail != "" {
		msg += ": " + env.Error.Detail
	}
	return sncerr.New(sncerr.Protocol, "instance error: %s", msg)
}

// decodeTableResult splits the result member into list or single-record
// form and coerces it unless raw wire rows were requested.
func (c *Client) decodeTableResult(ctx context.Context, table string, raw json.RawMessage, noCoerce bool, out *Response) error {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Result == nil {
		return sncerr.New(sncerr.Protocol, "table response for %s has no result member", table)
	}

	trimmed := strings.TrimSpace(string(envelope.Result))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var wire []map[string]interface{}
		if err := json.Unmarshal(envelope.Result, &wire); err != nil {
			return sncerr.Wrap(sncerr.Protocol, err, "decoding row list for %s", table)
		}
		if noCoerce {
			out.WireRows = wire
			return nil
		}
		rows, err := c.coercer.DecodeAll(ctx, table, wire)
		if err != nil {
			return err
		}
		out.Rows = rows
		return nil

	case strings.HasPrefix(trimmed, "{"):
		var wire map[string]interface{}
		if err := json.Unmarshal(envelope.Result, &wire); err != nil {
			return sncerr.Wrap(sncerr.Protocol, err, "decoding row for %s", table)
		}
		if noCoerce {
			out.WireRow = wire
			return nil
		}
		row, err := c.coercer.Decode(ctx, table, wire)
		if err != nil {
			return err
		}
		out.Row = row
		return nil

	default:
		return sncerr.New(sncerr.Protocol, "unexpected result shape for %s", table)
	}
}
