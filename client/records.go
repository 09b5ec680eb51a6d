package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datamart/snsync/coerce"
	"github.com/datamart/snsync/sncerr"
)

const (
	// maxTableRows is the hard cap on a single query.
	maxTableRows = 100000
	// defaultPageSize is the adaptive pagination default.
	defaultPageSize = 500
	// pageConcurrency caps parallel page fetches.
	pageConcurrency = 4
)

// Field selects a column, optionally renaming it in the returned rows.
type Field struct {
	Name string
	As   string
}

// GetRecordsOptions controls a bulk read.
type GetRecordsOptions struct {
	// Query is a sysparm_query encoded filter.
	Query string
	// Fields projects columns; an empty list returns everything.
	Fields []Field
	// MaxRecords bounds the result set. Zero means unbounded (up to the
	// hard cap).
	MaxRecords int
	// Cache consults the persistent record cache with CacheTTL.
	Cache    bool
	CacheTTL string
}

// GetRecords reads all rows matching the options from table, with adaptive
// pagination and parallel page fetch, returning type-coerced rows.
func (c *Client) GetRecords(ctx context.Context, table string, opts GetRecordsOptions) ([]coerce.Row, error) {
	wire, err := c.getWireRecords(ctx, table, opts)
	if err != nil {
		return nil, err
	}
	rows, err := c.coercer.DecodeAll(ctx, table, wire)
	if err != nil {
		return nil, err
	}
	return applyRenames(rows, opts.Fields), nil
}

// GetWireRecords reads matching rows without type coercion. Delta-merge
// uses this to key and compare rows in wire form.
func (c *Client) GetWireRecords(ctx context.Context, table string, opts GetRecordsOptions) ([]map[string]interface{}, error) {
	return c.getWireRecords(ctx, table, opts)
}

func (c *Client) getWireRecords(ctx context.Context, table string, opts GetRecordsOptions) ([]map[string]interface{}, error) {
	count, err := c.Count(ctx, table, opts.Query)
	if err != nil {
		return nil, err
	}
	if count > maxTableRows {
		return nil, sncerr.New(sncerr.Quota,
			"query matches %d rows, above the %d cap", count, maxTableRows).WithTable(table)
	}

	total := count
	if opts.MaxRecords > 0 && opts.MaxRecords < total {
		total = opts.MaxRecords
	}
	if total == 0 {
		return nil, nil
	}

	cacheKey := ""
	if opts.Cache && c.records != nil {
		cacheKey = recordCacheKey(table, opts)
		if rows, ok := c.cachedRows(ctx, table, cacheKey, opts); ok {
			return rows, nil
		}
	}

	pageSize := defaultPageSize
	if opts.MaxRecords > 0 && opts.MaxRecords < pageSize {
		pageSize = opts.MaxRecords
	}

	numPages := (total + pageSize - 1) / pageSize
	pages := make([][]map[string]interface{}, numPages)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pageConcurrency)
	for i := 0; i < numPages; i++ {
		g.Go(func() error {
			offset := i * pageSize
			limit := pageSize
			if offset+limit > total {
				limit = total - offset
			}
			page, err := c.fetchPage(gctx, table, opts, offset, limit)
			if err != nil {
				return err
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, total)
	for _, page := range pages {
		out = append(out, page...)
	}

	if cacheKey != "" {
		if err := c.records.Put(cacheKey, out); err != nil {
			c.status.Warn("record cache write failed", "table", table, "error", err.Error())
		}
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, table string, opts GetRecordsOptions, offset, limit int) ([]map[string]interface{}, error) {
	query := url.Values{}
	if opts.Query != "" {
		query.Set("sysparm_query", opts.Query)
	}
	if len(opts.Fields) > 0 {
		names := make([]string, len(opts.Fields))
		for i, f := range opts.Fields {
			names[i] = f.Name
		}
		query.Set("sysparm_fields", strings.Join(names, ","))
	}
	query.Set("sysparm_limit", strconv.Itoa(limit))
	query.Set("sysparm_offset", strconv.Itoa(offset))

	resp, err := c.Do(ctx, Request{
		Method:   "GET",
		Path:     "/v2/table/" + table,
		Query:    query,
		NoCoerce: true,
	})
	if err != nil {
		return nil, err
	}
	if resp.WireRows == nil {
		// A single object where a list was expected.
		return nil, sncerr.New(sncerr.Protocol, "expected a row list").WithTable(table)
	}
	return resp.WireRows, nil
}

// cachedRows returns cached wire rows when the staleness probe passes: no
// remote records modified at-or-after the cache mtime, and the count of
// older records matches the cached length.
func (c *Client) cachedRows(ctx context.Context, table, key string, opts GetRecordsOptions) ([]map[string]interface{}, bool) {
	ttl := opts.CacheTTL
	if ttl == "" {
		ttl = "1h"
	}
	rows, ok, err := c.records.Get(key, ttl)
	if err != nil || !ok {
		return nil, false
	}
	mtime, ok, err := c.records.Mtime(key)
	if err != nil || !ok {
		return nil, false
	}

	stamp := mtime.UTC().Format("2006-01-02 15:04:05")
	newer, err := c.Count(ctx, table, joinQuery(opts.Query, "sys_updated_on>="+stamp))
	if err != nil || newer != 0 {
		return nil, false
	}
	older, err := c.Count(ctx, table, joinQuery(opts.Query, "sys_updated_on<="+stamp))
	if err != nil || older != len(rows) {
		return nil, false
	}
	c.status.Debug("record cache hit", "table", table, "rows", len(rows))
	return rows, true
}

func joinQuery(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + "^" + extra
}

func recordCacheKey(table string, opts GetRecordsOptions) string {
	names := make([]string, len(opts.Fields))
	for i, f := range opts.Fields {
		names[i] = f.Name
	}
	return table + "?" + opts.Query + "&fields=" + strings.Join(names, ",")
}

func applyRenames(rows []coerce.Row, fields []Field) []coerce.Row {
	renames := map[string]string{}
	for _, f := range fields {
		if f.As != "" && f.As != f.Name {
			renames[f.Name] = f.As
		}
	}
	if len(renames) == 0 {
		return rows
	}
	for i, row := range rows {
		out := make(coerce.Row, len(row))
		for k, v := range row {
			if as, ok := renames[k]; ok {
				out[as] = v
			} else {
				out[k] = v
			}
		}
		rows[i] = out
	}
	return rows
}

// Count returns the number of rows matching query via the stats API.
func (c *Client) Count(ctx context.Context, table, query string) (int, error) {
	q := url.Values{"sysparm_count": {"true"}}
	if query != "" {
		q.Set("sysparm_query", query)
	}
	resp, err := c.Do(ctx, Request{Method: "GET", Path: "/v1/stats/" + table, Query: q})
	if err != nil {
		return 0, err
	}

	var envelope struct {
		Result struct {
			Stats struct {
				Count string `json:"count"`
			} `json:"stats"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Raw, &envelope); err != nil {
		return 0, sncerr.Wrap(sncerr.Protocol, err, "decoding stats response for %s", table)
	}
	n, err := strconv.Atoi(envelope.Result.Stats.Count)
	if err != nil {
		return 0, sncerr.New(sncerr.Protocol, "stats count %q is not a number", envelope.Result.Stats.Count)
	}
	return n, nil
}

// Me resolves and memoizes the acting user's sys_user record. Failures are
// not memoized; the next call retries the lookup.
func (c *Client) Me(ctx context.Context) (coerce.Row, error) {
	c.meMu.Lock()
	defer c.meMu.Unlock()
	if c.meRow != nil {
		return c.meRow, nil
	}

	rows, err := c.GetRecords(ctx, "sys_user", GetRecordsOptions{
		Query: "user_name=" + c.cfg.Username,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sncerr.New(sncerr.Operational, "no sys_user record for %s", c.cfg.Username)
	}
	c.meRow = rows[0]
	return c.meRow, nil
}

// CreateRecord inserts one wire row.
func (c *Client) CreateRecord(ctx context.Context, table string, row map[string]string) error {
	_, err := c.Do(ctx, Request{Method: "POST", Path: "/v2/table/" + table, Body: row})
	return err
}

// UpdateRecord updates one record by sys_id.
func (c *Client) UpdateRecord(ctx context.Context, table, sysID string, row map[string]string) error {
	_, err := c.Do(ctx, Request{Method: "PUT", Path: "/v2/table/" + table + "/" + sysID, Body: row})
	return err
}

// DeleteRecord removes one record by sys_id.
func (c *Client) DeleteRecord(ctx context.Context, table, sysID string) error {
	_, err := c.Do(ctx, Request{Method: "DELETE", Path: "/v2/table/" + table + "/" + sysID})
	return err
}

// ImportResult summarizes an import-set insertion.
type ImportResult struct {
	Inserted int
	Updated  int
	Ignored  int
	Errors   []string
}

// ImportRows posts rows to the import API one at a time. Transform statuses
// beginning with "Row transform ignored" are counted but non-fatal.
func (c *Client) ImportRows(ctx context.Context, table string, rows []map[string]string) (*ImportResult, error) {
	out := &ImportResult{}
	for i, row := range rows {
		resp, err := c.Do(ctx, Request{Method: "POST", Path: "/v1/import/" + table, Body: row})
		if err != nil {
			return out, fmt.Errorf("importing row %d: %w", i, err)
		}
		if resp.Raw == nil {
			continue
		}

		var envelope struct {
			Result []struct {
				Status        string `json:"status"`
				StatusMessage string `json:"status_message"`
				ErrorMessage  string `json:"error_message"`
			} `json:"result"`
		}
		if err := json.Unmarshal(resp.Raw, &envelope); err != nil {
			return out, sncerr.Wrap(sncerr.Protocol, err, "decoding import response for %s", table)
		}
		for _, r := range envelope.Result {
			switch r.Status {
			case "inserted":
				out.Inserted++
			case "updated":
				out.Updated++
			case "ignored":
				out.Ignored++
			case "error":
				msg := r.ErrorMessage
				if msg == "" {
					msg = r.StatusMessage
				}
				if strings.HasPrefix(msg, "Row transform ignored") {
					out.Ignored++
					continue
				}
				out.Errors = append(out.Errors, msg)
			}
		}
	}
	if len(out.Errors) > 0 {
		return out, sncerr.New(sncerr.Operational, "%d import rows failed: %s",
			len(out.Errors), strings.Join(dedupe(out.Errors), "; ")).WithTable(table)
	}
	return out, nil
}

func dedupe(msgs []string) []string {
	counts := map[string]int{}
	var order []string
	for _, m := range msgs {
		if counts[m] == 0 {
			order = append(order, m)
		}
		counts[m]++
	}
	out := make([]string, len(order))
	for i, m := range order {
		if counts[m] > 1 {
			out[i] = fmt.Sprintf("%s (x%d)", m, counts[m])
		} else {
			out[i] = m
		}
	}
	return out
}

// Now returns the current time in the wire format. Split out for tests.
var Now = func() time.Time { return time.Now().UTC() }
