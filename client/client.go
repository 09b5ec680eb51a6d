// Package client is the request gateway every reconciler goes through. It
// validates request URLs against the API taxonomy, enforces read-only mode,
// executes requests over the transport, and type-coerces table-API reads
// through the schema cache.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/datamart/snsync/coerce"
	"github.com/datamart/snsync/config"
	"github.com/datamart/snsync/fake"
	"github.com/datamart/snsync/recordcache"
	"github.com/datamart/snsync/schema"
	"github.com/datamart/snsync/status"
	"github.com/datamart/snsync/transport"
)

// Client is the root aggregate owning the transport, schema cache, and
// coercer. Reconcilers hold a *Client and never each other.
type Client struct {
	cfg     *config.Config
	tr      *transport.Transport
	schemas *schema.Cache
	coercer *coerce.Coercer
	records recordcache.Store
	status  status.Status

	// fake is set when the sentinel dev instance routed traffic to the
	// in-process instance; Close shuts it down.
	fake *fake.Instance

	meMu  sync.Mutex
	meRow coerce.Row
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	baseURL    string
	store      recordcache.Store
	status     status.Status
	logger     *slog.Logger
}

// WithHTTPClient injects the HTTP client, e.g. the fake instance's.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithBaseURL overrides the instance URL. Intended for httptest servers.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithRecordStore enables the persistent record cache.
func WithRecordStore(s recordcache.Store) Option {
	return func(o *options) { o.store = s }
}

// WithStatus sets the progress collaborator.
func WithStatus(s status.Status) Option {
	return func(o *options) { o.status = s }
}

// WithLogger sets the logger used by the transport and default status.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds a Client from cfg.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var fakeInst *fake.Instance
	if cfg.Fake() && o.httpClient == nil && o.baseURL == "" {
		fakeInst = fake.New()
		o.baseURL = fakeInst.URL()
		// The fake seeds an admin user; act as it.
		cc := *cfg
		cc.Username, cc.Password = "admin", "admin"
		cfg = &cc
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.status == nil {
		o.status = status.NewLogger(o.logger)
	}
	if o.store == nil && cfg.CacheDir != "" {
		store, err := recordcache.NewFileStore(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		o.store = store
	}

	tr := transport.New(transport.Config{
		Instance:         cfg.Instance,
		Username:         cfg.Username,
		Password:         cfg.Password,
		ReadConcurrency:  cfg.ReadConcurrency,
		WriteConcurrency: cfg.WriteConcurrency,
		HTTPClient:       o.httpClient,
		BaseURL:          o.baseURL,
		Logger:           o.logger,
		Debug:            cfg.Debug,
	})

	c := &Client{
		cfg:     cfg,
		tr:      tr,
		records: o.store,
		status:  o.status,
		fake:    fakeInst,
	}
	c.schemas = schema.NewCache(c.fetchSchema, 0)
	c.coercer = coerce.New(c.schemas, o.status)
	return c, nil
}

// fetchSchema retrieves the raw XML SCHEMA document for a table. It goes
// through Do so the read bucket and retry policy apply.
func (c *Client) fetchSchema(ctx context.Context, table string) ([]byte, error) {
	resp, err := c.Do(ctx, Request{Method: "GET", Path: "/" + table + ".do", Schema: true})
	if err != nil {
		return nil, err
	}
	return resp.XML, nil
}

// Schemas returns the schema cache.
func (c *Client) Schemas() *schema.Cache { return c.schemas }

// Coercer returns the type coercer.
func (c *Client) Coercer() *coerce.Coercer { return c.coercer }

// Status returns the progress collaborator.
func (c *Client) Status() status.Status { return c.status }

// Transport exposes the transport for observability (metrics, buckets).
func (c *Client) Transport() *transport.Transport { return c.tr }

// Username returns the acting user name from configuration.
func (c *Client) Username() string { return c.cfg.Username }

// ReadOnly reports whether writes are blocked.
func (c *Client) ReadOnly() bool { return c.cfg.ReadOnly }

// Fake returns the in-process instance when running in fake mode, for
// seeding and assertions. Nil otherwise.
func (c *Client) Fake() *fake.Instance { return c.fake }

// Close releases resources owned by the client. Only fake-mode clients
// hold any.
func (c *Client) Close() {
	if c.fake != nil {
		c.fake.Close()
	}
}
