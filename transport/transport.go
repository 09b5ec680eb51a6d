// Package transport executes single HTTP requests against an instance with
// authentication, bounded retry, per-direction concurrency limits, and
// content-type aware response parsing. It knows nothing about the request
// taxonomy; URL construction and validation live in the client package.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/datamart/snsync/sncerr"
)

const (
	requestTimeout = 60 * time.Second
	maxAttempts    = 3

	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 3
	backoffJitter  = 0.5

	// Total wall time across attempts and backoff sleeps.
	maxElapsed = 90 * time.Second
)

// Config configures a Transport.
type Config struct {
	Instance string
	Username string
	Password string

	ReadConcurrency  int
	WriteConcurrency int

	// HTTPClient overrides the default client. Used to inject the fake
	// in-process instance and test servers.
	HTTPClient *http.Client

	// BaseURL overrides the https://{instance}.service-now.com root.
	// Used by tests against httptest servers.
	BaseURL string

	Logger *slog.Logger
	Debug  bool
}

// Transport executes HTTP requests. It is safe for concurrent use.
type Transport struct {
	root     string
	username string
	password string
	client   *http.Client
	limiter  *Limiter
	metrics  *Metrics
	logger   *slog.Logger
	debug    bool
}

// New creates a Transport from cfg.
func New(cfg Config) *Transport {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	root := cfg.BaseURL
	if root == "" {
		root = "https://" + cfg.Instance + ".service-now.com"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		root:     strings.TrimSuffix(root, "/"),
		username: cfg.Username,
		password: cfg.Password,
		client:   client,
		limiter:  NewLimiter(cfg.ReadConcurrency, cfg.WriteConcurrency),
		metrics:  NewMetrics(),
		logger:   logger,
		debug:    cfg.Debug,
	}
}

// Root returns the instance root URL (no /api/now suffix). The SCHEMA
// endpoint hangs directly off the root; everything else is under APIRoot.
func (t *Transport) Root() string { return t.root }

// APIRoot returns the REST API root.
func (t *Transport) APIRoot() string { return t.root + "/api/now" }

// Username returns the acting user for ownership rules and error context.
func (t *Transport) Username() string { return t.username }

// Metrics returns the transport's Prometheus collectors.
func (t *Transport) Metrics() *Metrics { return t.metrics }

// Limiter exposes the token buckets for observability.
func (t *Transport) Limiter() *Limiter { return t.limiter }

// Request describes a single HTTP exchange.
type Request struct {
	Method string
	// URL is absolute; build it from APIRoot or Root.
	URL string
	// Body is JSON-encoded when non-nil.
	Body interface{}
	// Download marks an attachment file request whose bytes pass through
	// unparsed.
	Download bool
}

// Response is the parsed result of a request. Exactly one of JSON, XML, or
// Data is set for bodied responses; 201/204 responses set only StatusCode.
type Response struct {
	StatusCode int
	JSON       json.RawMessage
	XML        []byte
	Data       []byte
}

// errRateLimited marks an HTTP 429 so the retry loop can distinguish it.
var errRateLimited = errors.New("rate limited by instance")

// Do executes req with bounded retry. A concurrency token for the request's
// direction is held from before the first attempt until the final outcome.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	dir := DirectionOf(req.Method)
	release, err := t.limiter.Acquire(ctx, dir)
	if err != nil {
		return nil, sncerr.Wrap(sncerr.Transport, err, "waiting for %s token", dir)
	}
	t.metrics.TokensInUse.WithLabelValues(dir.String()).Set(float64(t.limiter.InUse(dir)))
	defer func() {
		release()
		t.metrics.TokensInUse.WithLabelValues(dir.String()).Set(float64(t.limiter.InUse(dir)))
	}()

	var body []byte
	if req.Body != nil {
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, sncerr.Wrap(sncerr.Protocol, err, "encoding request body for %s %s", req.Method, req.URL)
		}
	}

	start := time.Now()
	var out *Response
	attempt := 0

	op := func() error {
		attempt++
		resp, opErr := t.attempt(ctx, req, body)
		if opErr != nil {
			if reason, ok := retryReason(opErr); ok {
				t.metrics.RetriesTotal.WithLabelValues(reason).Inc()
				return opErr
			}
			return backoff.Permanent(opErr)
		}
		out = resp
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = backoffInitial
	policy.MaxInterval = backoffMax
	policy.Multiplier = backoffFactor
	policy.RandomizationFactor = backoffJitter
	policy.MaxElapsedTime = maxElapsed

	notify := func(err error, wait time.Duration) {
		t.logger.Warn("retrying request",
			slog.String("method", req.Method),
			slog.String("url", req.URL),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}

	err = backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx),
		notify)

	status := 0
	if out != nil {
		status = out.StatusCode
	}
	t.metrics.observe(req.Method, status, time.Since(start))

	if err != nil {
		if errors.Is(err, errRateLimited) {
			return nil, sncerr.Wrap(sncerr.Transport, err, "Too many retries for %s %s", req.Method, req.URL)
		}
		return nil, err
	}
	return out, nil
}

// attempt performs one HTTP exchange and classifies the outcome.
func (t *Transport) attempt(ctx context.Context, req Request, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return nil, sncerr.Wrap(sncerr.Configuration, err, "invalid request URL %q", req.URL)
	}
	httpReq.SetBasicAuth(t.username, t.password)
	httpReq.Header.Set("Accept", "application/json, text/xml")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if t.debug {
		t.logger.Debug("request", slog.String("method", req.Method), slog.String("url", req.URL))
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if _, ok := retryReason(err); ok {
			return nil, err
		}
		return nil, sncerr.Wrap(sncerr.Transport, err, "%s %s failed", req.Method, req.URL)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, sncerr.Wrap(sncerr.Transport, err, "reading response for %s %s", req.Method, req.URL)
	}

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent:
		// Success sentinels; no body required.
		return &Response{StatusCode: resp.StatusCode}, nil

	case http.StatusOK:
		return t.dispatch(req, resp, payload)

	case http.StatusTooManyRequests:
		return nil, errRateLimited

	case http.StatusForbidden:
		e := sncerr.New(sncerr.Transport, "user %s is not authorised for %s %s", t.username, req.Method, req.URL)
		e.Status = resp.StatusCode
		e.User = t.username
		return nil, e

	default:
		msg := strings.TrimSpace(string(payload))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		e := sncerr.New(sncerr.Transport, "%s %s returned %d: %s", req.Method, req.URL, resp.StatusCode, msg)
		e.Status = resp.StatusCode
		return nil, e
	}
}

// dispatch parses a 200 body according to its content type.
func (t *Transport) dispatch(req Request, resp *http.Response, payload []byte) (*Response, error) {
	if req.Download {
		return &Response{StatusCode: resp.StatusCode, Data: payload}, nil
	}

	ctype := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ctype, "application/json"):
		if len(payload) == 0 {
			return nil, sncerr.New(sncerr.Protocol, "%s %s returned 200 with an empty body", req.Method, req.URL)
		}
		if !json.Valid(payload) {
			return nil, sncerr.New(sncerr.Protocol, "%s %s returned malformed JSON", req.Method, req.URL)
		}
		return &Response{StatusCode: resp.StatusCode, JSON: payload}, nil

	case strings.HasPrefix(ctype, "text/xml"):
		if len(payload) == 0 {
			return nil, sncerr.New(sncerr.Protocol, "%s %s returned 200 with an empty body", req.Method, req.URL)
		}
		return &Response{StatusCode: resp.StatusCode, XML: payload}, nil

	default:
		return nil, sncerr.New(sncerr.Protocol, "%s %s returned unexpected content type %q", req.Method, req.URL, ctype)
	}
}

// retryReason reports whether err is a transient failure worth another
// attempt, and the metric label describing it.
func retryReason(err error) (string, bool) {
	if errors.Is(err, errRateLimited) {
		return "rate_limited", true
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "conn_reset", true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return "dns", true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", true
	}
	return "", false
}

// Backoff exposes the retry timing for tests: the nominal sleep before
// attempt n (1-based), without jitter.
func Backoff(attempt int) time.Duration {
	d := backoffInitial
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d > backoffMax {
			return backoffMax
		}
	}
	return d
}
