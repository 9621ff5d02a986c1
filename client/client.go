package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rpcbridge/internal/correlation"
	"pkt.systems/rpcbridge/internal/svcfields"
	"pkt.systems/rpcbridge/internal/version"
)

const (
	// DefaultStatusPath matches the bridge's default status route.
	DefaultStatusPath = "/status"

	defaultHTTPTimeout      = 60 * time.Second
	defaultMaxResponseBytes = 16 << 20
	defaultRetryBase        = 10 * time.Millisecond
	defaultRetryMax         = 500 * time.Millisecond
	contentTypeJSON         = "application/json"

	codeServerError = -32000
)

// Bridge reply prefixes that mean the consumer did not finish the request
// and a new attempt may succeed.
var retryableMessages = []string{
	"Backend unavailable",
	"Request interrupted",
	"Server is shutting down",
}

// ErrUnavailable is returned by WaitAvailable when the bridge is shutting down.
var ErrUnavailable = errors.New("rpcbridge: bridge is shutting down")

// Client is a thin wrapper around the bridge's HTTP surface.
type Client struct {
	endpoint         *url.URL
	statusPath       string
	httpClient       *http.Client
	httpTimeout      time.Duration
	bearer           string
	rootCAs          *x509.CertPool
	insecureTLS      bool
	maxResponseBytes int64
	failureRetries   int
	retryBase        time.Duration
	retryMax         time.Duration
	retryUnavailable bool
	logger           pslog.Logger
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client. Root CA and timeout options
// do not modify a supplied client; the correlation transport is still added.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = svcfields.WithSubsystem(logger, "client.sdk")
	}
}

// WithBearer sends "Authorization: Bearer <key>" on every request.
func WithBearer(key string) Option {
	return func(c *Client) {
		c.bearer = strings.TrimSpace(key)
	}
}

// WithRootCAs trusts pool when dialing an https endpoint.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) {
		c.rootCAs = pool
	}
}

// WithInsecureSkipVerify disables server certificate verification. Only for
// local testing against self-signed material without the CA at hand.
func WithInsecureSkipVerify() Option {
	return func(c *Client) {
		c.insecureTLS = true
	}
}

// WithStatusPath overrides the status route path.
func WithStatusPath(path string) Option {
	return func(c *Client) {
		c.statusPath = path
	}
}

// WithHTTPTimeout bounds each HTTP round trip. It should exceed the bridge's
// request timeout, otherwise the client gives up before the bridge answers.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithMaxResponseBytes caps how much of a reply is read.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// WithFailureRetries sets how many times Call retries after a transport
// failure, such as the bridge being down during a restart. A value <0 retries
// until ctx ends. The default is 0: every call is attempted once.
func WithFailureRetries(n int) Option {
	return func(c *Client) {
		c.failureRetries = n
	}
}

// WithRetryBackoff sets the delay before the first retry and its cap. The
// delay doubles after each attempt.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.retryBase = base
		}
		if max > 0 {
			c.retryMax = max
		}
	}
}

// WithRetryOnUnavailable also spends retries on -32000 replies that say the
// consumer was unavailable, was interrupted or that the bridge was shutting
// down. An interrupted request may already have been seen by the consumer,
// so only opt in for calls that are safe to repeat.
func WithRetryOnUnavailable() Option {
	return func(c *Client) {
		c.retryUnavailable = true
	}
}

// New constructs a client for endpoint, an http or https base URL. The
// bridge route is the endpoint's path, "/" when empty.
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("endpoint required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q: missing host", endpoint)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	c := &Client{
		endpoint:         u,
		statusPath:       DefaultStatusPath,
		httpTimeout:      defaultHTTPTimeout,
		maxResponseBytes: defaultMaxResponseBytes,
		retryBase:        defaultRetryBase,
		retryMax:         defaultRetryMax,
		logger:           pslog.NoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if u.Scheme == "https" {
			transport.TLSClientConfig = &tls.Config{
				MinVersion:         tls.VersionTLS12,
				RootCAs:            c.rootCAs,
				InsecureSkipVerify: c.insecureTLS, //nolint:gosec // opt-in for local testing
			}
		}
		c.httpClient = &http.Client{Transport: transport, Timeout: c.httpTimeout}
	} else {
		copied := *c.httpClient
		c.httpClient = &copied
	}
	c.httpClient.Transport = WithCorrelationTransport(c.httpClient.Transport)
	return c, nil
}

// Endpoint returns the bridge route URL.
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// Response is one reply from the bridge route.
type Response struct {
	// Body is the reply verbatim: the consumer's response or a bridge
	// generated JSON-RPC error envelope.
	Body          []byte
	CorrelationID string
	Duration      time.Duration
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// RPCError decodes the error member of Body. It returns nil when Body is not
// a JSON-RPC error response, including batch replies.
func (r *Response) RPCError() *RPCError {
	if r == nil {
		return nil
	}
	var env struct {
		Error *RPCError `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return nil
	}
	return env.Error
}

// APIError is returned for replies other than HTTP 200.
type APIError struct {
	// Status is the HTTP status code returned by the bridge.
	Status int
	// Body contains the raw response body bytes.
	Body []byte
	// RPC is the decoded JSON-RPC error, when the body is an envelope.
	RPC *RPCError
}

func (e *APIError) Error() string {
	if e.RPC != nil {
		return fmt.Sprintf("rpcbridge: status %d: %s", e.Status, e.RPC.Message)
	}
	msg := strings.TrimSpace(string(e.Body))
	if msg != "" && len(msg) < 200 {
		return fmt.Sprintf("rpcbridge: status %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("rpcbridge: status %d", e.Status)
}

// Call posts body to the bridge route and returns the reply. The body is sent
// as is; the bridge does not validate it beyond the size bound. Failed
// attempts are retried as configured with WithFailureRetries; all attempts
// share one correlation id.
func (c *Client) Call(ctx context.Context, body []byte) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !correlation.Has(ctx) {
		ctx = correlation.Set(ctx, correlation.Generate())
	}
	cid := correlation.ID(ctx)
	logger := c.logger.With(string(svcfields.CorrelationIDKey), cid)

	retries := c.failureRetries
	delay := c.retryBase
	attempt := 1
	for {
		resp, err := c.callOnce(ctx, body, logger)
		reason := c.retryReason(ctx, resp, err)
		if reason == "" || retries == 0 {
			return resp, err
		}
		if retries > 0 {
			retries--
		}
		sleep := delay
		if sleep > c.retryMax {
			sleep = c.retryMax
		}
		logger.Debug("client.call.retry", "attempt", attempt, "reason", reason, "delay", sleep)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			if err != nil {
				return nil, errors.Join(ctx.Err(), err)
			}
			return resp, nil
		case <-timer.C:
		}
		if delay < c.retryMax {
			delay *= 2
		}
		attempt++
	}
}

// retryReason names why the outcome of an attempt is worth repeating, or
// returns "" when it is final.
func (c *Client) retryReason(ctx context.Context, resp *Response, err error) string {
	if ctx.Err() != nil {
		return ""
	}
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return ""
		}
		return "transport"
	}
	if !c.retryUnavailable {
		return ""
	}
	rpcErr := resp.RPCError()
	if rpcErr == nil || rpcErr.Code != codeServerError {
		return ""
	}
	for _, prefix := range retryableMessages {
		if strings.HasPrefix(rpcErr.Message, prefix) {
			return "unavailable"
		}
	}
	return ""
}

func (c *Client) callOnce(ctx context.Context, body []byte, logger pslog.Logger) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	c.decorate(req)

	start := time.Now()
	logger.Trace("client.call.start", "endpoint", c.endpoint.String(), "bytes", len(body))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug("client.call.transport_error", "error", err)
		return nil, fmt.Errorf("call %s: %w", c.endpoint.Redacted(), err)
	}
	defer resp.Body.Close()
	data, err := c.readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Body: data}
		apiErr.RPC = (&Response{Body: data}).RPCError()
		logger.Debug("client.call.rejected", "status", resp.StatusCode)
		return nil, apiErr
	}
	out := &Response{
		Body:          data,
		CorrelationID: CorrelationIDFromResponse(resp),
		Duration:      time.Since(start),
	}
	logger.Trace("client.call.complete", "elapsed", out.Duration, "bytes", len(data))
	return out, nil
}

// Served mirrors the outcome counters in the status document.
type Served struct {
	Replied      uint64 `json:"replied"`
	TimedOut     uint64 `json:"timed_out"`
	Interrupted  uint64 `json:"interrupted"`
	ShuttingDown uint64 `json:"shutting_down"`
	Rejected     uint64 `json:"rejected"`
}

// Status is the bridge's status document.
type Status struct {
	Bridge       string `json:"bridge"`
	Available    bool   `json:"available"`
	Availability string `json:"availability"`
	PID          int    `json:"pid"`
	Version      string `json:"version,omitempty"`
	Uptime       string `json:"uptime"`
	RSSBytes     uint64 `json:"rss_bytes,omitempty"`
	Waiting      int64  `json:"waiting"`
	Pending      bool   `json:"pending"`
	Served       Served `json:"served"`
}

// Status fetches the status document.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target := *c.endpoint
	target.Path = c.statusPath
	target.RawQuery = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeJSON)
	c.decorate(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", target.Redacted(), err)
	}
	defer resp.Body.Close()
	data, err := c.readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: data}
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// WaitAvailable polls the status route every interval until the consumer
// claims availability, ctx ends, or the bridge reports it is shutting down.
// Connection errors are retried; the last one is returned with ctx's error.
func (c *Client) WaitAvailable(ctx context.Context, interval time.Duration) (*Status, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	var lastErr error
	for {
		st, err := c.Status(ctx)
		switch {
		case err == nil && st.Available:
			return st, nil
		case err == nil && st.Availability == "shutting-down":
			return st, ErrUnavailable
		case err != nil:
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return nil, err
			}
			lastErr = err
			c.logger.Debug("client.wait.retry", "error", err)
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastErr != nil {
				return nil, errors.Join(ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", version.UserAgent())
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > c.maxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", c.maxResponseBytes)
	}
	return data, nil
}
