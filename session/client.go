// Package session owns the authenticated cookie set and every HTTP exchange the
// crawler makes: login, page requests with retry, and asset downloads.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-manga/config"
	"github.com/aluiziolira/go-scrape-manga/metrics"
	"github.com/aluiziolira/go-scrape-manga/storage"
)

const acceptHeader = "text/html,application/xhtml+xml,application/xml;q=0.9,image/jpeg,image/apng,*/*;q=0.8"

// Client issues requests on behalf of the current session.
type Client struct {
	cfg     *config.Config
	store   *storage.Store
	http    *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	cookies map[string]string

	failures *failureLog
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithMetrics records request and download metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a Client. It holds no cookies until Initialize or Login.
func NewClient(cfg *config.Config, store *storage.Store, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		store:    store,
		logger:   slog.Default(),
		cookies:  map[string]string{},
		failures: &failureLog{limit: cfg.MaxTransportErrors},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.RequestTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: cfg.RequestTimeout,
			},
		}
	}
	return c
}

// Request issues one request with the session cookies. A transport failure is
// retried once straight away. When the retry fails too, the failure is
// recorded: the call returns a *TransportError, or a *RestartError once the
// recorded failures reach the configured budget (which empties the record).
// Non-2xx responses are returned as they are.
func (c *Client) Request(ctx context.Context, method, rawURL string) (*http.Response, error) {
	resp, err := c.do(ctx, method, rawURL)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c.logger.Warn("request failed, retrying",
		slog.String("method", method),
		slog.String("url", rawURL),
		slog.Any("error", err),
	)
	c.metrics.IncRetries()

	resp, err = c.do(ctx, method, rawURL)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c.metrics.IncTransportFailure()
	if c.failures.add(err) {
		return nil, &RestartError{
			Reason: fmt.Sprintf("%d transport failures", c.failures.limit),
			Err:    err,
		}
	}
	return nil, &TransportError{Method: method, URL: rawURL, Err: err}
}

// Head probes rawURL without a body.
func (c *Client) Head(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.Request(ctx, http.MethodHead, rawURL)
}

// TransportFailures is the number of failures recorded since the last restart.
func (c *Client) TransportFailures() int {
	return c.failures.len()
}

func (c *Client) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if cookie := c.cookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.ObserveDuration(time.Since(start))
	if err != nil {
		c.metrics.IncRequest(method, "error")
		return nil, err
	}
	c.metrics.IncRequest(method, outcome(resp.StatusCode))
	return resp, nil
}

func outcome(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status >= 300 && status < 400:
		return "redirect"
	default:
		return "http_error"
	}
}

// Cookies returns a copy of the current cookie set.
func (c *Client) Cookies() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.cookies))
	for k, v := range c.cookies {
		out[k] = v
	}
	return out
}

func (c *Client) cookieHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(c.cookies))
	for name := range c.cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+c.cookies[name])
	}
	return strings.Join(pairs, "; ")
}

// failureLog accumulates transport failures up to limit.
type failureLog struct {
	mu    sync.Mutex
	errs  []error
	limit int
}

// add records err and reports whether the limit was reached, in which case
// the log is emptied.
func (f *failureLog) add(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	if len(f.errs) >= f.limit {
		f.errs = nil
		return true
	}
	return false
}

func (f *failureLog) reset() {
	f.mu.Lock()
	f.errs = nil
	f.mu.Unlock()
}

func (f *failureLog) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}
