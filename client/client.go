// Package client provides the HTTP client used by registry implementations.
//
// A Client issues GET requests against registry JSON APIs. By default every
// call is a single attempt: failures surface directly to the caller and it is
// up to the caller to re-invoke. Retries with exponential backoff, per-host
// circuit breaking and DNS caching are opt-in through options.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
)

const defaultUserAgent = "pkgref"

// maxBodySize caps registry responses; search pages and registration
// indexes for large packages stay well below it.
const maxBodySize = 32 << 20

// RateLimiter controls request pacing.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Observer is notified after every request attempt. status is 0 when no
// response was received.
type Observer func(host string, status int, elapsed time.Duration, err error)

// Client is an HTTP client for registry APIs.
type Client struct {
	http        *http.Client
	userAgent   string
	maxRetries  int
	baseDelay   time.Duration
	rateLimiter RateLimiter
	breakers    *breakerSet
	observer    Observer
	dnsStop     *stopper
}

// stopper closes a channel at most once; copies made by WithUserAgent share it.
type stopper struct {
	once sync.Once
	ch   chan struct{}
}

func (s *stopper) stop() {
	s.once.Do(func() { close(s.ch) })
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithMaxRetries sets the maximum number of retries for rate limited,
// 5xx and transport failures. Zero disables retrying.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.maxRetries = n
	}
}

// WithBaseDelay sets the initial backoff interval between retries.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithRateLimiter paces requests through rl.
func WithRateLimiter(rl RateLimiter) Option {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithCircuitBreaker enables per-host circuit breakers that trip after
// threshold consecutive network failures.
func WithCircuitBreaker(threshold int64) Option {
	return func(c *Client) {
		if threshold > 0 {
			c.breakers = newBreakerSet(threshold)
		}
	}
}

// WithObserver registers a callback invoked after each request attempt.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithDNSCache routes dialing through a caching resolver refreshed every
// refresh interval. Call Close to stop the refresh loop.
func WithDNSCache(refresh time.Duration) Option {
	return func(c *Client) {
		if refresh <= 0 {
			return
		}
		resolver := &dnscache.Resolver{}
		stop := &stopper{ch: make(chan struct{})}
		go func() {
			ticker := time.NewTicker(refresh)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					resolver.Refresh(true)
				case <-stop.ch:
					return
				}
			}
		}()
		c.dnsStop = stop

		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		c.http.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}
}

// NewClient creates a new client with the given options.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: 30 * time.Second},
		userAgent: defaultUserAgent,
		baseDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultClient returns a client with a 30s timeout and no retries.
func DefaultClient() *Client {
	return NewClient()
}

// WithUserAgent returns a copy of the client that sends ua as User-Agent.
func (c *Client) WithUserAgent(ua string) *Client {
	cp := *c
	cp.userAgent = ua
	return &cp
}

// BreakerStates reports the state of each per-host circuit breaker.
// It returns nil when circuit breaking is disabled.
func (c *Client) BreakerStates() map[string]string {
	if c.breakers == nil {
		return nil
	}
	return c.breakers.states()
}

// Close stops background work started by options. It is safe to call more
// than once and on any copy returned by WithUserAgent.
func (c *Client) Close() {
	if c.dnsStop != nil {
		c.dnsStop.stop()
	}
}

// GetJSON fetches url and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	body, err := c.GetBody(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &NetworkError{URL: url, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// GetBody fetches url and returns the raw response body.
func (c *Client) GetBody(ctx context.Context, url string) ([]byte, error) {
	var bo *backoff.ExponentialBackOff

	for attempt := 0; ; attempt++ {
		body, err := c.attempt(ctx, url)
		if err == nil {
			return body, nil
		}
		if attempt >= c.maxRetries || !retryable(err) {
			return nil, err
		}

		if bo == nil {
			bo = backoff.NewExponentialBackOff()
			bo.InitialInterval = c.baseDelay
			bo.MaxElapsedTime = 0
			bo.Reset()
		}
		wait := bo.NextBackOff()
		var rl *RateLimitError
		if errors.As(err, &rl) && time.Duration(rl.RetryAfter)*time.Second > wait {
			wait = time.Duration(rl.RetryAfter) * time.Second
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Head issues a HEAD request and returns the status code. Non-2xx
// responses are returned as *HTTPError.
func (c *Client) Head(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, &NetworkError{URL: url, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		err = &NetworkError{URL: url, Err: err}
		if c.observer != nil {
			c.observer(hostOf(url), 0, time.Since(start), err)
		}
		return 0, err
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = &HTTPError{StatusCode: resp.StatusCode, URL: url}
	}
	if c.observer != nil {
		c.observer(hostOf(url), resp.StatusCode, time.Since(start), err)
	}
	return resp.StatusCode, err
}

func (c *Client) attempt(ctx context.Context, url string) ([]byte, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	host := hostOf(url)
	if c.breakers != nil {
		breaker := c.breakers.get(host)
		if !breaker.Ready() {
			return nil, &NetworkError{URL: url, Err: fmt.Errorf("circuit breaker open for %s", host)}
		}
		body, status, err := c.send(ctx, url, host)
		if countsAsFailure(status, err) {
			breaker.Fail()
		} else {
			breaker.Success()
		}
		return body, err
	}

	body, _, err := c.send(ctx, url, host)
	return body, err
}

func (c *Client) send(ctx context.Context, url, host string) (body []byte, status int, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer(host, status, time.Since(start), err)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, &NetworkError{URL: url, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	status = resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, status, &NetworkError{URL: url, Err: fmt.Errorf("reading response: %w", err)}
		}
		return body, status, nil

	case status == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, status, &RateLimitError{URL: url, RetryAfter: retryAfter}

	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, status, &HTTPError{StatusCode: status, URL: url, Body: string(snippet)}
	}
}

// retryable reports whether a failed attempt may be repeated.
func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return false
}

// countsAsFailure decides whether an attempt should count against the
// host's breaker. Client errors like 404 say nothing about host health.
func countsAsFailure(status int, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return status == 0 || status >= 500 || status == http.StatusTooManyRequests
}
