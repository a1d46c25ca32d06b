// Package fetch provides the rate-limited, retried HTTP client the
// crawl engine issues all of its requests through. The client enforces
// a global in-flight ceiling, a per-host sub-limit, and a per-host
// minimum inter-request delay, and retries transient failures with
// exponential backoff and jitter. It never interprets response bodies.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds client configuration.
type Config struct {
	// MaxConcurrent bounds in-flight requests across all hosts.
	MaxConcurrent int
	// MaxPerHost bounds in-flight requests to any single host, so one
	// slow host cannot starve the others.
	MaxPerHost int
	// MaxAttempts caps retries of transient failures.
	MaxAttempts int
	// BackoffBase is the first retry delay; each retry doubles it, with
	// random jitter, up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// HostDelay is the default minimum interval between requests to the
	// same host. Per-host overrides come from SetHostDelay.
	HostDelay time.Duration
	// Timeout applies per HTTP request.
	Timeout   time.Duration
	UserAgent string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent: 8,
		MaxPerHost:    2,
		MaxAttempts:   3,
		BackoffBase:   500 * time.Millisecond,
		BackoffCap:    15 * time.Second,
		HostDelay:     1 * time.Second,
		Timeout:       10 * time.Second,
		UserAgent:     "prensa/1.0 (+https://github.com/avelasquez/prensa)",
	}
}

// Request describes one HTTP call.
type Request struct {
	URL     string
	Method  string // defaults to GET
	Headers map[string]string
}

// Result is the outcome of a successful fetch.
type Result struct {
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
	// FinalURL is the URL after following redirects.
	FinalURL string
}

// hostGate serializes politeness and concurrency for one host.
type hostGate struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

// Client issues rate-limited, retried HTTP requests.
type Client struct {
	config     *Config
	httpClient *http.Client
	global     chan struct{}

	mu         sync.Mutex
	hosts      map[string]*hostGate
	hostDelays map[string]time.Duration
}

// NewClient creates a client with the given configuration. A nil config
// uses DefaultConfig.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		global:     make(chan struct{}, config.MaxConcurrent),
		hosts:      make(map[string]*hostGate),
		hostDelays: make(map[string]time.Duration),
	}
}

// SetHostDelay overrides the minimum inter-request delay for one host.
// It must be called before the first request to that host.
func (c *Client) SetHostDelay(host string, delay time.Duration) {
	if host == "" || delay <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostDelays[host] = delay
}

// gate returns the gate for a host, creating it on first use. The
// limiter admits one request per configured delay; the slot channel
// bounds in-flight requests to the host.
func (c *Client) gate(host string) *hostGate {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.hosts[host]; ok {
		return g
	}

	delay := c.config.HostDelay
	if override, ok := c.hostDelays[host]; ok {
		delay = override
	}

	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}

	g := &hostGate{
		limiter: rate.NewLimiter(limit, 1),
		slots:   make(chan struct{}, c.config.MaxPerHost),
	}
	c.hosts[host] = g
	return g
}

// Fetch performs the request. Transient failures (timeouts, connection
// resets, 5xx, 429) are retried with exponential backoff and jitter up
// to MaxAttempts; permanent failures (other 4xx, malformed URLs) are
// reported immediately. The returned error is always a TransientError
// or PermanentError, or the context's error on cancellation.
func (c *Client) Fetch(ctx context.Context, req Request) (*Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, &PermanentError{URL: req.URL, Err: fmt.Errorf("malformed URL")}
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		result, err := c.once(ctx, req, u.Host)
		if err == nil {
			return result, nil
		}
		if IsPermanent(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, lastErr
}

// once performs a single attempt, holding the global and per-host
// concurrency slots and waiting for the host's politeness gate.
func (c *Client) once(ctx context.Context, req Request, host string) (*Result, error) {
	select {
	case c.global <- struct{}{}:
		defer func() { <-c.global }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g := c.gate(host)
	select {
	case g.slots <- struct{}{}:
		defer func() { <-g.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, &PermanentError{URL: req.URL, Err: err}
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(req.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, &TransientError{URL: req.URL, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, &TransientError{URL: req.URL, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		io.Copy(io.Discard, resp.Body)
		return nil, &PermanentError{URL: req.URL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{URL: req.URL, Err: err}
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       body,
		FetchedAt:  time.Now(),
		FinalURL:   resp.Request.URL.String(),
	}, nil
}

// backoff returns the delay before the given retry (1-based), doubling
// from BackoffBase with up to 50% random jitter, capped at BackoffCap.
func (c *Client) backoff(retry int) time.Duration {
	delay := c.config.BackoffBase << (retry - 1)
	if delay > c.config.BackoffCap {
		delay = c.config.BackoffCap
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/2 + 1))
	return delay + jitter
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
