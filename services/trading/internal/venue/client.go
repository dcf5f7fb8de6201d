package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// ClientOptions tunes the HTTP client shared by an adapter.
type ClientOptions struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	HTTPClient        *http.Client
}

type httpClient struct {
	venue   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitBreaker
}

func newHTTPClient(venue, baseURL string, opts ClientOptions) *httpClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &httpClient{
		venue:   venue,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: newCircuitBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
	}
}

// newRequest builds a request against the adapter base URL.
func (c *httpClient) newRequest(ctx context.Context, method, path, query string, body []byte) (*http.Request, error) {
	url := c.baseURL + path
	if query != "" {
		url += "?" + query
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and decodes a 2xx JSON body into out. Transport errors and 5xx
// responses count against the circuit breaker.
func (c *httpClient) do(req *http.Request, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%s: %w", c.venue, ErrCircuitOpen)
	}
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("%s rate limit wait: %w", c.venue, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%s request failed: %w", c.venue, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%s read response: %w", c.venue, err)
	}
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Venue: c.venue, Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s decode response: %w", c.venue, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	openedUntil time.Time
	cooldown    time.Duration
	now         func() time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedUntil.IsZero() {
		return true
	}
	if b.now().After(b.openedUntil) {
		// half-open: one more failure reopens it.
		b.openedUntil = time.Time{}
		b.failures = b.threshold - 1
		return true
	}
	return false
}

func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedUntil = time.Time{}
}

func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openedUntil = b.now().Add(b.cooldown)
	}
}
