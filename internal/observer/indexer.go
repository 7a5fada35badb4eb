package observer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	defaultIndexerTimeout = 10 * time.Second
	defaultBackoff        = 30 * time.Second
	maxResponseBytes      = 4 << 20
)

// ClientConfig configures an indexer HTTP client.
type ClientConfig struct {
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// indexerClient performs rate-limited GETs against a JSON indexer and backs
// off after the indexer answers 429.
type indexerClient struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	mu           sync.Mutex
	backoffUntil time.Time
}

func newIndexerClient(name string, cfg ClientConfig) *indexerClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultIndexerTimeout
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 3
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &indexerClient{
		name:    name,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		now:     time.Now,
	}
}

func (c *indexerClient) backingOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.backoffUntil)
}

func (c *indexerClient) startBackoff(retryAfter string) time.Duration {
	wait := defaultBackoff
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		wait = time.Duration(secs) * time.Second
	}
	c.mu.Lock()
	c.backoffUntil = c.now().Add(wait)
	c.mu.Unlock()
	return wait
}

// getJSON fetches url and returns the parsed document.
func (c *indexerClient) getJSON(ctx context.Context, url string) (gjson.Result, error) {
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: %s returned malformed JSON", ErrTransient, c.name)
	}
	return gjson.ParseBytes(body), nil
}

func (c *indexerClient) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	if c.backingOff() {
		return nil, ErrRateLimited
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s limiter: %v", ErrTransient, c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s request: %v", ErrTransient, c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := c.startBackoff(resp.Header.Get("Retry-After"))
		return nil, fmt.Errorf("%w: %s backing off for %s", ErrRateLimited, c.name, wait)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s read body: %v", ErrTransient, c.name, err)
	}
	if resp.StatusCode >= 300 {
		return payload, fmt.Errorf("%w: %s returned HTTP %d", ErrTransient, c.name, resp.StatusCode)
	}
	return payload, nil
}
