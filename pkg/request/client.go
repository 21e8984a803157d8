package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tourplayer/pkg/cache"
	"tourplayer/pkg/config"
	"tourplayer/pkg/tracker"
	"tourplayer/pkg/version"
)

var (
	defaultUserAgent = fmt.Sprintf("Tourplayer/%s (audio tour asset fetcher)", version.Version)
)

// Asset is a fetched tour asset.
type Asset struct {
	URL         string
	ContentType string
	Data        []byte
}

// Client fetches tour assets with per-host queuing, caching, and tracking.
type Client struct {
	httpClient *http.Client
	cache      cache.Cacher
	tracker    *tracker.Tracker
	backoff    *HostBackoff
	retries    int
	baseDelay  time.Duration
	maxDelay   time.Duration

	// Queues per host
	queues map[string]chan job
	mu     sync.Mutex // Protects queues map
}

// job represents a queued request.
type job struct {
	req      *http.Request
	respChan chan jobResult
}

type jobResult struct {
	asset *Asset
	err   error
}

// New creates a new Client. A nil cache disables persistent caching.
func New(c cache.Cacher, t *tracker.Tracker, cfg config.RequestConfig) *Client {
	retries := cfg.Retries
	if retries <= 0 {
		retries = 1
	}
	base := time.Duration(cfg.Backoff.BaseDelay)
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := time.Duration(cfg.Backoff.MaxDelay)
	if maxDelay < base {
		maxDelay = base
	}
	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cache:      c,
		tracker:    t,
		backoff:    NewHostBackoff(base, maxDelay),
		retries:    retries,
		baseDelay:  base,
		maxDelay:   maxDelay,
		queues:     make(map[string]chan job),
	}
}

// Fetch returns the asset at u. http(s) URLs go through the cache and the
// per-host queue; file URLs and bare paths are read from disk.
func (c *Client) Fetch(ctx context.Context, u string) (*Asset, error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
	case "file", "":
		return c.readLocal(parsedURL)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", parsedURL.Scheme)
	}

	provider := normalizeProvider(parsedURL.Host)

	// 1. Check Cache
	if c.cache != nil {
		if data, ct, hit := c.cache.GetAsset(ctx, u); hit {
			c.tracker.TrackCacheHit(provider)
			slog.Debug("Cache Hit", "provider", provider, "url", u)
			return &Asset{URL: u, ContentType: ct, Data: data}, nil
		}
		c.tracker.TrackCacheMiss(provider)
		slog.Debug("Cache Miss", "provider", provider, "url", u)
	}

	// 2. Enqueue Request
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	respChan := make(chan jobResult, 1)
	c.dispatch(provider, job{req: req, respChan: respChan})

	// 3. Wait for Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-respChan:
		return res.asset, res.err
	}
}

// IsAssetCached reports whether u is available without a network round trip.
func (c *Client) IsAssetCached(ctx context.Context, u string) bool {
	if c.cache == nil {
		return false
	}
	return c.cache.IsAssetCached(ctx, u)
}

func (c *Client) readLocal(u *url.URL) (*Asset, error) {
	path := u.Path
	data, err := os.ReadFile(filepath.FromSlash(path))
	if err != nil {
		c.tracker.TrackFetchFailure("local")
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c.tracker.TrackFetchSuccess("local", len(data))
	return &Asset{URL: u.String(), ContentType: contentTypeFor(path), Data: data}, nil
}

var audioTypes = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".ogg": "audio/ogg",
	".m4a": "audio/mp4",
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := audioTypes[ext]; ok {
		return ct
	}
	return mime.TypeByExtension(ext)
}

func normalizeProvider(host string) string {
	host = strings.ToLower(host)
	return strings.TrimPrefix(host, "www.")
}

// dispatch sends the job to the host's queue, creating the queue/worker if needed.
func (c *Client) dispatch(provider string, j job) {
	c.mu.Lock()
	q, ok := c.queues[provider]
	if !ok {
		// Create new queue and start worker
		q = make(chan job, 100)
		c.queues[provider] = q
		go c.worker(provider, q)
	}
	c.mu.Unlock()

	// We block here if the queue is full, effectively throttling the caller
	select {
	case q <- j:
	case <-j.req.Context().Done():
		// Caller gave up before we could even enqueue
		j.respChan <- jobResult{err: j.req.Context().Err()}
	}
}

// worker processes requests for a specific host sequentially.
func (c *Client) worker(provider string, q <-chan job) {
	for j := range q {
		// Check context before processing
		if j.req.Context().Err() != nil {
			slog.Debug("Job dropped from queue (context expired)", "provider", provider, "error", j.req.Context().Err())
			j.respChan <- jobResult{err: j.req.Context().Err()}
			continue
		}

		if err := c.backoff.Wait(j.req.Context(), provider); err != nil {
			j.respChan <- jobResult{err: err}
			continue
		}
		j.req.Header.Set("User-Agent", defaultUserAgent)

		body, contentType, err := c.executeWithBackoff(j.req)
		if err != nil {
			c.tracker.TrackFetchFailure(provider)
			if j.req.Context().Err() == nil {
				if hold, retryAfter := holdsHost(err); hold {
					d := c.backoff.Fail(provider, retryAfter)
					slog.Warn("Asset host failing, holding requests", "provider", provider, "hold", d, "error", err)
				}
			}
			j.respChan <- jobResult{err: err}
			continue
		}

		c.backoff.Succeed(provider)
		c.tracker.TrackFetchSuccess(provider, len(body))
		u := j.req.URL.String()
		if c.cache != nil {
			if err := c.cache.SetAsset(context.Background(), u, contentType, body); err != nil {
				slog.Error("Failed to cache asset", "url", u, "error", err)
			}
		}
		j.respChan <- jobResult{asset: &Asset{URL: u, ContentType: contentType, Data: body}}
	}
}

// StatusError is returned for asset responses with an error status.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("asset error: status %d", e.Code)
}

// Retryable reports whether the server asked to be tried again later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || (e.Code >= 500 && e.Code < 600)
}

// holdsHost reports whether err should put the host on hold. Network errors and
// retryable statuses do; client errors such as 404 do not.
func holdsHost(err error) (bool, time.Duration) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable(), se.RetryAfter
	}
	return true, 0
}

// executeWithBackoff attempts the request with exponential backoff on retryable errors.
func (c *Client) executeWithBackoff(req *http.Request) (body []byte, contentType string, err error) {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		// Verify context is still alive before dialing
		if req.Context().Err() != nil {
			return nil, "", req.Context().Err()
		}

		slog.Debug("Network Request", "host", req.URL.Host, "path", req.URL.Path, "attempt", attempt+1)
		resp, err := c.httpClient.Do(req)

		if err != nil {
			// Check if the error is a context cancellation from OUR side
			if req.Context().Err() != nil {
				return nil, "", req.Context().Err()
			}

			lastErr = err
			slog.Warn("Request failed, retrying", "url", req.URL, "attempt", attempt+1, "error", err)
			if !c.sleep(req.Context(), attempt, 0) {
				return nil, "", req.Context().Err()
			}
			continue
		}

		se := &StatusError{Code: resp.StatusCode}
		if se.Retryable() {
			resp.Body.Close()
			se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			lastErr = se
			slog.Warn("Asset Backoff", "status", resp.StatusCode, "url", req.URL, "attempt", attempt+1, "retry_after", se.RetryAfter)
			if !c.sleep(req.Context(), attempt, se.RetryAfter) {
				return nil, "", req.Context().Err()
			}
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, "", se
		}

		// Success
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, "", fmt.Errorf("read error: %w", err)
		}
		return body, resp.Header.Get("Content-Type"), nil
	}

	return nil, "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// sleep waits out the backoff for attempt, or retryAfter when the server asked
// for longer; false means the context ended first.
func (c *Client) sleep(ctx context.Context, attempt int, retryAfter time.Duration) bool {
	if attempt+1 >= c.retries {
		return true
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	if ra := min(retryAfter, c.maxDelay); ra > d {
		d = ra
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
