// Package api is the HTTP client for the game-metadata service. All
// pacing, retry, and timeout behavior lives here: callers issue a request
// and either get a response, a not-found, or a fatal error.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-pkgz/lgr"
	"golang.org/x/time/rate"

	"catadump/pkg/domain"
)

// ErrNotFound is returned for a 404 response. During detail fetches it
// means the game was renumbered upstream and should be skipped.
var ErrNotFound = errors.New("resource not found")

// FatalError is an unrecoverable request failure: bad credentials, a
// malformed request, or an exhausted retry schedule. The process should
// exit non-zero.
type FatalError struct {
	StatusCode int
	Reason     string
}

func (e *FatalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d)", e.Reason, e.StatusCode)
	}
	return e.Reason
}

// backoffSchedule is the wait before each retry, indexed by retry count.
// Exhausting it is fatal.
var backoffSchedule = []time.Duration{0, 60 * time.Second, 300 * time.Second, 600 * time.Second, 3600 * time.Second}

// Config holds client settings, threaded in from the entry point.
type Config struct {
	BaseURL   string
	APIKey    string
	RateLimit time.Duration // minimum gap between requests, API-tier-dependent
	UserAgent string

	// Schedule overrides the retry backoff schedule, tests only.
	Schedule []time.Duration
}

// Client issues paced, retried GET requests against the metadata API.
type Client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	userAgent string
	limiter   *rate.Limiter
	schedule  []time.Duration
}

// New creates a client. One request is in flight at a time and consecutive
// requests are spaced at least cfg.RateLimit apart.
func New(cfg Config) *Client {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10 * time.Second
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = backoffSchedule
	}
	return &Client{
		http:      &http.Client{Timeout: 2 * time.Minute},
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		limiter:   rate.NewLimiter(rate.Every(cfg.RateLimit), 1),
		schedule:  schedule,
	}
}

// Platforms fetches the full platforms list.
func (c *Client) Platforms(ctx context.Context) ([]domain.Platform, error) {
	body, err := c.get(ctx, "/platforms", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Platforms []domain.Platform `json:"platforms"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode platforms response: %w", err)
	}
	return resp.Platforms, nil
}

// Games fetches one listing page for a platform.
func (c *Client) Games(ctx context.Context, platformID int64, offset, limit int) (domain.Page, error) {
	q := url.Values{}
	q.Set("platform", strconv.FormatInt(platformID, 10))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.get(ctx, "/games", q)
	if err != nil {
		return domain.Page{}, err
	}
	var page domain.Page
	if err := json.Unmarshal(body, &page); err != nil {
		return domain.Page{}, fmt.Errorf("decode games response: %w", err)
	}
	return page, nil
}

// GameDetails fetches a single game's per-platform detail blob. Returns
// ErrNotFound when the game id no longer resolves.
func (c *Client) GameDetails(ctx context.Context, gameID, platformID int64) (json.RawMessage, error) {
	path := fmt.Sprintf("/games/%d/platforms/%d", gameID, platformID)
	body, err := c.get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// RecentGames fetches one page of the recent-changes feed for the given
// day window.
func (c *Client) RecentGames(ctx context.Context, age, offset, limit int) (domain.Page, error) {
	q := url.Values{}
	q.Set("format", "normal")
	q.Set("age", strconv.Itoa(age))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.get(ctx, "/games/recent", q)
	if err != nil {
		return domain.Page{}, err
	}
	var page domain.Page
	if err := json.Unmarshal(body, &page); err != nil {
		return domain.Page{}, fmt.Errorf("decode recent games response: %w", err)
	}
	return page, nil
}

// get runs a single paced GET with retry on transient failures, following
// the progressive backoff schedule. Fatal statuses return immediately.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)
	reqURL := c.baseURL + path + "?" + query.Encode()

	for retry := 0; ; retry++ {
		if retry >= len(c.schedule) {
			return nil, &FatalError{Reason: "too many retries, giving up"}
		}
		if wait := c.schedule[retry]; wait > 0 {
			lgr.Printf("[WARN] retry %d/%d in %v", retry, len(c.schedule)-1, wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		body, retryable, err := c.attempt(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lgr.Printf("[WARN] request failed: %v", err)
	}
}

// attempt makes one request, reporting whether a failure is retryable.
func (c *Client) attempt(ctx context.Context, reqURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		// timeouts and connection drops, maybe the internet went away
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("read response body: %w", err)
		}
		return body, false, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, false, &FatalError{StatusCode: resp.StatusCode, Reason: "unauthorized, check the API key"}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, false, &FatalError{StatusCode: resp.StatusCode, Reason: "unprocessable request, a parameter was the right type but invalid"}
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case retryableStatus(resp.StatusCode):
		return nil, true, fmt.Errorf("transient server error: status %d", resp.StatusCode)
	default:
		return nil, false, &FatalError{StatusCode: resp.StatusCode, Reason: "unexpected response"}
	}
}

// retryableStatus covers rate limiting and the 5xx family, including the
// CDN-specific 52x codes the API fronts with.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, 500, 502, 503, 504, 520, 522, 524, 525:
		return true
	}
	return code >= 500 && code < 600
}
