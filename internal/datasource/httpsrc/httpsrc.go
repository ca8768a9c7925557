// Package httpsrc streams a metadata file over HTTP(S) with retries.
//
// Only establishing the response is retried: network errors, 429 and 5xx are
// retried with exponential backoff (429 honours Retry-After), any other
// non-2xx fails at once. Once a 2xx response arrives its body is returned
// as-is; a failure mid-body surfaces from Read.
package httpsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned for a 404 response.
var ErrNotFound = errors.New("http source: not found")

// Config addresses the file and tunes retries. Zero values take defaults.
type Config struct {
	URL         string
	MaxAttempts int           // default 4
	BaseBackoff time.Duration // default 2s, doubled per attempt
	MaxBackoff  time.Duration // default 60s
	Client      *http.Client  // default newHTTPClient()

	sleep func(ctx context.Context, d time.Duration) bool
}

// StatusError is a non-2xx response that ended the attempts.
type StatusError struct {
	URL        string
	StatusCode int
	Attempts   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http source: GET %s: status %d after %d attempt(s)", e.URL, e.StatusCode, e.Attempts)
}

// Open issues GET cfg.URL and returns the response body.
func Open(ctx context.Context, cfg Config) (io.ReadCloser, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("http source: empty url")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = newHTTPClient()
	}
	sleep := cfg.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("http source: %w", err)
		}

		status, retryAfter := 0, time.Duration(0)
		resp, err := client.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http source: GET %s: %w", cfg.URL, err)
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp.Body, nil
		default:
			status = resp.StatusCode
			retryAfter = parseRetryAfter(resp.Header)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()

			if status == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, cfg.URL)
			}
			lastErr = &StatusError{URL: cfg.URL, StatusCode: status, Attempts: attempt}
			if !retryable(status) {
				return nil, lastErr
			}
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		if !sleep(ctx, nextRetryDelay(status, retryAfter, attempt, cfg.BaseBackoff, cfg.MaxBackoff)) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// nextRetryDelay is base * 2^(attempt-1) clamped to maxBackoff. A 429 with
// Retry-After waits as asked, up to maxBackoff; a network error (status 0)
// waits at least base*4 to avoid tight loops against a host that is down.
func nextRetryDelay(status int, retryAfter time.Duration, attempt int, base, maxBackoff time.Duration) time.Duration {
	if status == http.StatusTooManyRequests && retryAfter > 0 {
		return min(retryAfter, maxBackoff)
	}
	d := base << uint(attempt-1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	if status == 0 && d < 4*base {
		d = 4 * base
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// newHTTPClient bounds the wait for response headers but not the body, which
// may be a multi-gigabyte metadata export.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
}
