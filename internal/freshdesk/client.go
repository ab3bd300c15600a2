// Package freshdesk is the Freshdesk v2 API client. Every call goes through
// Client.do, which retries on rate limiting and on error statuses and slows
// down when the remaining request quota runs low.
package freshdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"nightshift/internal/config"
)

const (
	DefaultMaxAttempts   = 3
	DefaultRateLimitWait = 10 * time.Second
	DefaultErrorBackoff  = 2 * time.Second
	DefaultLowWaterMark  = 50
	DefaultThrottleDelay = 5 * time.Second
	defaultTimeout       = 30 * time.Second

	remainingHeader = "X-RateLimit-Remaining"
)

// Client is a Freshdesk HTTP API client.
type Client struct {
	BaseURL       string
	APIKey        string
	HTTPClient    *http.Client
	Timeout       time.Duration
	MaxAttempts   int
	RateLimitWait time.Duration
	ErrorBackoff  time.Duration
	LowWaterMark  int
	ThrottleDelay time.Duration
	Logger        *zap.Logger
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client with the default retry policy. domain is either a
// bare Freshdesk host ("acme.freshdesk.com") or a full base URL.
func New(domain, apiKey string) *Client {
	return &Client{
		BaseURL:       baseURL(domain),
		APIKey:        apiKey,
		Timeout:       defaultTimeout,
		MaxAttempts:   DefaultMaxAttempts,
		RateLimitWait: DefaultRateLimitWait,
		ErrorBackoff:  DefaultErrorBackoff,
		LowWaterMark:  DefaultLowWaterMark,
		ThrottleDelay: DefaultThrottleDelay,
		HTTPClient:    &http.Client{Timeout: defaultTimeout},
	}
}

// FromConfig builds a client from the freshdesk config section.
func FromConfig(cfg config.FreshdeskConfig, logger *zap.Logger) *Client {
	c := New(cfg.Domain, cfg.APIKey)
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
		c.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxAttempts > 0 {
		c.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RateLimitWait > 0 {
		c.RateLimitWait = cfg.RateLimitWait
	}
	if cfg.ErrorBackoff > 0 {
		c.ErrorBackoff = cfg.ErrorBackoff
	}
	if cfg.LowWaterMark > 0 {
		c.LowWaterMark = cfg.LowWaterMark
	}
	if cfg.ThrottleDelay > 0 {
		c.ThrottleDelay = cfg.ThrottleDelay
	}
	c.Logger = logger
	return c
}

func baseURL(domain string) string {
	domain = strings.TrimRight(strings.TrimSpace(domain), "/")
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain
	}
	return "https://" + domain
}

func (c *Client) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d on a timer, returning early with ctx.Err() when
// the context is cancelled.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, out any) error {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	log := c.logger().With(zap.String("op", op))

	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.APIKey, "X")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= attempts {
				return fmt.Errorf("%s: %w", op, err)
			}
			log.Warn("request failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			if err := c.sleep(ctx, c.ErrorBackoff); err != nil {
				return err
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp.Header, c.RateLimitWait)
			if attempt >= attempts {
				return &RateLimitedError{Op: op, Attempts: attempt, RetryAfter: wait}
			}
			log.Warn("rate limited, waiting", zap.Int("attempt", attempt), zap.Duration("retry_after", wait))
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		case resp.StatusCode >= http.StatusBadRequest:
			if attempt >= attempts {
				return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
			}
			log.Warn("error status, retrying", zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
			if err := c.sleep(ctx, c.ErrorBackoff); err != nil {
				return err
			}
			continue
		}
		if readErr != nil {
			return fmt.Errorf("%s: read body: %w", op, readErr)
		}
		if err := c.throttle(ctx, log, resp.Header); err != nil {
			return err
		}
		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("%s: decode response: %w", op, err)
			}
		}
		return nil
	}
}

// throttle waits ThrottleDelay when the declared remaining quota is below the
// low-water mark, delaying whatever call comes next.
func (c *Client) throttle(ctx context.Context, log *zap.Logger, h http.Header) error {
	raw := strings.TrimSpace(h.Get(remainingHeader))
	if raw == "" || c.LowWaterMark <= 0 {
		return nil
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil || remaining >= c.LowWaterMark {
		return nil
	}
	log.Info("request quota low, slowing down", zap.Int("remaining", remaining), zap.Duration("delay", c.ThrottleDelay))
	return c.sleep(ctx, c.ThrottleDelay)
}

func retryAfter(h http.Header, def time.Duration) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return def
}
