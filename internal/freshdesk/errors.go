package freshdesk

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RateLimitedError is returned when every attempt was answered with 429.
type RateLimitedError struct {
	Op         string
	Attempts   int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited after %d attempts (retry after %s)", e.Op, e.Attempts, e.RetryAfter)
}

// UpstreamError wraps a non-429 error status that persisted through all attempts.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream error: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.StatusCode == http.StatusNotFound
}
