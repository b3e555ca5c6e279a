package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RetryableError reports a request abandoned after in-transport retries.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// RateLimitError reports a 429 surfaced to the caller. Info carries whatever
// the provider's headers revealed; zero values mean the provider said
// nothing.
type RateLimitError struct {
	Info RateLimitInfo
}

func (e *RateLimitError) Error() string {
	if e.Info.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: rate limited (retry after %v)", http.StatusTooManyRequests, e.Info.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: rate limited", http.StatusTooManyRequests)
}

// IsRateLimited reports whether err (anywhere in its chain) is a surfaced
// rate limit.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}
