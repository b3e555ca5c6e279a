// Package httpclient is the shared retrying HTTP transport for outbound
// calls (LLM REST endpoints, embedding APIs, enrichment URL fetches).
//
// Rate-limit responses are surfaced, not absorbed: a 429 returns a
// RateLimitError carrying the parsed reset headers so the caller can rotate
// credentials or back off with its own budget. Transient 5xx responses are
// retried in-transport.
package httpclient

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
)

type RetryStrategy int

const (
	// NoRetry surfaces the response immediately.
	NoRetry RetryStrategy = iota
	// ConservativeRetry retries up to twice with short fixed delays.
	ConservativeRetry
	// SmartRetry honors Retry-After/reset headers, falling back to
	// exponential backoff with jitter.
	SmartRetry
)

// RateLimitInfo is what a provider's rate-limit headers told us.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

// RateLimitHeaderParser extracts RateLimitInfo from provider headers.
type RateLimitHeaderParser func(http.Header) RateLimitInfo

// RetryStrategyFunc picks a strategy for a response status code.
type RetryStrategyFunc func(statusCode int) RetryStrategy

type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
	strategyFunc RetryStrategyFunc
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) {
		c.strategyFunc = strategyFunc
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   5,
		baseDelay:    2 * time.Second,
		strategyFunc: SurfaceRateLimits,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// SurfaceRateLimits is the default strategy: 429 goes straight back to the
// caller (a rotation decision, not a transport one), server errors get a
// conservative in-transport retry.
func SurfaceRateLimits(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests:
		return NoRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// AbsorbRateLimits retries 429 in-transport, honoring reset headers. Meant
// for callers with no credential to rotate (URL fetches, public APIs).
func AbsorbRateLimits(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes the request with the configured retry policy. The request body
// is re-created from GetBody on each retry. Waits respect the request
// context: cancellation during a backoff returns ctx.Err().
//
// A non-nil error means there is no usable response; any body has been
// closed. Statuses the policy does not retry (other than 429) come back as
// a response with a nil error, for the caller to interpret.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, strategy, info, err := c.attemptRequest(req)
		if err == nil {
			return resp, nil
		}
		if strategy == NoRetry {
			drainBody(resp)
			return nil, err
		}

		delay := c.calculateDelay(strategy, attempt, info)
		if attempt >= c.maxRetries || delay <= 0 {
			status := statusOf(resp)
			drainBody(resp)
			return nil, &RetryableError{
				StatusCode: status,
				Message:    fmt.Sprintf("retries exhausted after %d attempts", attempt+1),
				RetryAfter: delay,
				Err:        err,
			}
		}

		drainBody(resp)
		logger.GetLogger().Debug("retrying request",
			"url", req.URL.String(),
			"status", statusOf(resp),
			"attempt", attempt+1,
			"delay", delay)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	return nil, &RetryableError{
		Message: fmt.Sprintf("max retries (%d) exceeded", c.maxRetries),
		Err:     context.DeadlineExceeded,
	}
}

func (c *Client) attemptRequest(req *http.Request) (*http.Response, RetryStrategy, RateLimitInfo, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NoRetry, RateLimitInfo{}, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, RateLimitInfo{}, nil
	}

	var info RateLimitInfo
	if c.headerParser != nil {
		info = c.headerParser(resp.Header)
	}

	strategy := c.strategyFunc(resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests {
		return resp, strategy, info, &RateLimitError{Info: info}
	}
	if strategy == NoRetry {
		// Not a transport concern. The caller owns status interpretation.
		return resp, NoRetry, info, nil
	}
	return resp, strategy, info, fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *Client) calculateDelay(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if info.RetryAfter > 0 {
			return info.RetryAfter
		}
		if info.ResetTime > 0 {
			if delay := time.Until(time.Unix(info.ResetTime, 0)); delay > 0 {
				return delay
			}
		}
		exponential := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		jitter := time.Duration(rand.Float64() * 0.1 * float64(exponential))
		return exponential + jitter

	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return 0
	}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// drainBody releases a response we are about to retry past, so the
// underlying connection can be reused.
func drainBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
