// Copyright 2025 The Egregora Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/httpclient"
	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
	"github.com/franklinbaldo/egregora-sub012/pkg/observability"
)

// ModelConfig is one model with its ordered credentials.
type ModelConfig struct {
	Name          string
	Keys          []string
	ContextTokens int // prompt budget; 0 disables the pre-call size check
}

// Config configures the client.
type Config struct {
	// Models in preference order. Rotation iterates keys within a model
	// before moving to the next model.
	Models []ModelConfig

	RequestsPerMinute int
	TokensPerMinute   int

	MaxRetries     int           // retry budget for transient errors; default 3
	RetryBaseDelay time.Duration // default 1s
	RetryMaxDelay  time.Duration // default 30s
	CallTimeout    time.Duration // per-call deadline; default 2m

	// BatchThreshold is the request count above which callers should prefer
	// SubmitBatch over single calls. The client only stores it; enrichment
	// workers consult it.
	BatchThreshold int // default 8
}

// Classifier decides how provider errors steer the retry loop. Rate-limit
// classification is injected because providers disagree about how they say
// "slow down".
type Classifier struct {
	IsRateLimit      func(error) bool
	IsPromptTooLarge func(error) bool
	IsTransient      func(error) bool
}

// credential is one (model, key) pair in rotation order.
type credential struct {
	model         string
	key           string
	contextTokens int
}

// Client is the rate-limited, key-rotating entry point for every model call
// in the pipeline. All callers share one Client so the limiter governs the
// whole process.
type Client struct {
	creds []credential

	mu        sync.Mutex
	cur       int
	providers map[int]Provider

	factory  ProviderFactory
	limiter  *RateLimiter
	counter  *TokenCounter
	classify Classifier

	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	callTimeout    time.Duration
	batchThreshold int

	batchOwners sync.Map // BatchHandle -> credential index

	logger *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithProviderFactory replaces the default Gemini provider constructor.
func WithProviderFactory(f ProviderFactory) Option {
	return func(c *Client) { c.factory = f }
}

// WithLimiter shares an externally owned limiter.
func WithLimiter(l *RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithClassifier overrides error classification. Zero fields keep defaults.
func WithClassifier(cl Classifier) Option {
	return func(c *Client) {
		if cl.IsRateLimit != nil {
			c.classify.IsRateLimit = cl.IsRateLimit
		}
		if cl.IsPromptTooLarge != nil {
			c.classify.IsPromptTooLarge = cl.IsPromptTooLarge
		}
		if cl.IsTransient != nil {
			c.classify.IsTransient = cl.IsTransient
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client from config. At least one model with one key is
// required.
func New(cfg Config, opts ...Option) (*Client, error) {
	const op = "llm.new"

	var creds []credential
	for _, m := range cfg.Models {
		if m.Name == "" {
			return nil, fault.Invalid(op, "model name cannot be empty", nil)
		}
		for _, key := range m.Keys {
			if key == "" {
				return nil, fault.Invalid(op, fmt.Sprintf("model %s has an empty key", m.Name), nil)
			}
			creds = append(creds, credential{model: m.Name, key: key, contextTokens: m.ContextTokens})
		}
	}
	if len(creds) == 0 {
		return nil, fault.Invalid(op, "at least one model with one API key is required", nil)
	}

	counter, err := NewTokenCounter(creds[0].model)
	if err != nil {
		return nil, fault.Fatal(op, "initialize token counter", err)
	}

	c := &Client{
		creds:          creds,
		providers:      make(map[int]Provider),
		factory:        NewGeminiProvider,
		limiter:        NewRateLimiter(cfg.RequestsPerMinute, cfg.TokensPerMinute),
		counter:        counter,
		maxRetries:     cfg.MaxRetries,
		baseDelay:      cfg.RetryBaseDelay,
		maxDelay:       cfg.RetryMaxDelay,
		callTimeout:    cfg.CallTimeout,
		batchThreshold: cfg.BatchThreshold,
		logger:         logger.GetLogger(),
		classify: Classifier{
			IsRateLimit:      defaultIsRateLimit,
			IsPromptTooLarge: defaultIsPromptTooLarge,
			IsTransient:      defaultIsTransient,
		},
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Second
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 30 * time.Second
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 2 * time.Minute
	}
	if c.batchThreshold <= 0 {
		c.batchThreshold = 8
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Limiter returns the shared limiter so sibling clients (embeddings) can
// acquire from the same buckets.
func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

// Counter returns the token counter, shared with windowing and the writer's
// pre-call size checks.
func (c *Client) Counter() *TokenCounter {
	return c.counter
}

// BatchThreshold reports the request count above which batch submission is
// preferred.
func (c *Client) BatchThreshold() int {
	return c.batchThreshold
}

// ModelName returns the model of the credential currently in rotation.
func (c *Client) ModelName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds[c.cur].model
}

// Close releases all constructed providers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, p := range c.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.providers = make(map[int]Provider)
	return firstErr
}

// currentProvider returns the credential index, credential, and lazily
// constructed provider at the rotation cursor.
func (c *Client) currentProvider() (int, credential, Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.cur
	cred := c.creds[idx]
	p, ok := c.providers[idx]
	if !ok {
		var err error
		p, err = c.factory(cred.model, cred.key)
		if err != nil {
			return 0, credential{}, nil, err
		}
		c.providers[idx] = p
	}
	return idx, cred, p, nil
}

// rotateFrom advances the rotation cursor past idx. Compare-and-advance so
// concurrent failures on the same credential rotate once, not once each.
func (c *Client) rotateFrom(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == idx {
		c.cur = (c.cur + 1) % len(c.creds)
		c.logger.Debug("rotated credential",
			"from_model", c.creds[idx].model,
			"to_model", c.creds[c.cur].model)
	}
}

// Generate performs a single rate-limited generation call with key rotation
// and retries.
func (c *Client) Generate(ctx context.Context, messages []Message, settings Settings) (*Response, error) {
	const op = "llm.generate"

	estimate := c.counter.CountMessages(messages) + settings.MaxOutputTokens

	attempt := 0
	rotations := 0
	for {
		if err := c.limiter.Acquire(ctx, estimate); err != nil {
			return nil, err
		}

		idx, cred, provider, err := c.currentProvider()
		if err != nil {
			return nil, fault.Fatal(op, "construct provider", err)
		}

		if cred.contextTokens > 0 && estimate > cred.contextTokens {
			return nil, fault.PromptTooLarge(op,
				fmt.Sprintf("estimated %d tokens exceeds %s budget of %d", estimate, cred.model, cred.contextTokens), nil)
		}

		resp, err := c.callProvider(ctx, provider, cred.model, messages, settings)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fault.Cancelled(op, ctx.Err())
		}
		if c.classify.IsPromptTooLarge(err) {
			return nil, fault.PromptTooLarge(op, fmt.Sprintf("model %s rejected prompt", cred.model), err)
		}
		if c.classify.IsRateLimit(err) {
			c.rotateFrom(idx)
			rotations++
			if rotations < len(c.creds) {
				continue // next key immediately, no backoff
			}
			// Full cycle rate limited: treat as one transient event.
			rotations = 0
			attempt++
			if attempt > c.maxRetries {
				return nil, fault.Fatal(op, "rate limited on all credentials, retry budget exhausted", err)
			}
			if err := c.backoff(ctx, op, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if c.classify.IsTransient(err) {
			attempt++
			if attempt > c.maxRetries {
				return nil, fault.Fatal(op,
					fmt.Sprintf("transient failure persisted across %d attempts on %s", attempt, cred.model), err)
			}
			if err := c.backoff(ctx, op, attempt); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
}

// callProvider applies the per-call timeout and normalizes timeout errors to
// Transient so the retry loop handles them.
func (c *Client) callProvider(ctx context.Context, provider Provider, model string, messages []Message, settings Settings) (*Response, error) {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = c.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.Generate(callCtx, messages, settings)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		resp, err = nil, fault.Transient("llm.call", fmt.Sprintf("call timed out after %s", timeout), err)
	}

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		outTokens := 0
		if resp != nil {
			outTokens = c.counter.Count(resp.Text)
		}
		metrics.RecordLLMCall(ctx, model, time.Since(start), c.counter.CountMessages(messages), outTokens, err)
	}

	return resp, err
}

// GenerateStream opens a streaming generation. Rotation and retries apply
// only up to stream start; mid-stream errors arrive as error chunks.
func (c *Client) GenerateStream(ctx context.Context, messages []Message, settings Settings) (<-chan StreamChunk, error) {
	const op = "llm.generate_stream"

	estimate := c.counter.CountMessages(messages) + settings.MaxOutputTokens

	attempt := 0
	rotations := 0
	for {
		if err := c.limiter.Acquire(ctx, estimate); err != nil {
			return nil, err
		}

		idx, cred, provider, err := c.currentProvider()
		if err != nil {
			return nil, fault.Fatal(op, "construct provider", err)
		}
		if cred.contextTokens > 0 && estimate > cred.contextTokens {
			return nil, fault.PromptTooLarge(op,
				fmt.Sprintf("estimated %d tokens exceeds %s budget of %d", estimate, cred.model, cred.contextTokens), nil)
		}

		chunks, err := provider.GenerateStream(ctx, messages, settings)
		if err == nil {
			return chunks, nil
		}
		if ctx.Err() != nil {
			return nil, fault.Cancelled(op, ctx.Err())
		}
		if c.classify.IsPromptTooLarge(err) {
			return nil, fault.PromptTooLarge(op, fmt.Sprintf("model %s rejected prompt", cred.model), err)
		}
		if c.classify.IsRateLimit(err) {
			c.rotateFrom(idx)
			rotations++
			if rotations < len(c.creds) {
				continue
			}
			rotations = 0
			attempt++
			if attempt > c.maxRetries {
				return nil, fault.Fatal(op, "rate limited on all credentials, retry budget exhausted", err)
			}
			if err := c.backoff(ctx, op, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if c.classify.IsTransient(err) {
			attempt++
			if attempt > c.maxRetries {
				return nil, fault.Fatal(op,
					fmt.Sprintf("transient failure persisted across %d attempts on %s", attempt, cred.model), err)
			}
			if err := c.backoff(ctx, op, attempt); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
}

// SubmitBatch submits requests through the current credential's batch
// endpoint. The returned handle must be polled via this client, which
// remembers the owning credential.
func (c *Client) SubmitBatch(ctx context.Context, requests []BatchRequest) (BatchHandle, error) {
	const op = "llm.submit_batch"

	if len(requests) == 0 {
		return "", fault.Invalid(op, "batch is empty", nil)
	}

	estimate := 0
	for _, r := range requests {
		estimate += c.counter.CountMessages(r.Messages) + r.Settings.MaxOutputTokens
	}

	attempt := 0
	rotations := 0
	for {
		if err := c.limiter.Acquire(ctx, estimate); err != nil {
			return "", err
		}

		idx, _, provider, err := c.currentProvider()
		if err != nil {
			return "", fault.Fatal(op, "construct provider", err)
		}

		handle, err := provider.SubmitBatch(ctx, requests)
		if err == nil {
			c.batchOwners.Store(handle, idx)
			return handle, nil
		}
		if ctx.Err() != nil {
			return "", fault.Cancelled(op, ctx.Err())
		}
		if c.classify.IsRateLimit(err) {
			c.rotateFrom(idx)
			rotations++
			if rotations < len(c.creds) {
				continue
			}
			rotations = 0
			attempt++
			if attempt > c.maxRetries {
				return "", fault.Fatal(op, "rate limited on all credentials, retry budget exhausted", err)
			}
			if err := c.backoff(ctx, op, attempt); err != nil {
				return "", err
			}
			continue
		}
		if c.classify.IsTransient(err) {
			attempt++
			if attempt > c.maxRetries {
				return "", fault.Fatal(op, "batch submission failed across retries", err)
			}
			if err := c.backoff(ctx, op, attempt); err != nil {
				return "", err
			}
			continue
		}
		return "", err
	}
}

// PollBatch polls a previously submitted batch once. Results, when present,
// are ordered by request index.
func (c *Client) PollBatch(ctx context.Context, handle BatchHandle) (*BatchStatus, error) {
	const op = "llm.poll_batch"

	owner, ok := c.batchOwners.Load(handle)
	if !ok {
		return nil, fault.Invalid(op, fmt.Sprintf("unknown batch handle %q", handle), nil)
	}
	idx := owner.(int)

	c.mu.Lock()
	provider, ok := c.providers[idx]
	c.mu.Unlock()
	if !ok {
		return nil, fault.Invalid(op, fmt.Sprintf("provider for batch %q was closed", handle), nil)
	}

	// Polling consumes a request slot but no token allowance.
	if err := c.limiter.Acquire(ctx, 0); err != nil {
		return nil, err
	}

	status, err := provider.PollBatch(ctx, handle)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Cancelled(op, ctx.Err())
		}
		return nil, err
	}

	if status.State == BatchDone {
		sort.Slice(status.Results, func(i, j int) bool {
			return status.Results[i].Index < status.Results[j].Index
		})
		c.batchOwners.Delete(handle)
	}
	if status.State == BatchFailed {
		c.batchOwners.Delete(handle)
	}
	return status, nil
}

// WaitBatch polls until the batch reaches a terminal state, sleeping
// interval between polls and honoring ctx.
func (c *Client) WaitBatch(ctx context.Context, handle BatchHandle, interval time.Duration) (*BatchStatus, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		status, err := c.PollBatch(ctx, handle)
		if err != nil {
			return nil, err
		}
		if status.State != BatchPending {
			return status, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fault.Cancelled("llm.wait_batch", ctx.Err())
		case <-timer.C:
		}
	}
}

// backoff sleeps for an exponentially growing, jittered delay.
func (c *Client) backoff(ctx context.Context, op string, attempt int) error {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			delay = c.maxDelay
			break
		}
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
	delay += jitter

	c.logger.Debug("backing off", "op", op, "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return fault.Cancelled(op, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// Default error classification
// =============================================================================

func defaultIsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if httpclient.IsRateLimited(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota exceeded")
}

func defaultIsPromptTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if fault.IsKind(err, fault.KindPromptTooLarge) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "exceeds the maximum number of tokens") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "prompt is too long") ||
		(strings.Contains(msg, "input token count") && strings.Contains(msg, "exceeds"))
}

func defaultIsTransient(err error) bool {
	if err == nil {
		return false
	}
	if fault.IsKind(err, fault.KindTransient) {
		return true
	}
	var retryable *httpclient.RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504")
}
