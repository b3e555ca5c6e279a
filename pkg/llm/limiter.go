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
	"sync"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

// RateLimiter is a dual token bucket gating requests per minute and tokens
// per minute. One limiter is shared process-wide by generation, embedding,
// and enrichment callers. Waiting goroutines park on a timer; there is no
// busy wait, so concurrent acquisition never stalls unrelated work.
type RateLimiter struct {
	mu sync.Mutex

	rpm float64 // requests per minute; 0 disables the request bucket
	tpm float64 // tokens per minute; 0 disables the token bucket

	requests float64 // current request allowance
	tokens   float64 // current token allowance
	last     time.Time
}

// NewRateLimiter creates a limiter with both buckets full. Zero for either
// rate disables that bucket.
func NewRateLimiter(requestsPerMinute, tokensPerMinute int) *RateLimiter {
	return &RateLimiter{
		rpm:      float64(requestsPerMinute),
		tpm:      float64(tokensPerMinute),
		requests: float64(requestsPerMinute),
		tokens:   float64(tokensPerMinute),
		last:     time.Now(),
	}
}

// refill tops up both buckets for the elapsed time. Callers hold mu.
func (l *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(l.last).Minutes()
	if elapsed <= 0 {
		return
	}
	l.last = now

	if l.rpm > 0 {
		l.requests += elapsed * l.rpm
		if l.requests > l.rpm {
			l.requests = l.rpm
		}
	}
	if l.tpm > 0 {
		l.tokens += elapsed * l.tpm
		if l.tokens > l.tpm {
			l.tokens = l.tpm
		}
	}
}

// cost clamps a token request to bucket capacity so an oversized request
// waits for a full bucket instead of forever.
func (l *RateLimiter) cost(tokens int) float64 {
	c := float64(tokens)
	if l.tpm > 0 && c > l.tpm {
		c = l.tpm
	}
	if c < 0 {
		c = 0
	}
	return c
}

// TryAcquire takes one request slot and the given token allowance if both
// are immediately available. It never blocks.
func (l *RateLimiter) TryAcquire(tokens int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.refill(now)

	cost := l.cost(tokens)
	if l.rpm > 0 && l.requests < 1 {
		return false
	}
	if l.tpm > 0 && l.tokens < cost {
		return false
	}

	if l.rpm > 0 {
		l.requests--
	}
	if l.tpm > 0 {
		l.tokens -= cost
	}
	return true
}

// Acquire blocks until one request slot and the given token allowance are
// available, or ctx is done. Cancellation returns a Cancelled fault.
func (l *RateLimiter) Acquire(ctx context.Context, tokens int) error {
	for {
		if err := ctx.Err(); err != nil {
			return fault.Cancelled("llm.acquire", err)
		}
		if l.TryAcquire(tokens) {
			return nil
		}

		wait := l.waitTime(tokens)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fault.Cancelled("llm.acquire", ctx.Err())
		case <-timer.C:
		}
	}
}

// waitTime estimates how long until the shortfall refills. It is a hint for
// the sleep interval, not a promise; Acquire re-checks on wake.
func (l *RateLimiter) waitTime(tokens int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())

	wait := 10 * time.Millisecond
	if l.rpm > 0 && l.requests < 1 {
		need := (1 - l.requests) / l.rpm // minutes
		if d := time.Duration(need * float64(time.Minute)); d > wait {
			wait = d
		}
	}
	if cost := l.cost(tokens); l.tpm > 0 && l.tokens < cost {
		need := (cost - l.tokens) / l.tpm
		if d := time.Duration(need * float64(time.Minute)); d > wait {
			wait = d
		}
	}
	return wait
}
