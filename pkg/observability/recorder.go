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

package observability

import (
	"context"
	"net/http"
	"sync"
	"time"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics is the recording surface the pipeline reports into. Implementations
// must tolerate concurrent calls and a zero-configured state.
type Metrics interface {
	// RecordWindow records one processed window with its terminal status.
	RecordWindow(ctx context.Context, status string, duration time.Duration)

	// RecordLLMCall records one LLM request with token usage and outcome.
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)

	// RecordCacheLookup records a hit or miss against a cache tier.
	RecordCacheLookup(ctx context.Context, tier string, hit bool)

	// RecordEnrichmentTask records an enrichment task reaching a terminal status.
	RecordEnrichmentTask(ctx context.Context, kind, status string)

	// RecordRAGSearch records one vector search.
	RecordRAGSearch(ctx context.Context, duration time.Duration)

	// Handler serves the Prometheus exposition endpoint.
	Handler() http.Handler
}

// SetGlobalMetrics installs the process-wide metrics recorder. Call once
// during startup, before the pipeline runs.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics recorder, or nil when
// none has been installed. Callers must nil-check.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
