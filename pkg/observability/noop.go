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
	"time"
)

// NoopManager returns a Manager that does nothing. Use when observability
// is completely disabled.
func NoopManager() *Manager {
	return &Manager{}
}

// NoopMetrics is a metrics recorder that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordWindow(_ context.Context, _ string, _ time.Duration) {}

func (NoopMetrics) RecordLLMCall(_ context.Context, _ string, _ time.Duration, _, _ int, _ error) {}

func (NoopMetrics) RecordCacheLookup(_ context.Context, _ string, _ bool) {}

func (NoopMetrics) RecordEnrichmentTask(_ context.Context, _, _ string) {}

func (NoopMetrics) RecordRAGSearch(_ context.Context, _ time.Duration) {}

// Handler returns a handler that reports metrics as unavailable.
func (NoopMetrics) Handler() http.Handler {
	return unavailableHandler()
}

func unavailableHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

// Ensure implementations satisfy the interface.
var (
	_ Metrics = (*PromMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
