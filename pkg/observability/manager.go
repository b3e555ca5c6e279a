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
)

// Manager owns the tracer and metrics lifecycles. The zero value behaves
// like a fully disabled configuration.
type Manager struct {
	tracer  *Tracer
	metrics Metrics
	config  Config
	mu      sync.RWMutex
}

// NewManager creates a Manager from configuration. Call Initialize before
// use and Shutdown when done.
func NewManager(cfg Config) *Manager {
	return &Manager{
		config: cfg,
	}
}

// Initialize starts the configured tracer and metrics recorder and installs
// the recorder as the process-wide default.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracer, err := NewTracer(ctx, &m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracer = tracer

	metrics, err := InitMetrics(ctx, m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics

	SetGlobalMetrics(m.metrics)

	return nil
}

// GetTracer returns the tracer. A nil result is valid: all span helpers on
// a nil *Tracer produce no-op spans.
func (m *Manager) GetTracer() *Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracer
}

// GetMetrics returns the metrics recorder, never nil.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metrics == nil {
		return NoopMetrics{}
	}
	return m.metrics
}

// MetricsEnabled reports whether the exposition endpoint should be mounted.
func (m *Manager) MetricsEnabled() bool {
	return m.config.Metrics.Enabled
}

// MetricsEndpoint returns the path the exposition endpoint is served on.
func (m *Manager) MetricsEndpoint() string {
	if m.config.Metrics.Endpoint == "" {
		return DefaultMetricsPath
	}
	return m.config.Metrics.Endpoint
}

// MetricsHandler returns the exposition handler for the configured recorder.
func (m *Manager) MetricsHandler() http.Handler {
	return m.GetMetrics().Handler()
}

// Shutdown flushes and stops the tracer. Metrics need no teardown: the
// exposition handler simply stops being served.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracer != nil {
		return m.tracer.Shutdown(ctx)
	}
	return nil
}
