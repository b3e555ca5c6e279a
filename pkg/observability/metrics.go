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
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PromMetrics records pipeline metrics through OpenTelemetry instruments
// backed by a Prometheus exporter. The zero value is valid and records
// nothing, which is what a disabled configuration produces.
type PromMetrics struct {
	registry *prometheus.Registry

	windowsTotal   metric.Int64Counter
	windowDuration metric.Float64Histogram

	llmRequestsTotal metric.Int64Counter
	llmDuration      metric.Float64Histogram
	llmTokensIn      metric.Int64Counter
	llmTokensOut     metric.Int64Counter
	llmErrorsTotal   metric.Int64Counter

	cacheHitsTotal   metric.Int64Counter
	cacheMissesTotal metric.Int64Counter

	enrichmentTasksTotal metric.Int64Counter

	ragSearchesTotal  metric.Int64Counter
	ragSearchDuration metric.Float64Histogram
}

// InitMetrics builds the Prometheus-backed metrics recorder. A disabled
// configuration yields a recorder whose methods are no-ops.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PromMetrics, error) {
	if !cfg.Enabled {
		return &PromMetrics{}, nil
	}

	registry := prometheus.NewRegistry()

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("egregora")

	windowsTotal, err := meter.Int64Counter(
		"egregora_pipeline_windows_total",
		metric.WithDescription("Total windows processed, by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create windows counter: %w", err)
	}

	windowDuration, err := meter.Float64Histogram(
		"egregora_pipeline_window_duration_seconds",
		metric.WithDescription("Window processing duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create window duration histogram: %w", err)
	}

	llmRequests, err := meter.Int64Counter(
		"egregora_llm_requests_total",
		metric.WithDescription("Total LLM requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm requests counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"egregora_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmTokensIn, err := meter.Int64Counter(
		"egregora_llm_tokens_in_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmTokensOut, err := meter.Int64Counter(
		"egregora_llm_tokens_out_total",
		metric.WithDescription("Total output tokens from the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"egregora_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"egregora_cache_hits_total",
		metric.WithDescription("Total cache hits, by tier"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"egregora_cache_misses_total",
		metric.WithDescription("Total cache misses, by tier"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	enrichmentTasks, err := meter.Int64Counter(
		"egregora_enrichment_tasks_total",
		metric.WithDescription("Total enrichment tasks, by kind and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enrichment tasks counter: %w", err)
	}

	ragSearches, err := meter.Int64Counter(
		"egregora_rag_searches_total",
		metric.WithDescription("Total vector searches"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rag searches counter: %w", err)
	}

	ragSearchDuration, err := meter.Float64Histogram(
		"egregora_rag_search_duration_seconds",
		metric.WithDescription("Vector search duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rag search duration histogram: %w", err)
	}

	return &PromMetrics{
		registry:             registry,
		windowsTotal:         windowsTotal,
		windowDuration:       windowDuration,
		llmRequestsTotal:     llmRequests,
		llmDuration:          llmDuration,
		llmTokensIn:          llmTokensIn,
		llmTokensOut:         llmTokensOut,
		llmErrorsTotal:       llmErrors,
		cacheHitsTotal:       cacheHits,
		cacheMissesTotal:     cacheMisses,
		enrichmentTasksTotal: enrichmentTasks,
		ragSearchesTotal:     ragSearches,
		ragSearchDuration:    ragSearchDuration,
	}, nil
}

// RecordWindow records one processed window with its terminal status
// (done, failed, split).
func (m *PromMetrics) RecordWindow(ctx context.Context, status string, duration time.Duration) {
	if m == nil || m.windowsTotal == nil || m.windowDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}

	m.windowsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.windowDuration.Record(ctx, duration.Seconds())
}

// RecordLLMCall records one LLM request with its token usage.
func (m *PromMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmRequestsTotal == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.llmRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if inputTokens > 0 && m.llmTokensIn != nil {
		m.llmTokensIn.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	}
	if outputTokens > 0 && m.llmTokensOut != nil {
		m.llmTokensOut.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))
	}

	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordCacheLookup records one cache lookup against the given tier.
func (m *PromMetrics) RecordCacheLookup(ctx context.Context, tier string, hit bool) {
	if m == nil || m.cacheHitsTotal == nil || m.cacheMissesTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
	}

	if hit {
		m.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		m.cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordEnrichmentTask records one enrichment task reaching a terminal
// status (done, failed).
func (m *PromMetrics) RecordEnrichmentTask(ctx context.Context, kind, status string) {
	if m == nil || m.enrichmentTasksTotal == nil {
		return
	}

	m.enrichmentTasksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordRAGSearch records one vector search. Result counts ride on spans,
// not metrics, to keep label cardinality flat.
func (m *PromMetrics) RecordRAGSearch(ctx context.Context, duration time.Duration) {
	if m == nil || m.ragSearchesTotal == nil || m.ragSearchDuration == nil {
		return
	}

	m.ragSearchesTotal.Add(ctx, 1)
	m.ragSearchDuration.Record(ctx, duration.Seconds())
}

// Handler serves the Prometheus exposition endpoint. When metrics are
// disabled it returns 503.
func (m *PromMetrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return unavailableHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
