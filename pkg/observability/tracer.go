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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps the OpenTelemetry tracer with pipeline-specific helpers.
// A nil *Tracer is valid and produces no-op spans, so callers never have
// to gate span creation on whether tracing is enabled.
type Tracer struct {
	provider    *sdktrace.TracerProvider
	tracer      trace.Tracer
	serviceName string
}

// NewTracer creates a new Tracer from configuration. It returns (nil, nil)
// when tracing is disabled.
func NewTracer(ctx context.Context, cfg *TracingConfig) (*Tracer, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cfg.SetDefaults()

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String(AttrGenAISystem, "egregora"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider:    provider,
		tracer:      provider.Tracer(cfg.ServiceName),
		serviceName: cfg.ServiceName,
	}, nil
}

// createExporter creates the appropriate span exporter based on configuration.
func createExporter(ctx context.Context, cfg *TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(cfg.Timeout),
		}
		if cfg.IsInsecure() {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartRun begins the top-level span for a pipeline run.
func (t *Tracer) StartRun(ctx context.Context, runID, fingerprint string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanRun,
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.String(AttrConfigFingerprint, fingerprint),
		),
	)
}

// StartWindow begins a span for processing one window.
func (t *Tracer) StartWindow(ctx context.Context, label string, entries, depth int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanWindow,
		trace.WithAttributes(
			attribute.String(AttrWindowLabel, label),
			attribute.Int(AttrWindowEntries, entries),
			attribute.Int(AttrWindowDepth, depth),
		),
	)
}

// StartLLMCall begins a span for an LLM API call.
func (t *Tracer) StartLLMCall(ctx context.Context, model string, maxTokens int, temperature float64) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrGenAIOperationName, OpChat),
		attribute.String(AttrGenAIRequestModel, model),
	}

	if maxTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrGenAIRequestMaxTokens, maxTokens))
	}
	if temperature > 0 {
		attrs = append(attrs, attribute.Float64(AttrGenAIRequestTemperature, temperature))
	}

	return t.Start(ctx, SpanLLMCall, trace.WithAttributes(attrs...))
}

// StartEnrichment begins a span for an enrichment task.
func (t *Tracer) StartEnrichment(ctx context.Context, kind, subject string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanEnrichment,
		trace.WithAttributes(
			attribute.String(AttrEnrichmentKind, kind),
			attribute.String(AttrEnrichmentSubject, subject),
		),
	)
}

// StartRAGSearch begins a span for a vector search.
func (t *Tracer) StartRAGSearch(ctx context.Context, collection, query string, topK int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanRAGSearch,
		trace.WithAttributes(
			attribute.String(AttrRAGCollection, collection),
			attribute.String(AttrRAGQuery, query),
			attribute.Int(AttrRAGTopK, topK),
		),
	)
}

// StartRAGIndex begins a span for indexing documents.
func (t *Tracer) StartRAGIndex(ctx context.Context, collection string, documentCount int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanRAGIndex,
		trace.WithAttributes(
			attribute.String(AttrRAGCollection, collection),
			attribute.Int(AttrRAGDocumentCount, documentCount),
		),
	)
}

// AddLLMUsage adds token usage information to a span.
func (t *Tracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int(AttrGenAIUsageInputTokens, inputTokens),
		attribute.Int(AttrGenAIUsageOutputTokens, outputTokens),
	)
}

// AddRAGSearchResults adds the search result count to a span.
func (t *Tracer) AddRAGSearchResults(span trace.Span, resultCount int) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int(AttrRAGResultCount, resultCount))
}

// RecordError records an error on a span.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String(AttrErrorType, fmt.Sprintf("%T", err)),
		attribute.String(AttrErrorMessage, err.Error()),
	)
}

// Shutdown gracefully shuts down the tracer, flushing pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// noopSpan returns a no-op span that satisfies the trace.Span interface.
func noopSpan() trace.Span {
	_, span := tracenoop.NewTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}
