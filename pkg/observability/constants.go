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

// Package observability provides OpenTelemetry tracing and Prometheus metrics
// for the pipeline.
//
// # Configuration
//
// Configure observability in your egregora.yaml:
//
//	observability:
//	  tracing:
//	    enabled: true
//	    exporter: otlp
//	    endpoint: localhost:4317
//	    sampling_rate: 1.0
//	  metrics:
//	    enabled: true
//	    endpoint: /metrics
package observability

// GenAI semantic conventions (OpenTelemetry GenAI SIG aligned).
const (
	// AttrGenAISystem identifies the GenAI system.
	AttrGenAISystem = "gen_ai.system"

	// AttrGenAIOperationName is the operation being performed.
	// Values: "chat", "embeddings"
	AttrGenAIOperationName = "gen_ai.operation.name"

	// AttrGenAIRequestModel is the name of the model being used.
	AttrGenAIRequestModel = "gen_ai.request.model"

	// AttrGenAIRequestTemperature is the temperature parameter.
	AttrGenAIRequestTemperature = "gen_ai.request.temperature"

	// AttrGenAIRequestMaxTokens is the maximum tokens requested.
	AttrGenAIRequestMaxTokens = "gen_ai.request.max_tokens"

	// AttrGenAIUsageInputTokens is the number of input tokens.
	AttrGenAIUsageInputTokens = "gen_ai.usage.input_tokens"

	// AttrGenAIUsageOutputTokens is the number of output tokens.
	AttrGenAIUsageOutputTokens = "gen_ai.usage.output_tokens"
)

// Pipeline-specific attributes.
const (
	// AttrRunID is the unique ID for a pipeline run.
	AttrRunID = "egregora.run.id"

	// AttrConfigFingerprint is the fingerprint of the effective config.
	AttrConfigFingerprint = "egregora.run.fingerprint"

	// AttrWindowLabel is the label of the window being processed.
	AttrWindowLabel = "egregora.window.label"

	// AttrWindowEntries is the number of entries in the window.
	AttrWindowEntries = "egregora.window.entries"

	// AttrWindowDepth is the split depth of the window.
	AttrWindowDepth = "egregora.window.depth"

	// AttrEnrichmentKind is the enrichment task kind (url, media, profile, banner).
	AttrEnrichmentKind = "egregora.enrichment.kind"

	// AttrEnrichmentSubject is the URL or document being enriched.
	AttrEnrichmentSubject = "egregora.enrichment.subject"

	// AttrCacheTier is the cache tier touched (enrichment, retrieval, writer).
	AttrCacheTier = "egregora.cache.tier"

	// AttrRAGCollection is the name of the vector collection.
	AttrRAGCollection = "egregora.rag.collection"

	// AttrRAGQuery is the search query.
	AttrRAGQuery = "egregora.rag.query"

	// AttrRAGTopK is the requested number of results.
	AttrRAGTopK = "egregora.rag.top_k"

	// AttrRAGResultCount is the number of search results.
	AttrRAGResultCount = "egregora.rag.result_count"

	// AttrRAGDocumentCount is the number of documents indexed.
	AttrRAGDocumentCount = "egregora.rag.document_count"
)

// Error attributes.
const (
	// AttrErrorType is the type of error that occurred.
	AttrErrorType = "error.type"

	// AttrErrorMessage is the error message.
	AttrErrorMessage = "error.message"
)

// Span names.
const (
	// SpanRun is the top-level span for a pipeline run.
	SpanRun = "egregora.run"

	// SpanWindow is a span for processing a single window.
	SpanWindow = "egregora.window"

	// SpanLLMCall is a span for an LLM API call.
	SpanLLMCall = "egregora.llm.call"

	// SpanEnrichment is a span for an enrichment task.
	SpanEnrichment = "egregora.enrichment"

	// SpanRAGSearch is a span for a vector search.
	SpanRAGSearch = "egregora.rag.search"

	// SpanRAGIndex is a span for indexing documents.
	SpanRAGIndex = "egregora.rag.index"
)

// Default values.
const (
	// DefaultServiceName is the default service name for tracing.
	DefaultServiceName = "egregora"

	// DefaultSamplingRate is the default trace sampling rate.
	DefaultSamplingRate = 1.0

	// DefaultOTLPEndpoint is the default OTLP endpoint.
	DefaultOTLPEndpoint = "localhost:4317"

	// DefaultMetricsPath is the default Prometheus metrics endpoint.
	DefaultMetricsPath = "/metrics"
)

// GenAI operation names (for AttrGenAIOperationName).
const (
	// OpChat is a chat completion operation.
	OpChat = "chat"

	// OpEmbeddings is an embeddings generation operation.
	OpEmbeddings = "embeddings"
)
