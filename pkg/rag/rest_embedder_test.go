package rag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/httpclient"
)

func fastHTTPClient() *httpclient.Client {
	return httpclient.New(
		httpclient.WithMaxRetries(0),
		httpclient.WithBaseDelay(time.Millisecond),
	)
}

func restEmbedder(t *testing.T, host string, dim int) *RESTEmbedder {
	t.Helper()
	e, err := NewRESTEmbedder(EmbedderConfig{
		Model:     "test-embed",
		APIKey:    "test-key",
		Dimension: dim,
		BatchSize: 2,
		Host:      host,
	}, fastHTTPClient())
	if err != nil {
		t.Fatalf("NewRESTEmbedder: %v", err)
	}
	return e
}

func TestNewRESTEmbedderValidation(t *testing.T) {
	if _, err := NewRESTEmbedder(EmbedderConfig{}, nil); err == nil {
		t.Fatal("expected error for missing API key")
	}

	e, err := NewRESTEmbedder(EmbedderConfig{APIKey: "k"}, nil)
	if err != nil {
		t.Fatalf("NewRESTEmbedder: %v", err)
	}
	if e.Model() != DefaultEmbeddingModel {
		t.Errorf("Model() = %q, want default %q", e.Model(), DefaultEmbeddingModel)
	}
	if e.Dimension() != DefaultDimension {
		t.Errorf("Dimension() = %d, want default %d", e.Dimension(), DefaultDimension)
	}
}

func TestRESTEmbedQuery(t *testing.T) {
	var captured embedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/test-embed:embedContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: embedVector{Values: []float32{0.1, 0.2, 0.3}}})
	}))
	defer server.Close()

	e := restEmbedder(t, server.URL, 3)
	vec, err := e.EmbedQuery(context.Background(), "what happened last week")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}

	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("vec = %v", vec)
	}
	if captured.TaskType != taskQuery {
		t.Errorf("taskType = %q, want %q", captured.TaskType, taskQuery)
	}
	if captured.Model != "models/test-embed" {
		t.Errorf("model = %q", captured.Model)
	}
	if captured.OutputDimensionality != 3 {
		t.Errorf("outputDimensionality = %d", captured.OutputDimensionality)
	}
	if len(captured.Content.Parts) != 1 || captured.Content.Parts[0].Text != "what happened last week" {
		t.Errorf("content = %+v", captured.Content)
	}
}

func TestRESTEmbedQueryEmpty(t *testing.T) {
	e := restEmbedder(t, "http://unused", 3)
	if _, err := e.EmbedQuery(context.Background(), ""); !fault.IsKind(err, fault.KindInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}
}

func TestRESTEmbedDocumentsBatches(t *testing.T) {
	var batches [][]embedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/test-embed:batchEmbedContents" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req embedBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		batches = append(batches, req.Requests)

		resp := embedBatchResponse{}
		for i := range req.Requests {
			v := float32(len(batches)*10 + i)
			resp.Embeddings = append(resp.Embeddings, embedVector{Values: []float32{v, 0, 0}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e := restEmbedder(t, server.URL, 3)
	vecs, err := e.EmbedDocuments(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("EmbedDocuments: %v", err)
	}

	// Batch size 2 splits three texts into 2+1.
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if len(batches[0]) != 2 || len(batches[1]) != 1 {
		t.Errorf("batch sizes = %d, %d", len(batches[0]), len(batches[1]))
	}
	for _, batch := range batches {
		for _, req := range batch {
			if req.TaskType != taskDocument {
				t.Errorf("taskType = %q, want %q", req.TaskType, taskDocument)
			}
		}
	}
	if batches[1][0].Content.Parts[0].Text != "three" {
		t.Errorf("second batch text = %q", batches[1][0].Content.Parts[0].Text)
	}

	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	// Order preserved across chunks.
	if vecs[0][0] != 10 || vecs[1][0] != 11 || vecs[2][0] != 20 {
		t.Errorf("vecs = %v", vecs)
	}
}

func TestRESTEmbedDocumentsEmpty(t *testing.T) {
	e := restEmbedder(t, "http://unused", 3)
	vecs, err := e.EmbedDocuments(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedDocuments: %v", err)
	}
	if vecs != nil {
		t.Errorf("vecs = %v, want nil", vecs)
	}
}

func TestRESTEmbedDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embedding: embedVector{Values: []float32{1, 2}}})
	}))
	defer server.Close()

	e := restEmbedder(t, server.URL, 3)
	if _, err := e.EmbedQuery(context.Background(), "q"); !fault.IsKind(err, fault.KindInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}
}

func TestRESTEmbedCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedBatchResponse{
			Embeddings: []embedVector{{Values: []float32{1, 0, 0}}},
		})
	}))
	defer server.Close()

	e := restEmbedder(t, server.URL, 3)
	if _, err := e.EmbedDocuments(context.Background(), []string{"a", "b"}); !fault.IsKind(err, fault.KindTransient) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestRESTEmbedStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
		want   string
	}{
		{"unauthorized is fatal", http.StatusUnauthorized,
			func(err error) bool { return fault.IsKind(err, fault.KindFatal) }, "fatal"},
		{"bad request is invalid", http.StatusBadRequest,
			func(err error) bool { return fault.IsKind(err, fault.KindInvalidInput) }, "invalid input"},
		{"rate limited surfaces", http.StatusTooManyRequests,
			httpclient.IsRateLimited, "rate limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			e := restEmbedder(t, server.URL, 3)
			_, err := e.EmbedQuery(context.Background(), "q")
			if err == nil || !tt.check(err) {
				t.Errorf("err = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestRESTEmbedBodyError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{
			Error: &embedAPIErrorBody{Code: 429, Message: "quota exceeded", Status: "RESOURCE_EXHAUSTED"},
		})
	}))
	defer server.Close()

	e := restEmbedder(t, server.URL, 3)
	if _, err := e.EmbedQuery(context.Background(), "q"); !httpclient.IsRateLimited(err) {
		t.Errorf("err = %v, want rate limit", err)
	}
}

func TestRESTEmbedServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	e := restEmbedder(t, server.URL, 3)
	_, err := e.EmbedQuery(context.Background(), "q")
	if err == nil {
		t.Fatal("expected error")
	}
	var retryable *httpclient.RetryableError
	if !fault.IsKind(err, fault.KindTransient) && !errors.As(err, &retryable) {
		t.Errorf("err = %v, want transient or retryable", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 with retries disabled", calls.Load())
	}
}
