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

// Package vector abstracts vector storage behind a single Provider interface
// with three implementations: embedded chromem-go (default, file-persisted),
// Qdrant, and Pinecone. Providers store pre-computed vectors; embedding
// happens upstream in pkg/rag.
package vector

import "context"

// Item is one vector with its identity and metadata, used for batch upserts.
type Item struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// Result is a scored hit from a similarity search.
type Result struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata map[string]any
	Score    float32
}

// Provider stores and searches vectors grouped into named collections.
// Scores are cosine similarities in [0, 1] (higher is closer).
type Provider interface {
	// Upsert adds or replaces a single vector by ID.
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error

	// UpsertBatch adds or replaces many vectors in one round trip.
	UpsertBatch(ctx context.Context, collection string, items []Item) error

	// Search returns the topK most similar items.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// SearchWithFilter restricts the search to items whose metadata matches
	// all filter entries.
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)

	// Delete removes a single item by ID.
	Delete(ctx context.Context, collection string, id string) error

	// DeleteByFilter removes every item whose metadata matches the filter.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error

	// CreateCollection ensures a collection exists with the given dimension.
	CreateCollection(ctx context.Context, collection string, vectorDimension int) error

	// DeleteCollection removes a collection and everything in it.
	DeleteCollection(ctx context.Context, collection string) error

	// Name identifies the provider implementation.
	Name() string

	// Close releases underlying resources, persisting if applicable.
	Close() error
}

// NilProvider is the disabled-index provider: writes succeed and vanish,
// searches return nothing. Used when retrieval is turned off in config.
type NilProvider struct{}

func (NilProvider) Upsert(context.Context, string, string, []float32, map[string]any) error {
	return nil
}

func (NilProvider) UpsertBatch(context.Context, string, []Item) error { return nil }

func (NilProvider) Search(context.Context, string, []float32, int) ([]Result, error) {
	return nil, nil
}

func (NilProvider) SearchWithFilter(context.Context, string, []float32, int, map[string]any) ([]Result, error) {
	return nil, nil
}

func (NilProvider) Delete(context.Context, string, string) error { return nil }

func (NilProvider) DeleteByFilter(context.Context, string, map[string]any) error { return nil }

func (NilProvider) CreateCollection(context.Context, string, int) error { return nil }

func (NilProvider) DeleteCollection(context.Context, string) error { return nil }

func (NilProvider) Name() string { return "nil" }

func (NilProvider) Close() error { return nil }

var _ Provider = NilProvider{}
