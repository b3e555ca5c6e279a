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

package vector

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeConfig configures the Pinecone provider.
type PineconeConfig struct {
	// APIKey is required.
	APIKey string `yaml:"api_key"`

	// Host overrides the Pinecone API host (optional).
	Host string `yaml:"host,omitempty"`

	// IndexName is the default index when the collection name is empty.
	IndexName string `yaml:"index_name"`
}

// PineconeProvider keeps vectors in a managed Pinecone index. Index creation
// is an account-level operation, so CreateCollection only verifies existence.
type PineconeProvider struct {
	client    *pinecone.Client
	config    PineconeConfig
	indexName string
}

// NewPineconeProvider connects to Pinecone.
func NewPineconeProvider(cfg PineconeConfig) (*PineconeProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone API key is required")
	}

	params := pinecone.NewClientParams{ApiKey: cfg.APIKey}
	if cfg.Host != "" {
		params.Host = cfg.Host
	}

	client, err := pinecone.NewClient(params)
	if err != nil {
		return nil, fmt.Errorf("create Pinecone client: %w", err)
	}

	indexName := cfg.IndexName
	if indexName == "" {
		indexName = "egregora-archive"
	}

	return &PineconeProvider{client: client, config: cfg, indexName: indexName}, nil
}

func (p *PineconeProvider) Name() string { return "pinecone" }

func (p *PineconeProvider) resolveIndex(collection string) string {
	if collection == "" {
		return p.indexName
	}
	return collection
}

func (p *PineconeProvider) connect(ctx context.Context, indexName string) (*pinecone.IndexConnection, error) {
	index, err := p.client.DescribeIndex(ctx, indexName)
	if err != nil {
		return nil, fmt.Errorf("describe index %s: %w", indexName, err)
	}
	conn, err := p.client.Index(pinecone.NewIndexConnParams{Host: index.Host, Namespace: ""})
	if err != nil {
		return nil, fmt.Errorf("connect to index %s: %w", indexName, err)
	}
	return conn, nil
}

// Upsert adds or replaces one vector.
func (p *PineconeProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	return p.UpsertBatch(ctx, collection, []Item{{ID: id, Vector: vector, Metadata: metadata}})
}

// UpsertBatch writes all items in one request.
func (p *PineconeProvider) UpsertBatch(ctx context.Context, collection string, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	conn, err := p.connect(ctx, p.resolveIndex(collection))
	if err != nil {
		return err
	}
	defer conn.Close()

	vectors := make([]*pinecone.Vector, 0, len(items))
	for _, item := range items {
		var meta *pinecone.Metadata
		if len(item.Metadata) > 0 {
			meta, err = structpb.NewStruct(item.Metadata)
			if err != nil {
				return fmt.Errorf("convert metadata for %s: %w", item.ID, err)
			}
		}
		vectors = append(vectors, &pinecone.Vector{
			Id:       item.ID,
			Values:   item.Vector,
			Metadata: meta,
		})
	}

	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("upsert %d vectors: %w", len(vectors), err)
	}
	return nil
}

// Search returns the topK most similar vectors.
func (p *PineconeProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

// SearchWithFilter combines similarity with metadata equality filters.
func (p *PineconeProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	conn, err := p.connect(ctx, p.resolveIndex(collection))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var metadataFilter *pinecone.MetadataFilter
	if len(filter) > 0 {
		metadataFilter, err = structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("convert filter: %w", err)
		}
	}

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
		IncludeValues:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	return convertPineconeResults(resp.Matches), nil
}

// Delete removes one vector by ID.
func (p *PineconeProvider) Delete(ctx context.Context, collection string, id string) error {
	conn, err := p.connect(ctx, p.resolveIndex(collection))
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("delete vector %s: %w", id, err)
	}
	return nil
}

// DeleteByFilter removes every vector whose metadata matches the filter.
func (p *PineconeProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	conn, err := p.connect(ctx, p.resolveIndex(collection))
	if err != nil {
		return err
	}
	defer conn.Close()

	metadataFilter, err := structpb.NewStruct(filter)
	if err != nil {
		return fmt.Errorf("convert filter: %w", err)
	}
	if err := conn.DeleteVectorsByFilter(ctx, metadataFilter); err != nil {
		return fmt.Errorf("delete by filter: %w", err)
	}
	return nil
}

// CreateCollection verifies the index exists; Pinecone indexes are created
// out of band.
func (p *PineconeProvider) CreateCollection(ctx context.Context, collection string, _ int) error {
	indexName := p.resolveIndex(collection)

	indexes, err := p.client.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	for _, idx := range indexes {
		if idx.Name == indexName {
			return nil
		}
	}
	return fmt.Errorf("pinecone index %s does not exist; create it via the Pinecone console or API", indexName)
}

// DeleteCollection is not supported; index deletion is an account operation.
func (p *PineconeProvider) DeleteCollection(_ context.Context, collection string) error {
	return fmt.Errorf("refusing to delete pinecone index %s; use the Pinecone console or API", p.resolveIndex(collection))
}

// Close is a no-op; connections are per-call.
func (p *PineconeProvider) Close() error { return nil }

func convertPineconeResults(matches []*pinecone.ScoredVector) []Result {
	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		if match.Vector == nil {
			continue
		}

		metadata := make(map[string]any)
		if match.Vector.Metadata != nil {
			for k, v := range match.Vector.Metadata.AsMap() {
				metadata[k] = v
			}
		}

		content := ""
		if c, ok := metadata["content"].(string); ok {
			content = c
		}

		results = append(results, Result{
			ID:       match.Vector.Id,
			Content:  content,
			Vector:   match.Vector.Values,
			Metadata: metadata,
			Score:    match.Score,
		})
	}
	return results
}

var _ Provider = (*PineconeProvider)(nil)
