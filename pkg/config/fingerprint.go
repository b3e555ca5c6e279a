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

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/franklinbaldo/egregora-sub012/pkg/writer"
)

// identity is the subset of configuration that changes what a run would
// produce. Credentials, throughput limits, retry budgets, cache TTLs and
// output locations are deliberately absent: rotating a key or moving a
// directory must not orphan a resumable run.
type identity struct {
	Source struct {
		Kind      string `yaml:"kind"`
		Path      string `yaml:"path"`
		Namespace string `yaml:"namespace"`
	} `yaml:"source"`

	Window struct {
		Size    int     `yaml:"size"`
		Unit    string  `yaml:"unit"`
		Overlap float64 `yaml:"overlap"`
	} `yaml:"window"`

	Models []identityModel `yaml:"models"`

	RAG struct {
		Provider       string   `yaml:"provider"`
		EmbedderModel  string   `yaml:"embedder_model"`
		Dimension      int      `yaml:"dimension"`
		Collection     string   `yaml:"collection"`
		IndexableTypes []string `yaml:"indexable_types"`
		TopK           int      `yaml:"top_k"`
		MinSimilarity  float32  `yaml:"min_similarity"`
	} `yaml:"rag"`

	Writer struct {
		PromptVersion   string  `yaml:"prompt_version"`
		TemplateDir     string  `yaml:"template_dir"`
		Temperature     float64 `yaml:"temperature"`
		MaxOutputTokens int     `yaml:"max_output_tokens"`
		MaxPromptTokens int     `yaml:"max_prompt_tokens"`
	} `yaml:"writer"`

	Enrich struct {
		ContentByteCap int `yaml:"content_byte_cap"`
		SourceLimit    int `yaml:"source_limit"`
	} `yaml:"enrich"`

	Runner struct {
		MinWindowSize int `yaml:"min_window_size"`
		MaxSplitDepth int `yaml:"max_split_depth"`
	} `yaml:"runner"`
}

// Fingerprint hashes the identifying configuration. The run tracker files
// runs under it, so a resumable run is only offered to a config that would
// continue the same work. The writer prompt version is part of it: a new
// prompt means new posts, which is a new run.
func (c *Config) Fingerprint() string {
	var id identity

	id.Source.Kind = c.Source.Kind
	id.Source.Path = c.Source.Path
	id.Source.Namespace = c.Source.Namespace

	id.Window.Size = c.Window.Size
	id.Window.Unit = c.Window.Unit
	id.Window.Overlap = c.Window.Overlap

	for _, m := range c.LLM.Models {
		id.Models = append(id.Models, identityModel{Name: m.Name, ContextTokens: m.ContextTokens})
	}

	id.RAG.Provider = string(c.RAG.Provider.Type)
	id.RAG.EmbedderModel = c.RAG.Embedder.Model
	id.RAG.Dimension = c.RAG.Embedder.Dimension
	id.RAG.Collection = c.RAG.Collection
	id.RAG.IndexableTypes = c.RAG.IndexableTypes
	id.RAG.TopK = c.RAG.TopK
	id.RAG.MinSimilarity = c.RAG.MinSimilarity

	id.Writer.PromptVersion = writer.PromptVersion
	id.Writer.TemplateDir = c.Writer.TemplateDir
	id.Writer.Temperature = c.Writer.Temperature
	id.Writer.MaxOutputTokens = c.Writer.MaxOutputTokens
	id.Writer.MaxPromptTokens = c.Writer.MaxPromptTokens

	id.Enrich.ContentByteCap = c.Enrich.ContentByteCap
	id.Enrich.SourceLimit = c.Enrich.SourceLimit

	id.Runner.MinWindowSize = c.Runner.MinWindowSize
	id.Runner.MaxSplitDepth = c.Runner.MaxSplitDepth

	raw, err := yaml.Marshal(&id)
	if err != nil {
		raw = []byte(fmt.Sprintf("%#v", id))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type identityModel struct {
	Name          string `yaml:"name"`
	ContextTokens int    `yaml:"context_tokens"`
}
