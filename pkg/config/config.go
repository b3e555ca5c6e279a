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

// Package config loads and validates the egregora configuration tree.
//
// Configuration comes from a YAML document (local file, consul, etcd or
// zookeeper), overlaid with EGREGORA_* environment variables and with
// ${VAR:-default} references expanded inside values. Each section converts
// into the config type of the package it drives, so the rest of the
// pipeline never touches raw YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/franklinbaldo/egregora-sub012/pkg/adapter"
	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/enrich"
	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
	"github.com/franklinbaldo/egregora-sub012/pkg/observability"
	"github.com/franklinbaldo/egregora-sub012/pkg/rag"
	"github.com/franklinbaldo/egregora-sub012/pkg/vector"
	"github.com/franklinbaldo/egregora-sub012/pkg/window"
	"github.com/franklinbaldo/egregora-sub012/pkg/writer"
)

const (
	// DefaultDataDir holds derived state: caches, the archive database,
	// the vector index and the resume checkpoint.
	DefaultDataDir = ".egregora"

	// DefaultModel is used when no models are configured.
	DefaultModel = "gemini-2.5-flash"

	defaultOutputDir = "public"
)

// Config is the full configuration tree. Zero values are usable after
// SetDefaults; Validate reports anything that cannot be defaulted.
type Config struct {
	// DataDir roots every piece of derived local state. Sections that
	// take explicit paths (cache dir, DSN, checkpoint) default to
	// locations under it.
	DataDir string `yaml:"data_dir"`

	Source        SourceConfig         `yaml:"source"`
	Window        WindowConfig         `yaml:"window"`
	LLM           LLMConfig            `yaml:"llm"`
	RAG           RAGConfig            `yaml:"rag"`
	Cache         CacheConfig          `yaml:"cache"`
	Writer        WriterConfig         `yaml:"writer"`
	Enrich        EnrichConfig         `yaml:"enrich"`
	Runner        RunnerConfig         `yaml:"runner"`
	Store         StoreConfig          `yaml:"store"`
	Output        OutputConfig         `yaml:"output"`
	Logging       LoggingConfig        `yaml:"logging"`
	Observability observability.Config `yaml:"observability"`
}

// SourceConfig selects the chat archive adapter.
type SourceConfig struct {
	// Kind is a registered adapter kind ("whatsapp", "jsonl").
	Kind string `yaml:"kind"`

	// Path is the export to ingest: a file, directory or zip depending
	// on the adapter.
	Path string `yaml:"path"`

	// Namespace is the UUIDv5 namespace for author anonymization.
	// Changing it re-keys every author identity. Empty uses the
	// built-in namespace.
	Namespace string `yaml:"namespace"`
}

func (c *SourceConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = "whatsapp"
	}
}

func (c *SourceConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	if c.Namespace != "" {
		if _, err := uuid.Parse(c.Namespace); err != nil {
			return fmt.Errorf("namespace is not a valid UUID: %w", err)
		}
	}
	return nil
}

// Anonymizer builds the anonymizer for this source.
func (c SourceConfig) Anonymizer() (*adapter.Anonymizer, error) {
	ns := adapter.DefaultNamespace
	if c.Namespace != "" {
		parsed, err := uuid.Parse(c.Namespace)
		if err != nil {
			return nil, fmt.Errorf("source namespace: %w", err)
		}
		ns = parsed
	}
	return adapter.NewAnonymizer(ns), nil
}

// WindowConfig shapes how the entry stream is cut into work units.
type WindowConfig struct {
	Size int    `yaml:"size"`
	Unit string `yaml:"unit"`

	// Overlap is the fraction of each window re-included at the start
	// of the next, in [0, 0.5].
	Overlap float64 `yaml:"overlap"`
}

func (c *WindowConfig) SetDefaults() {
	if c.Size == 0 {
		c.Size = 1
	}
	if c.Unit == "" {
		c.Unit = string(window.UnitDays)
	}
}

func (c *WindowConfig) Validate() error {
	_, err := c.Spec()
	return err
}

// Spec converts the section into a window.Spec. The Sizer stays unset;
// the pipeline supplies one when the unit is tokens.
func (c WindowConfig) Spec() (window.Spec, error) {
	unit, err := window.ParseUnit(c.Unit)
	if err != nil {
		return window.Spec{}, err
	}
	spec := window.Spec{Size: c.Size, Unit: unit, Overlap: c.Overlap}
	if unit == window.UnitTokens {
		// Validate with a placeholder; the pipeline swaps in the
		// real token sizer before use.
		spec.Sizer = func(feed.Entry) int { return 1 }
	}
	if err := spec.Validate(); err != nil {
		return window.Spec{}, err
	}
	spec.Sizer = nil
	return spec, nil
}

// LLMModel configures one generation model and its key pool.
type LLMModel struct {
	Name string   `yaml:"name"`
	Keys []string `yaml:"keys"`

	// ContextTokens is the prompt budget for the pre-call size check.
	// Zero disables the check for this model.
	ContextTokens int `yaml:"context_tokens"`
}

// LLMConfig configures the shared rate-limited LLM client.
type LLMConfig struct {
	// Models in preference order; rotation exhausts a model's keys
	// before falling through to the next model.
	Models []LLMModel `yaml:"models"`

	RequestsPerMinute int `yaml:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute"`

	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	CallTimeout    time.Duration `yaml:"call_timeout"`

	// BatchThreshold is the request count above which enrichment
	// workers prefer the batch API over single calls.
	BatchThreshold int `yaml:"batch_threshold"`
}

func (c *LLMConfig) SetDefaults() {
	if len(c.Models) == 0 {
		c.Models = []LLMModel{{Name: DefaultModel}}
	}
	for i := range c.Models {
		if len(c.Models[i].Keys) == 0 {
			if key := os.Getenv("GEMINI_API_KEY"); key != "" {
				c.Models[i].Keys = []string{key}
			}
		}
	}
}

func (c *LLMConfig) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model is required")
	}
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model name is required")
		}
		for _, k := range m.Keys {
			if k == "" {
				return fmt.Errorf("model %s lists an empty key", m.Name)
			}
		}
	}
	return nil
}

// ClientConfig converts the section into the llm client config. Key
// presence is checked by llm.New, not here, so read-only commands work
// on machines without credentials.
func (c LLMConfig) ClientConfig() llm.Config {
	models := make([]llm.ModelConfig, 0, len(c.Models))
	for _, m := range c.Models {
		models = append(models, llm.ModelConfig{
			Name:          m.Name,
			Keys:          append([]string(nil), m.Keys...),
			ContextTokens: m.ContextTokens,
		})
	}
	return llm.Config{
		Models:            models,
		RequestsPerMinute: c.RequestsPerMinute,
		TokensPerMinute:   c.TokensPerMinute,
		MaxRetries:        c.MaxRetries,
		RetryBaseDelay:    c.RetryBaseDelay,
		RetryMaxDelay:     c.RetryMaxDelay,
		CallTimeout:       c.CallTimeout,
		BatchThreshold:    c.BatchThreshold,
	}
}

// RAGConfig configures retrieval: the vector provider, the embedder and
// the index parameters.
type RAGConfig struct {
	Provider vector.ProviderConfig `yaml:"provider"`
	Embedder rag.EmbedderConfig    `yaml:"embedder"`

	Collection     string   `yaml:"collection"`
	IndexableTypes []string `yaml:"indexable_types"`
	TopK           int      `yaml:"top_k"`
	MinSimilarity  float32  `yaml:"min_similarity"`

	// StatePath is the JSON sidecar recording embedder parameters for
	// rebuild-on-mismatch detection across restarts.
	StatePath string `yaml:"state_path"`
}

func (c *RAGConfig) SetDefaults(dataDir string) {
	c.Provider.SetDefaults()
	if c.Provider.Type == vector.ProviderChromem && c.Provider.Chromem.PersistPath == "" {
		c.Provider.Chromem.PersistPath = filepath.Join(dataDir, "index")
	}
	if c.Embedder.APIKey == "" {
		c.Embedder.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	c.Embedder.SetDefaults()
	if c.StatePath == "" {
		c.StatePath = filepath.Join(dataDir, "index-state.json")
	}
	if c.Collection == "" {
		c.Collection = rag.DefaultCollection
	}
	if len(c.IndexableTypes) == 0 {
		c.IndexableTypes = []string{string(feed.DocTypePost)}
	}
	if c.TopK <= 0 {
		c.TopK = rag.DefaultTopK
	}
}

func (c *RAGConfig) Validate() error {
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("min_similarity must be in [0, 1]")
	}
	return nil
}

// IndexConfig converts the section into the rag index config.
func (c RAGConfig) IndexConfig() rag.Config {
	types := make([]feed.DocType, 0, len(c.IndexableTypes))
	for _, t := range c.IndexableTypes {
		types = append(types, feed.DocType(t))
	}
	return rag.Config{
		Collection:     c.Collection,
		IndexableTypes: types,
		TopK:           c.TopK,
		MinSimilarity:  c.MinSimilarity,
		StatePath:      c.StatePath,
	}
}

// CacheConfig configures the three content-addressed cache tiers.
type CacheConfig struct {
	// Dir is the cache root; each tier gets a subdirectory.
	Dir string `yaml:"dir"`

	// Per-tier TTLs. Zero disables expiry for that tier. The writer
	// tier defaults to no expiry: its keys are semantic fingerprints,
	// so stale entries are unreachable rather than wrong.
	EnrichmentTTL time.Duration `yaml:"enrichment_ttl"`
	RetrievalTTL  time.Duration `yaml:"retrieval_ttl"`
	WriterTTL     time.Duration `yaml:"writer_ttl"`
}

func (c *CacheConfig) SetDefaults(dataDir string) {
	if c.Dir == "" {
		c.Dir = filepath.Join(dataDir, "cache")
	}
	if c.EnrichmentTTL == 0 {
		c.EnrichmentTTL = 30 * 24 * time.Hour
	}
	if c.RetrievalTTL == 0 {
		c.RetrievalTTL = 7 * 24 * time.Hour
	}
}

// TTL returns the configured TTL for a tier.
func (c CacheConfig) TTL(tier cache.Tier) time.Duration {
	switch tier {
	case cache.TierEnrichment:
		return c.EnrichmentTTL
	case cache.TierRetrieval:
		return c.RetrievalTTL
	case cache.TierWriter:
		return c.WriterTTL
	default:
		return 0
	}
}

// WriterConfig configures the post-writing agent.
type WriterConfig struct {
	// TemplateDir overrides the built-in prompt templates. The
	// directory must hold system.tmpl and window.tmpl.
	TemplateDir string `yaml:"template_dir"`

	TopK            int     `yaml:"top_k"`
	MaxToolRounds   int     `yaml:"max_tool_rounds"`
	RecentLimit     int     `yaml:"recent_limit"`
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`

	// MaxPromptTokens rejects oversized prompts before the client is
	// invoked, which is what triggers window splitting. Zero leaves
	// the check to the model's own context limit.
	MaxPromptTokens int `yaml:"max_prompt_tokens"`
}

func (c *WriterConfig) Validate() error {
	if c.TemplateDir != "" {
		if _, err := os.Stat(c.TemplateDir); err != nil {
			return fmt.Errorf("template_dir: %w", err)
		}
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2]")
	}
	return nil
}

// AgentConfig converts the section into the writer config. Unset fields
// pick up the writer package defaults.
func (c WriterConfig) AgentConfig() writer.Config {
	return writer.Config{
		TopK:            c.TopK,
		MaxToolRounds:   c.MaxToolRounds,
		RecentLimit:     c.RecentLimit,
		Temperature:     c.Temperature,
		MaxOutputTokens: c.MaxOutputTokens,
		MaxPromptTokens: c.MaxPromptTokens,
	}
}

// EnrichConfig configures the enrichment task system.
type EnrichConfig struct {
	ClaimLimit   int           `yaml:"claim_limit"`
	MaxParallel  int           `yaml:"max_parallel"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// MediaDir receives extracted media assets. Defaults to a media/
	// directory under the output dir so published posts can link to it.
	MediaDir string `yaml:"media_dir"`

	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	ContentByteCap int           `yaml:"content_byte_cap"`
	SourceLimit    int           `yaml:"source_limit"`
}

func (c *EnrichConfig) SetDefaults(outputDir string) {
	if c.MediaDir == "" {
		c.MediaDir = filepath.Join(outputDir, "media")
	}
}

// EnricherConfig converts the section into the enrichment config.
// Unset fields pick up the enrich package defaults.
func (c EnrichConfig) EnricherConfig() enrich.Config {
	return enrich.Config{
		ClaimLimit:     c.ClaimLimit,
		MaxParallel:    c.MaxParallel,
		PollInterval:   c.PollInterval,
		MediaDir:       c.MediaDir,
		FetchTimeout:   c.FetchTimeout,
		ContentByteCap: c.ContentByteCap,
		SourceLimit:    c.SourceLimit,
	}
}

// RunnerConfig shapes pipeline execution: splitting, failure tolerance
// and resumption.
type RunnerConfig struct {
	// MinWindowSize is the smallest window, in entries, that splitting
	// may produce.
	MinWindowSize int `yaml:"min_window_size"`

	// MaxSplitDepth bounds recursive splitting of oversized windows.
	MaxSplitDepth int `yaml:"max_split_depth"`

	// AbortThreshold is the number of consecutive window failures
	// after which the run is declared failed.
	AbortThreshold int `yaml:"abort_threshold"`

	// CheckpointPath is the JSON resume checkpoint written after each
	// committed window.
	CheckpointPath string `yaml:"checkpoint_path"`

	// Timeout bounds the whole run. Zero means no global deadline.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *RunnerConfig) SetDefaults(dataDir string) {
	if c.MinWindowSize == 0 {
		c.MinWindowSize = 5
	}
	if c.MaxSplitDepth == 0 {
		c.MaxSplitDepth = 5
	}
	if c.AbortThreshold == 0 {
		c.AbortThreshold = 3
	}
	if c.CheckpointPath == "" {
		c.CheckpointPath = filepath.Join(dataDir, "checkpoint.json")
	}
}

func (c *RunnerConfig) Validate() error {
	if c.MinWindowSize < 1 {
		return fmt.Errorf("min_window_size must be positive")
	}
	if c.MaxSplitDepth < 0 {
		return fmt.Errorf("max_split_depth cannot be negative")
	}
	if c.AbortThreshold < 1 {
		return fmt.Errorf("abort_threshold must be positive")
	}
	return nil
}

// StoreConfig locates the archive database.
type StoreConfig struct {
	// Driver is the database/sql driver name: sqlite3, postgres or
	// mysql.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func (c *StoreConfig) SetDefaults(dataDir string) {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
	if c.DSN == "" && c.Driver == "sqlite3" {
		c.DSN = filepath.Join(dataDir, "egregora.db")
	}
}

func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported driver %q (expected sqlite3, postgres or mysql)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required for driver %s", c.Driver)
	}
	return nil
}

// OutputConfig shapes the published site: the directory sink and the
// Atom feed identity.
type OutputConfig struct {
	// Dir receives rendered posts, extracted media and feed.xml.
	Dir string `yaml:"dir"`

	Feed FeedConfig `yaml:"feed"`
}

// FeedConfig is the Atom feed identity block.
type FeedConfig struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Subtitle string `yaml:"subtitle"`
	Link     string `yaml:"link"`
	Author   string `yaml:"author"`
}

func (c *OutputConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = defaultOutputDir
	}
	if c.Feed.Title == "" {
		c.Feed.Title = "Egregora"
	}
	if c.Feed.ID == "" {
		c.Feed.ID = "urn:egregora:feed"
	}
}

// Meta converts the feed block into the feed identity.
func (c OutputConfig) Meta() feed.Meta {
	return feed.Meta{
		ID:       c.Feed.ID,
		Title:    c.Feed.Title,
		Subtitle: c.Feed.Subtitle,
		Link:     c.Feed.Link,
		Author:   c.Feed.Author,
	}
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "simple" (default), "verbose" or "json".
	Format string `yaml:"format"`

	// File appends logs to a file instead of stderr.
	File string `yaml:"file"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

func (c *LoggingConfig) Validate() error {
	if _, err := logger.ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", "simple", "verbose", "json":
		return nil
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
}

// SetDefaults fills every unset field with its production default.
// Derived paths land under DataDir (and MediaDir under the output dir).
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.Source.SetDefaults()
	c.Window.SetDefaults()
	c.LLM.SetDefaults()
	c.RAG.SetDefaults(c.DataDir)
	c.Cache.SetDefaults(c.DataDir)
	c.Output.SetDefaults()
	c.Enrich.SetDefaults(c.Output.Dir)
	c.Runner.SetDefaults(c.DataDir)
	c.Store.SetDefaults(c.DataDir)
	c.Logging.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks the tree after defaults are applied. The error carries
// the failing section as a prefix.
func (c *Config) Validate() error {
	const op = "config.validate"

	checks := []struct {
		name string
		fn   func() error
	}{
		{"source", c.Source.Validate},
		{"window", c.Window.Validate},
		{"llm", c.LLM.Validate},
		{"rag", c.RAG.Validate},
		{"writer", c.Writer.Validate},
		{"runner", c.Runner.Validate},
		{"store", c.Store.Validate},
		{"logging", c.Logging.Validate},
		{"observability", c.Observability.Validate},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fault.Invalid(op, check.name, err)
		}
	}
	return nil
}
