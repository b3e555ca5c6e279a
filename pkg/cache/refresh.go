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

package cache

import (
	"fmt"
	"time"
)

// RefreshMode selects which tiers to invalidate before a run. Invalidation
// cascades upward only: refreshing enrichment also drops retrieval and
// writer results (they were derived from it), refreshing retrieval also
// drops writer results, refreshing writer drops writer results alone.
type RefreshMode string

const (
	RefreshNone       RefreshMode = "none"
	RefreshWriter     RefreshMode = "writer"
	RefreshRetrieval  RefreshMode = "retrieval"
	RefreshEnrichment RefreshMode = "enrichment"
	RefreshAll        RefreshMode = "all"
)

// ParseRefreshMode converts a string into a RefreshMode.
func ParseRefreshMode(s string) (RefreshMode, error) {
	switch RefreshMode(s) {
	case RefreshNone, "":
		return RefreshNone, nil
	case RefreshWriter, RefreshRetrieval, RefreshEnrichment, RefreshAll:
		return RefreshMode(s), nil
	default:
		return "", fmt.Errorf("invalid refresh mode %q (valid: none, writer, retrieval, enrichment, all)", s)
	}
}

// Invalidates reports whether the mode drops the given tier.
func (m RefreshMode) Invalidates(tier Tier) bool {
	switch m {
	case RefreshAll:
		return true
	case RefreshEnrichment:
		return true // cascades through retrieval and writer
	case RefreshRetrieval:
		return tier == TierRetrieval || tier == TierWriter
	case RefreshWriter:
		return tier == TierWriter
	default:
		return false
	}
}

// Config sets per-tier TTLs. Zero values disable expiry for that tier.
type Config struct {
	// Dir is the cache root; each tier lives in a subdirectory.
	Dir string

	EnrichmentTTL time.Duration
	RetrievalTTL  time.Duration
	WriterTTL     time.Duration
}

// Manager bundles the three tiers and applies refresh controls.
type Manager struct {
	Enrichment *Store
	Retrieval  *Store
	Writer     *Store
}

// NewManager opens all three tiers under cfg.Dir.
func NewManager(cfg Config) (*Manager, error) {
	enrichment, err := NewStore(cfg.Dir, TierEnrichment, cfg.EnrichmentTTL)
	if err != nil {
		return nil, err
	}
	retrieval, err := NewStore(cfg.Dir, TierRetrieval, cfg.RetrievalTTL)
	if err != nil {
		return nil, err
	}
	writer, err := NewStore(cfg.Dir, TierWriter, cfg.WriterTTL)
	if err != nil {
		return nil, err
	}
	return &Manager{Enrichment: enrichment, Retrieval: retrieval, Writer: writer}, nil
}

// ApplyRefresh invalidates the tiers selected by mode.
func (m *Manager) ApplyRefresh(mode RefreshMode) error {
	for _, s := range []*Store{m.Enrichment, m.Retrieval, m.Writer} {
		if !mode.Invalidates(s.Tier()) {
			continue
		}
		if err := s.Invalidate(); err != nil {
			return fmt.Errorf("failed to invalidate %s cache: %w", s.Tier(), err)
		}
	}
	return nil
}

// Stats reports per-tier statistics, enrichment first.
func (m *Manager) Stats() ([]Stats, error) {
	out := make([]Stats, 0, 3)
	for _, s := range []*Store{m.Enrichment, m.Retrieval, m.Writer} {
		st, err := s.Stats()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
