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

// Package cache provides the content-addressed caches that make pipeline
// re-runs idempotent and cheap: one tier for asset enrichment results, one
// for retrieval results, one for writer outputs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/observability"
)

// Tier names one of the cache layers.
type Tier string

const (
	TierEnrichment Tier = "enrichment"
	TierRetrieval  Tier = "retrieval"
	TierWriter     Tier = "writer"
)

// Fingerprint derives a deterministic content-addressed key from its parts.
// Parts are length-prefixed before hashing so ("ab","c") and ("a","bc")
// produce distinct keys. The same inputs yield the same key in any run.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// envelope is the on-disk entry format: payload plus TTL metadata.
type envelope struct {
	StoredAt   time.Time `json:"stored_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Payload    []byte    `json:"payload"`
}

// Store is a single cache tier: a directory of content-addressed files.
// Writes are atomic (temp + rename) and single-writer per key; reads are
// safe concurrently.
type Store struct {
	dir  string
	tier Tier
	ttl  time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// NewStore opens (creating if needed) the cache tier rooted at dir.
// A zero ttl disables expiry.
func NewStore(dir string, tier Tier, ttl time.Duration) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	path := filepath.Join(dir, string(tier))
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", path, err)
	}
	return &Store{dir: path, tier: tier, ttl: ttl, now: time.Now}, nil
}

// Tier returns the tier this store serves.
func (s *Store) Tier() Tier {
	return s.tier
}

func (s *Store) entryPath(key string) string {
	// Keys are produced by Fingerprint and already filesystem-safe; anything
	// else is re-hashed so a malformed key can never escape the tier dir.
	if len(key) != 64 || !isHex(key) {
		key = Fingerprint([]byte(key))
	}
	return filepath.Join(s.dir, key+".json")
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Get returns the cached payload for key. Expired entries are reaped lazily
// and reported as a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	payload, ok := s.lookup(key)
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordCacheLookup(context.Background(), string(s.tier), ok)
	}
	return payload, ok
}

func (s *Store) lookup(key string) ([]byte, bool) {
	data, err := os.ReadFile(s.entryPath(key))
	if err != nil {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// A torn or corrupt entry is a miss; drop it.
		_ = os.Remove(s.entryPath(key))
		return nil, false
	}

	if env.TTLSeconds > 0 {
		expiry := env.StoredAt.Add(time.Duration(env.TTLSeconds) * time.Second)
		if s.now().After(expiry) {
			_ = os.Remove(s.entryPath(key))
			return nil, false
		}
	}

	return env.Payload, true
}

// Put stores the payload under key. Last write wins.
func (s *Store) Put(key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := envelope{
		StoredAt:   s.now().UTC(),
		TTLSeconds: int64(s.ttl / time.Second),
		Payload:    payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	path := s.entryPath(key)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

// Delete removes a single entry. Missing entries are not an error.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.entryPath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Invalidate removes every entry in the tier.
func (s *Store) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Stats summarizes a tier's contents.
type Stats struct {
	Tier    Tier
	Entries int
	Bytes   int64
	Expired int
}

// Stats walks the tier and reports entry counts and sizes.
func (s *Store) Stats() (Stats, error) {
	stats := Stats{Tier: s.tier}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return stats, fmt.Errorf("failed to list cache dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats.Entries++
		stats.Bytes += info.Size()

		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.TTLSeconds > 0 && s.now().After(env.StoredAt.Add(time.Duration(env.TTLSeconds)*time.Second)) {
			stats.Expired++
		}
	}

	return stats, nil
}
