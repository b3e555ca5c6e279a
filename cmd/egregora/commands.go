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

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/pipeline"
	"github.com/franklinbaldo/egregora-sub012/pkg/run"
	"github.com/franklinbaldo/egregora-sub012/pkg/store"
)

// RunCmd executes the pipeline.
type RunCmd struct {
	Source      string        `help:"Override the source export path."`
	Output      string        `help:"Override the output directory."`
	Refresh     string        `help:"Invalidate caches before running (none, writer, retrieval, enrichment, all)." default:"none"`
	FromScratch bool          `name:"from-scratch" help:"Ignore resumable runs and the checkpoint; process the stream from the beginning."`
	WindowSize  int           `name:"window-size" help:"Override the window size."`
	WindowUnit  string        `name:"window-unit" help:"Override the window unit (messages, days, hours, bytes, tokens)."`
	Overlap     float64       `help:"Override the window overlap ratio." default:"-1"`
	Timeout     time.Duration `help:"Global run timeout (0 = none)."`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Source != "" {
		cfg.Source.Path = c.Source
	}
	if c.Output != "" {
		cfg.Output.Dir = c.Output
		cfg.Enrich.MediaDir = ""
		cfg.Enrich.SetDefaults(cfg.Output.Dir)
	}
	if c.WindowSize != 0 {
		cfg.Window.Size = c.WindowSize
	}
	if c.WindowUnit != "" {
		cfg.Window.Unit = c.WindowUnit
	}
	if c.Overlap >= 0 {
		cfg.Window.Overlap = c.Overlap
	}
	if c.Timeout != 0 {
		cfg.Runner.Timeout = c.Timeout
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration after overrides: %w", err)
	}
	refresh, err := cache.ParseRefreshMode(c.Refresh)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	pc, err := pipeline.NewContext(ctx, cfg)
	if err != nil {
		return err
	}
	defer pc.Close(context.WithoutCancel(ctx))

	runner, err := pipeline.NewRunner(pc)
	if err != nil {
		return err
	}

	rec, err := runner.Run(ctx, pipeline.Params{
		FromScratch: c.FromScratch,
		Refresh:     refresh,
	})
	if rec != nil {
		fmt.Printf("run %s finished: %s (windows done: %d, cursor: %s)\n",
			rec.ID, rec.Status, rec.WindowsDone, orDash(rec.CursorLabel))
	}
	return err
}

// StatusCmd reports the latest run for the current config fingerprint.
type StatusCmd struct{}

func (c *StatusCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	repo, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer repo.Close()

	tracker, err := run.NewTracker(repo.DB(), repo.Dialect())
	if err != nil {
		return err
	}

	fp := cfg.Fingerprint()
	rec, err := tracker.Latest(ctx, fp)
	if errors.Is(err, run.ErrNotFound) {
		fmt.Printf("no runs for fingerprint %s\n", fp[:12])
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("run:          %s\n", rec.ID)
	fmt.Printf("status:       %s\n", rec.Status)
	fmt.Printf("fingerprint:  %s\n", rec.ConfigFingerprint[:12])
	fmt.Printf("cursor:       %s\n", orDash(rec.CursorLabel))
	fmt.Printf("windows done: %d\n", rec.WindowsDone)
	fmt.Printf("updated:      %s\n", rec.UpdatedAt.Format(time.RFC3339))
	if rec.ErrorSummary != "" {
		fmt.Printf("error:        %s\n", rec.ErrorSummary)
	}
	return nil
}

// ReindexCmd rebuilds the vector index from the document archive.
type ReindexCmd struct{}

// rebuilder is the index surface reindex needs beyond pipeline.Index.
type rebuilder interface {
	Rebuild(ctx context.Context) (int, error)
}

func (c *ReindexCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	pc, err := pipeline.NewContext(ctx, cfg)
	if err != nil {
		return err
	}
	defer pc.Close(context.WithoutCancel(ctx))

	idx, ok := pc.Index.(rebuilder)
	if !ok {
		return fmt.Errorf("configured index does not support rebuilding")
	}
	n, err := idx.Rebuild(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("reindexed %d documents\n", n)
	return nil
}

// CacheCmd groups cache maintenance.
type CacheCmd struct {
	Stats CacheStatsCmd `cmd:"" help:"Show per-tier cache statistics."`
	Purge CachePurgeCmd `cmd:"" help:"Invalidate cache tiers."`
}

type CacheStatsCmd struct{}

func (c *CacheStatsCmd) Run(cli *CLI) error {
	m, err := openCaches(cli)
	if err != nil {
		return err
	}
	stats, err := m.Stats()
	if err != nil {
		return err
	}
	for _, st := range stats {
		fmt.Printf("%-12s entries=%-6d bytes=%-10d expired=%d\n",
			st.Tier, st.Entries, st.Bytes, st.Expired)
	}
	return nil
}

type CachePurgeCmd struct {
	Tier string `arg:"" help:"Tier to invalidate (writer, retrieval, enrichment, all). Invalidation cascades toward the writer tier." default:"all"`
}

func (c *CachePurgeCmd) Run(cli *CLI) error {
	mode, err := cache.ParseRefreshMode(c.Tier)
	if err != nil {
		return err
	}
	if mode == cache.RefreshNone {
		return nil
	}
	m, err := openCaches(cli)
	if err != nil {
		return err
	}
	if err := m.ApplyRefresh(mode); err != nil {
		return err
	}
	fmt.Printf("purged: %s\n", mode)
	return nil
}

func openCaches(cli *CLI) (*cache.Manager, error) {
	cfg, err := loadConfig(cli)
	if err != nil {
		return nil, err
	}
	return cache.NewManager(cache.Config{
		Dir:           cfg.Cache.Dir,
		EnrichmentTTL: cfg.Cache.EnrichmentTTL,
		RetrievalTTL:  cfg.Cache.RetrievalTTL,
		WriterTTL:     cfg.Cache.WriterTTL,
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
