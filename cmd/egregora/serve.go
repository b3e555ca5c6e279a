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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
	"github.com/franklinbaldo/egregora-sub012/pkg/store"
)

// ServeCmd exposes the published archive read-only over HTTP: the Atom
// feed, the post list and process metrics. It never mutates the archive.
type ServeCmd struct {
	Addr string `help:"Listen address." default:":8080"`
}

// archiveServer bundles the read-only handlers.
type archiveServer struct {
	repo      *store.DocumentStore
	outputDir string
	feedMeta  feed.Meta
}

func (c *ServeCmd) Run(cli *CLI) error {
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

	as := &archiveServer{
		repo:      repo,
		outputDir: cfg.Output.Dir,
		feedMeta:  cfg.Output.Meta(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", as.handleHealth)
	r.Get("/feed.xml", as.handleFeed)
	r.Get("/posts", as.handlePosts)
	r.Get("/posts/{id}", as.handlePost)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.GetLogger().Info("archive server listening", "addr", c.Addr)
	fmt.Printf("serving archive on %s (feed: /feed.xml, posts: /posts, metrics: /metrics)\n", c.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *archiveServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

// handleFeed serves the published snapshot when one exists, and otherwise
// renders the feed from the repository on the fly.
func (s *archiveServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	snapshot := filepath.Join(s.outputDir, "feed.xml")
	if _, err := os.Stat(snapshot); err == nil {
		w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
		http.ServeFile(w, r, snapshot)
		return
	}

	posts, err := s.repo.List(r.Context(), store.Query{
		DocType: feed.DocTypePost, Desc: true, ByUpdated: true,
	})
	if err != nil {
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		return
	}
	f, err := feed.FromDocuments(s.feedMeta, posts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
	if err := f.WriteAtom(w); err != nil {
		logger.GetLogger().Warn("feed render failed", "error", err)
	}
}

// postSummary is the JSON shape of one post in the list endpoint.
type postSummary struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Date    time.Time `json:"date"`
	Updated time.Time `json:"updated"`
	Authors []string  `json:"authors,omitempty"`
	Window  string    `json:"window,omitempty"`
}

func (s *archiveServer) handlePosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.repo.List(r.Context(), store.Query{
		DocType: feed.DocTypePost, Desc: true, ByUpdated: true,
	})
	if err != nil {
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		return
	}

	out := make([]postSummary, 0, len(posts))
	for _, p := range posts {
		out = append(out, postSummary{
			ID:      p.ID,
			Title:   p.Title,
			Date:    p.CreatedAt,
			Updated: p.UpdatedAt,
			Authors: p.Authors,
			Window:  p.SourceWindow,
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		logger.GetLogger().Warn("post list encode failed", "error", err)
	}
}

func (s *archiveServer) handlePost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.repo.Get(r.Context(), feed.DocTypePost, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "post not found", http.StatusNotFound)
			return
		}
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	fmt.Fprintf(w, "# %s\n\n%s\n", doc.Title, doc.ContentBody)
}
