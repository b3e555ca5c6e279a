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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
)

// debounceDelay coalesces the burst of events editors emit per save.
const debounceDelay = 100 * time.Millisecond

// fileWatcher watches a config file through its parent directory, which
// keeps working when editors save by rename. It implements the same
// Watch(cb) surface as the koanf remote providers.
type fileWatcher struct {
	path string
	stop <-chan struct{}
}

func newFileWatcher(path string, stop <-chan struct{}) *fileWatcher {
	return &fileWatcher{path: path, stop: stop}
}

// Watch invokes cb after each settled change to the file. It blocks until
// the stop channel closes or the underlying watcher dies.
func (w *fileWatcher) Watch(cb func(event interface{}, err error)) error {
	absPath, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", w.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(absPath)
	name := filepath.Base(absPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	log := logger.GetLogger()
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.stop:
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					cb(event, nil)
				})

			case event.Op&fsnotify.Remove != 0:
				log.Warn("config file removed, waiting for it to return", "path", absPath)
				if w.awaitReturn(absPath, watcher, dir) {
					cb(event, nil)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cb(nil, err)
		}
	}
}

// awaitReturn polls for the file to reappear after a remove, re-adding
// the directory watch if it was dropped with the file.
func (w *fileWatcher) awaitReturn(path string, watcher *fsnotify.Watcher, dir string) bool {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < 10; i++ {
		select {
		case <-w.stop:
			return false
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				_ = watcher.Add(dir)
				return true
			}
		}
	}
	logger.GetLogger().Warn("config file did not return", "path", path)
	return false
}
