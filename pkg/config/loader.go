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
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
)

// SourceType identifies where the configuration document lives.
type SourceType string

const (
	SourceFile      SourceType = "file"
	SourceConsul    SourceType = "consul"
	SourceEtcd      SourceType = "etcd"
	SourceZookeeper SourceType = "zookeeper"
)

// ParseSourceType converts a CLI string into a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "":
		return SourceFile, nil
	case "consul":
		return SourceConsul, nil
	case "etcd":
		return SourceEtcd, nil
	case "zookeeper", "zk":
		return SourceZookeeper, nil
	default:
		return "", fmt.Errorf("invalid config source %q (expected file, consul, etcd or zookeeper)", s)
	}
}

// envPrefix namespaces environment overrides. EGREGORA_STORE__DSN sets
// store.dsn; a double underscore separates path segments so single
// underscores survive inside key names (EGREGORA_RAG__TOP_K).
const envPrefix = "EGREGORA_"

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Type selects the config source. Defaults to SourceFile.
	Type SourceType

	// Path is the file path, or the key path for remote sources.
	Path string

	// Endpoints addresses remote sources. Defaults per source type.
	Endpoints []string

	// Watch reloads the config when the source changes.
	Watch bool

	// OnChange receives each successfully reloaded config.
	OnChange func(*Config) error
}

// Loader reads, expands and validates the configuration tree, optionally
// watching the source for changes.
type Loader struct {
	koanf   *koanf.Koanf
	options LoaderOptions
	parser  *yaml.YAML
	log     *slog.Logger
	stop    chan struct{}
}

// NewLoader creates a loader. Path is required; endpoints default to the
// conventional local address of the chosen source.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case SourceZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}
	return &Loader{
		koanf:   koanf.New("."),
		options: opts,
		parser:  yaml.Parser(),
		log:     logger.GetLogger(),
		stop:    make(chan struct{}),
	}, nil
}

// Load reads the source, applies env expansion and overrides, and returns
// the validated config. With Watch set it also starts the change watcher.
func (l *Loader) Load() (*Config, error) {
	provider, err := l.provider()
	if err != nil {
		return nil, err
	}

	if err := l.koanf.Load(provider, l.parserFor()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", l.options.Type, err)
	}

	cfg, err := l.assemble()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}

	return cfg, nil
}

// provider builds the koanf provider for the configured source.
func (l *Loader) provider() (koanf.Provider, error) {
	switch l.options.Type {
	case SourceFile:
		return file.Provider(l.options.Path), nil

	case SourceConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{
			Cfg: consulConfig,
			Key: l.options.Path,
		}), nil

	case SourceEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil

	case SourceZookeeper:
		return newZookeeperProvider(l.options.Endpoints, l.options.Path)

	default:
		return nil, fmt.Errorf("unsupported config source: %s", l.options.Type)
	}
}

// parserFor returns the parser matching the provider. File and zookeeper
// sources hold raw YAML; the consul and etcd providers emit parsed maps.
func (l *Loader) parserFor() koanf.Parser {
	if l.options.Type == SourceFile || l.options.Type == SourceZookeeper {
		return l.parser
	}
	return nil
}

// assemble runs the post-load pipeline over whatever the provider loaded:
// env expansion inside values, the EGREGORA_* overlay, strict key
// checking, unmarshal, defaults, validation.
func (l *Loader) assemble() (*Config, error) {
	if err := l.expandEnv(); err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	if err := l.koanf.Load(env.Provider(envPrefix, ".", envKeyPath), nil); err != nil {
		return nil, fmt.Errorf("apply %s* overrides: %w", envPrefix, err)
	}

	if err := strictCheck(l.koanf); err != nil {
		return nil, fault.Invalid("config.load", "configuration structure", err)
	}

	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv rewrites ${VAR:-default}, ${VAR} and $VAR references inside
// loaded values, then reloads the expanded map so typed coercion applies.
func (l *Loader) expandEnv() error {
	expanded, ok := ExpandEnvInData(l.koanf.Raw()).(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected shape after expansion")
	}
	fresh := koanf.New(".")
	if err := fresh.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return err
	}
	l.koanf = fresh
	return nil
}

// envKeyPath maps EGREGORA_SECTION__KEY to section.key.
func envKeyPath(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// watcher is the change-notification surface shared by the koanf remote
// providers and the fsnotify-backed file watcher.
type watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

// watch reloads the config on source changes and hands each good reload
// to OnChange. A failed reload keeps the previous config in effect.
func (l *Loader) watch(provider koanf.Provider) {
	var w watcher
	if l.options.Type == SourceFile {
		// The koanf file provider stops watching when editors replace
		// the file; the fsnotify watcher survives rename and delete.
		w = newFileWatcher(l.options.Path, l.stop)
	} else if pw, ok := provider.(watcher); ok {
		w = pw
	} else {
		l.log.Warn("config source does not support watching", "source", string(l.options.Type))
		return
	}

	l.log.Info("watching config source", "source", string(l.options.Type), "path", l.options.Path)

	err := w.Watch(func(event interface{}, err error) {
		select {
		case <-l.stop:
			return
		default:
		}

		if err != nil {
			l.log.Warn("config watch error", "error", err)
			return
		}

		fresh := koanf.New(".")
		if err := fresh.Load(provider, l.parserFor()); err != nil {
			l.log.Warn("config reload failed", "error", err)
			return
		}
		l.koanf = fresh

		cfg, err := l.assemble()
		if err != nil {
			l.log.Warn("reloaded config rejected", "error", err)
			return
		}

		if l.options.OnChange == nil {
			l.log.Warn("config changed but no OnChange callback is set")
			return
		}
		if err := l.options.OnChange(cfg); err != nil {
			l.log.Warn("config change callback failed", "error", err)
			return
		}
		l.log.Info("configuration reloaded", "source", string(l.options.Type))
	})
	if err != nil {
		l.log.Warn("config watcher stopped", "error", err)
	}
}

// Stop ends watching. Safe to call once.
func (l *Loader) Stop() {
	close(l.stop)
}

// SetOnChange installs the reload callback after construction.
func (l *Loader) SetOnChange(cb func(*Config) error) {
	l.options.OnChange = cb
}

// Load is the one-shot entry point: build a loader, load once, discard.
func Load(opts LoaderOptions) (*Config, error) {
	cfg, _, err := LoadWithLoader(opts)
	return cfg, err
}

// LoadWithLoader loads the config and returns the loader for callers that
// keep watching.
func LoadWithLoader(opts LoaderOptions) (*Config, *Loader, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
