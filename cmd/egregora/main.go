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

// Command egregora turns chat export archives into a published post feed.
//
// Usage:
//
//	egregora run --config egregora.yaml
//	egregora run --refresh writer --from-scratch
//	egregora status
//	egregora serve --addr :8080
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	egregora "github.com/franklinbaldo/egregora-sub012"
	"github.com/franklinbaldo/egregora-sub012/pkg/config"
	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Run     RunCmd     `cmd:"" help:"Run the pipeline against the configured source."`
	Status  StatusCmd  `cmd:"" help:"Show the latest run for the current configuration."`
	Reindex ReindexCmd `cmd:"" help:"Rebuild the retrieval index from the document archive."`
	Cache   CacheCmd   `cmd:"" help:"Inspect or purge the content caches."`
	Serve   ServeCmd   `cmd:"" help:"Serve the published archive over HTTP."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." default:"egregora.yaml" type:"path"`
	LogLevel  string `help:"Log level override (debug, info, warn, error)."`
	LogFormat string `help:"Log format override (simple, verbose, json)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(egregora.GetInfo().String())
	return nil
}

// loadConfig loads .env, the config file, and re-initializes the logger
// from the merged logging settings. CLI flags beat the config file.
func loadConfig(cli *CLI) (*config.Config, error) {
	_ = config.LoadDotEnvForConfig(cli.Config)

	cfg, err := config.Load(config.LoaderOptions{Path: cli.Config})
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cli.Config, err)
	}

	levelStr := cfg.Logging.Level
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	output := os.Stderr
	logFile := cfg.Logging.File
	if cli.LogFile != "" {
		logFile = cli.LogFile
	}
	if logFile != "" {
		f, _, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = f
	}
	logger.Init(level, output, format)

	return cfg, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM. A second
// signal exits immediately.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "shutting down, finishing the current window (signal again to force)")
		cancel()
		<-sigCh
		os.Exit(1)
	}()

	return ctx, cancel
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("egregora"),
		kong.Description("Egregora - chat archive to syndicated post feed pipeline"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
