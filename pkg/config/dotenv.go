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
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
)

// LoadDotEnv loads variables from .env files so key material can stay out
// of config files and shell profiles. Search order: explicit paths, .env
// in the working directory, ~/.env. Existing environment variables are
// never overwritten, and a missing file is not an error.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if path != "" {
			if err := loadDotEnvIfExists(path); err != nil {
				return err
			}
		}
	}

	if err := loadDotEnvIfExists(".env"); err != nil {
		return err
	}

	if home, err := os.UserHomeDir(); err == nil {
		if err := loadDotEnvIfExists(filepath.Join(home, ".env")); err != nil {
			return err
		}
	}

	return nil
}

// LoadDotEnvForConfig additionally checks for a .env next to the config
// file, so a project directory is self-contained.
func LoadDotEnvForConfig(configPath string) error {
	if configPath == "" {
		return LoadDotEnv()
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return LoadDotEnv()
	}
	return LoadDotEnv(filepath.Join(filepath.Dir(absPath), ".env"))
}

func loadDotEnvIfExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	log := logger.GetLogger()
	if err := godotenv.Load(path); err != nil {
		// .env is optional; a malformed one should not block startup.
		log.Debug("failed to load .env file", "path", path, "error", err)
		return nil
	}
	log.Debug("loaded environment from .env", "path", path)
	return nil
}
