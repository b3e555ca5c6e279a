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
	"regexp"
	"strconv"
	"strings"
)

// Supported reference forms inside config values, tried in this order so
// the defaulted form is never half-matched by the plain braced one.
var envRefs = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	bare        *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	bare:        regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// expandEnvRefs substitutes ${VAR:-default}, ${VAR} and $VAR references
// in one string. An unset variable without a default expands to "".
func expandEnvRefs(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envRefs.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envRefs.withDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})

	s = envRefs.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envRefs.braced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})

	s = envRefs.bare.ReplaceAllStringFunc(s, func(match string) string {
		parts := envRefs.bare.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})

	return s
}

// coerceScalar re-types a substituted string so "true", "8080" or "0.35"
// coming from the environment behave like their YAML literals.
func coerceScalar(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// ExpandEnvInData walks a decoded YAML tree and expands env references in
// every string value. Values changed by expansion are re-typed; untouched
// values pass through as-is.
func ExpandEnvInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		expanded := expandEnvRefs(v)
		if expanded != v {
			return coerceScalar(expanded)
		}
		return v

	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			out[key] = ExpandEnvInData(value)
		}
		return out

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = ExpandEnvInData(item)
		}
		return out

	default:
		return v
	}
}
