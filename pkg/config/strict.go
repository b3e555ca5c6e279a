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
	"strings"

	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

// strictCheck decodes the loaded tree into a throwaway Config with
// unknown-key errors enabled, so typos and wrong nesting fail fast with
// the offending key names instead of being silently dropped. Typing stays
// weak here because environment overrides arrive as strings; type problems
// belong to the real unmarshal.
func strictCheck(k *koanf.Koanf) error {
	var probe Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &probe,
		ErrorUnused:      true,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("create strict decoder: %w", err)
	}

	if err := decoder.Decode(k.Raw()); err != nil {
		if keys := invalidKeys(err.Error()); len(keys) > 0 {
			return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
		return err
	}
	return nil
}

// invalidKeys pulls key names out of mapstructure's "has invalid keys:"
// error text.
func invalidKeys(errMsg string) []string {
	idx := strings.Index(errMsg, "has invalid keys:")
	if idx == -1 {
		return nil
	}
	var keys []string
	for _, key := range strings.Split(errMsg[idx+len("has invalid keys:"):], ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
