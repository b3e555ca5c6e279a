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

package window

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

// Checkpoint records resumption state: the label of the last fully committed
// window and the timestamp after which the next run should load entries.
// Intermediate per-entry progress is deliberately not recorded; a window
// either committed or it did not.
type Checkpoint struct {
	WindowLabel string    `json:"window_label"`
	ResumeAfter time.Time `json:"resume_after"`
	SavedAt     time.Time `json:"saved_at"`
}

// LoadCheckpoint reads a checkpoint file. A missing file is not an error:
// it returns (nil, nil) so a fresh run starts from the beginning.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Repository("window.load_checkpoint", "read checkpoint", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fault.Repository("window.load_checkpoint",
			fmt.Sprintf("corrupt checkpoint %s", path), err)
	}
	return &cp, nil
}

// SaveCheckpoint writes the checkpoint atomically: a temp file in the same
// directory followed by a rename, so a crash mid-write leaves the previous
// checkpoint intact.
func SaveCheckpoint(path string, cp Checkpoint) error {
	const op = "window.save_checkpoint"

	cp.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fault.Repository(op, "encode checkpoint", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Repository(op, "create checkpoint dir", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.Repository(op, "write checkpoint", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fault.Repository(op, "commit checkpoint", err)
	}
	return nil
}
