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
	"fmt"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

// SplitIntoParts divides a window into n contiguous sub-windows of
// near-equal entry count, preserving order. Sub-window labels follow the
// pattern <label>-part-<k>-of-<n> with k 1-based, so a recursively split
// window reads like "2025-01-02-part-1-of-2-part-2-of-2".
//
// Splitting is deterministic. It fails with InvalidInput when n < 2 or the
// window has fewer entries than n.
func SplitIntoParts(w Window, n int) ([]Window, error) {
	const op = "window.split"

	if n < 2 {
		return nil, fault.Invalid(op, fmt.Sprintf("need at least 2 parts, got %d", n), nil)
	}
	if len(w.Entries) < n {
		return nil, fault.Invalid(op,
			fmt.Sprintf("window %q has %d entries, cannot split into %d parts", w.Label, len(w.Entries), n), nil)
	}

	base := len(w.Entries) / n
	rem := len(w.Entries) % n

	parts := make([]Window, 0, n)
	offset := 0
	for k := 1; k <= n; k++ {
		size := base
		if k <= rem {
			size++
		}
		chunk := w.Entries[offset : offset+size]
		offset += size

		part := Window{
			Label:     fmt.Sprintf("%s-part-%d-of-%d", w.Label, k, n),
			StartTime: chunk[0].Timestamp,
			EndTime:   chunk[len(chunk)-1].Timestamp,
			Entries:   chunk,
		}
		// The outer parts keep the parent's bounds so the set of parts
		// covers the parent's full range; the last part also inherits the
		// parent's commit key so its commit lands where the parent's would
		// have.
		if k == 1 {
			part.StartTime = w.StartTime
		}
		if k == n {
			part.EndTime = w.EndTime
			part.Key = w.OrderKey()
		}
		parts = append(parts, part)
	}
	return parts, nil
}
