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
	"iter"
	"slices"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
)

// Windows lazily cuts an ordered entry stream into windows. The stream is
// consumed only as far as the caller iterates; an empty stream yields zero
// windows. Entries must arrive in non-decreasing timestamp order (the
// adapter contract guarantees this).
//
// An error from the source stream is yielded once and ends iteration.
func Windows(entries iter.Seq2[feed.Entry, error], spec Spec) (iter.Seq2[Window, error], error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	switch spec.Unit {
	case UnitDays, UnitHours:
		return sequence(timeWindows(entries, spec)), nil
	case UnitMessages:
		return sequence(countWindows(entries, spec, func(feed.Entry) int { return 1 })), nil
	case UnitBytes:
		return sequence(countWindows(entries, spec, feed.Entry.ByteSize)), nil
	default: // UnitTokens, validated above
		return sequence(countWindows(entries, spec, spec.Sizer)), nil
	}
}

// sequence assigns each emitted window a strictly increasing commit key.
// Raw end-time keys collide when consecutive windows end in the same instant
// (count units over a minute-precision source), so ties are nudged forward a
// nanosecond at a time. The nudge depends only on the stream, so re-running
// the same stream reproduces the same keys.
func sequence(inner iter.Seq2[Window, error]) iter.Seq2[Window, error] {
	return func(yield func(Window, error) bool) {
		var last int64
		for w, err := range inner {
			if err != nil {
				yield(w, err)
				return
			}
			key := w.EndTime.UnixNano()
			if key <= last {
				key = last + 1
			}
			w.Key = key
			last = key
			if !yield(w, nil) {
				return
			}
		}
	}
}

// countWindows handles the messages, bytes and tokens units: accumulate
// entries until the measured size reaches spec.Size, then carry the trailing
// overlap fraction into the next window.
func countWindows(entries iter.Seq2[feed.Entry, error], spec Spec, sizer func(feed.Entry) int) iter.Seq2[Window, error] {
	return func(yield func(Window, error) bool) {
		next, stop := iter.Pull2(entries)
		defer stop()

		labels := map[string]int{}
		var carry []feed.Entry
		var pending *feed.Entry

		for {
			win := slices.Clone(carry)
			measured := 0
			for _, e := range win {
				measured += sizer(e)
			}

			fresh := 0
			for {
				var e feed.Entry
				if pending != nil {
					e, pending = *pending, nil
				} else {
					got, err, ok := next()
					if !ok {
						break
					}
					if err != nil {
						yield(Window{}, err)
						return
					}
					e = got
				}

				// A window always admits at least one fresh entry, even when
				// that entry alone exceeds the size budget.
				sz := sizer(e)
				if fresh > 0 && measured+sz > spec.Size {
					pending = &e
					break
				}
				win = append(win, e)
				measured += sz
				fresh++
				if measured >= spec.Size {
					break
				}
			}

			if fresh == 0 {
				return
			}
			if !yield(buildCountWindow(win, labels), nil) {
				return
			}

			k := int(float64(len(win)) * spec.Overlap)
			carry = slices.Clone(win[len(win)-k:])
		}
	}
}

func buildCountWindow(entries []feed.Entry, labels map[string]int) Window {
	start := entries[0].Timestamp
	end := entries[len(entries)-1].Timestamp

	label := start.UTC().Format("20060102T150405Z")
	labels[label]++
	if n := labels[label]; n > 1 {
		label = fmt.Sprintf("%s-%d", label, n)
	}

	return Window{Label: label, StartTime: start, EndTime: end, Entries: entries}
}

// openWindow is a grid window still accepting entries.
type openWindow struct {
	k       int64
	start   time.Time
	end     time.Time
	entries []feed.Entry
}

// timeWindows handles the days and hours units: windows live on a fixed grid
// anchored at the first entry's truncated timestamp, stepping by
// duration*(1-overlap). Grid positions with no entries yield no window.
func timeWindows(entries iter.Seq2[feed.Entry, error], spec Spec) iter.Seq2[Window, error] {
	duration := time.Duration(spec.Size) * spec.unitDuration()
	step := time.Duration(float64(duration) * (1 - spec.Overlap))

	return func(yield func(Window, error) bool) {
		next, stop := iter.Pull2(entries)
		defer stop()

		var anchor time.Time
		anchored := false
		var opened []*openWindow // ascending by grid index

		emit := func(w *openWindow) bool {
			return yield(Window{
				Label:     timeLabel(spec.Unit, spec.Size, w.start, w.end),
				StartTime: w.start,
				EndTime:   w.end,
				Entries:   w.entries,
			}, nil)
		}

		for {
			e, err, ok := next()
			if !ok {
				for _, w := range opened {
					if !emit(w) {
						return
					}
				}
				return
			}
			if err != nil {
				yield(Window{}, err)
				return
			}

			ts := e.Timestamp
			if !anchored {
				anchor = truncate(ts, spec.Unit)
				anchored = true
			}

			// Yield every window this entry can no longer belong to. Entries
			// are ordered, so a window ending at or before ts is final.
			for len(opened) > 0 && !opened[0].end.After(ts) {
				if !emit(opened[0]) {
					return
				}
				opened = opened[1:]
			}

			// Open the grid windows whose range [start, start+duration)
			// contains ts. With overlap there can be more than one.
			kMax := int64(ts.Sub(anchor) / step)
			for k := kMax; k >= 0; k-- {
				start := anchor.Add(time.Duration(k) * step)
				if !ts.Before(start.Add(duration)) {
					break
				}
				opened = openGrid(opened, k, start, start.Add(duration))
			}
			for _, w := range opened {
				if !ts.Before(w.start) && ts.Before(w.end) {
					w.entries = append(w.entries, e)
				}
			}
		}
	}
}

// openGrid inserts grid window k if absent, keeping ascending order.
func openGrid(opened []*openWindow, k int64, start, end time.Time) []*openWindow {
	idx := len(opened)
	for i, w := range opened {
		if w.k == k {
			return opened
		}
		if w.k > k {
			idx = i
			break
		}
	}
	return slices.Insert(opened, idx, &openWindow{k: k, start: start, end: end})
}

func truncate(ts time.Time, unit Unit) time.Time {
	ts = ts.UTC()
	if unit == UnitDays {
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	}
	return ts.Truncate(time.Hour)
}
