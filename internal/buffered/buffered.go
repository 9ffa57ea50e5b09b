// Package buffered answers feasibility questions about a playback source's
// downloaded time ranges: whether a position can be played without stalling
// and how far playback can safely advance.
//
// All functions are pure. Ranges are read fresh from the source on every tick
// and never cached here.
package buffered

import "sort"

const (
	// seekMargin keeps a safe-advance seek this far from the end of the
	// buffered data; landing on the very edge stalls again immediately.
	seekMargin = 0.5
)

// Range is one contiguous buffered interval of the timeline, in seconds.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Contains reports whether p lies within [Start, End].
func (r Range) Contains(p float64) bool {
	return p >= r.Start && p <= r.End
}

// IsBuffered reports whether position falls inside any range (inclusive).
func IsBuffered(ranges []Range, position float64) bool {
	for _, r := range ranges {
		if r.Contains(position) {
			return true
		}
	}
	return false
}

// FurthestContiguousEnd returns the end of the range containing current, or
// current itself when no range contains it.
func FurthestContiguousEnd(ranges []Range, current float64) float64 {
	for _, r := range ranges {
		if r.Contains(current) {
			return r.End
		}
	}
	return current
}

// SafeSeekTarget returns the furthest position toward desired that is known
// to be buffered.
//
//   - desired itself when a range contains it;
//   - otherwise min(End-0.5, desired) of the range starting between current
//     and desired that gets closest to desired;
//   - otherwise current (no safe advance this tick).
//
// Ranges too short to hold the margin are skipped, so a non-current result is
// always buffered.
func SafeSeekTarget(ranges []Range, current, desired float64) float64 {
	if IsBuffered(ranges, desired) {
		return desired
	}
	best, found := current, false
	for _, r := range ranges {
		if r.Start < current || r.Start > desired {
			continue
		}
		candidate := r.End - seekMargin
		if candidate > desired {
			candidate = desired
		}
		if candidate < r.Start {
			continue
		}
		if !found || candidate > best {
			best, found = candidate, true
		}
	}
	return best
}

// Normalize returns a sorted copy of raw with overlapping or touching ranges
// merged and empty or inverted ranges dropped.
func Normalize(raw []Range) []Range {
	out := make([]Range, 0, len(raw))
	for _, r := range raw {
		if r.End > r.Start {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Clone returns an independent copy of ranges, suitable for handing to
// diagnostics consumers.
func Clone(ranges []Range) []Range {
	if ranges == nil {
		return nil
	}
	out := make([]Range, len(ranges))
	copy(out, ranges)
	return out
}
