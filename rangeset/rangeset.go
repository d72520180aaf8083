// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rangeset implements the compact block range encoding used by update care maps.
package rangeset

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Range is a half-open interval [Start, End) of block numbers.
type Range struct {
	Start uint64
	End   uint64
}

// Blocks returns the number of blocks covered by the range.
func (r Range) Blocks() uint64 {
	return r.End - r.Start
}

// RangeSet is an ordered set of non-overlapping block ranges.
//
// The order of ranges is the order of the source encoding, not numeric order.
// A RangeSet is immutable once constructed; the zero value is the valid empty
// set.
type RangeSet struct {
	ranges []Range
	blocks uint64
}

// Parse parses the textual range set encoding.
//
// The encoding is a comma-separated list of unsigned decimal integers: a
// leading token count followed by exactly that many tokens forming
// [start, end) pairs, e.g. "4,64536,65343,74149,74150". The empty set is
// encoded as "0".
func Parse(text string) (RangeSet, error) {
	tokens := strings.Split(text, ",")

	count, err := strconv.ParseUint(tokens[0], 10, 64)
	if err != nil {
		return RangeSet{}, fmt.Errorf("invalid token count %q: %w", tokens[0], err)
	}

	if count%2 != 0 {
		return RangeSet{}, fmt.Errorf("odd number of tokens in %q", text)
	}

	if uint64(len(tokens)-1) != count {
		return RangeSet{}, fmt.Errorf("mismatched number of tokens in %q", text)
	}

	if count == 0 {
		return RangeSet{}, nil
	}

	ranges := make([]Range, 0, count/2)

	for i := 1; i < len(tokens); i += 2 {
		start, err := strconv.ParseUint(tokens[i], 10, 64)
		if err != nil {
			return RangeSet{}, fmt.Errorf("invalid range start %q: %w", tokens[i], err)
		}

		end, err := strconv.ParseUint(tokens[i+1], 10, 64)
		if err != nil {
			return RangeSet{}, fmt.Errorf("invalid range end %q: %w", tokens[i+1], err)
		}

		ranges = append(ranges, Range{Start: start, End: end})
	}

	return FromRanges(ranges)
}

// FromRanges builds a RangeSet from the given ranges, preserving their order.
func FromRanges(ranges []Range) (RangeSet, error) {
	var blocks uint64

	for _, r := range ranges {
		if r.Start >= r.End {
			return RangeSet{}, fmt.Errorf("empty or inverted range [%d, %d)", r.Start, r.End)
		}

		size := r.End - r.Start

		if blocks > math.MaxUint64-size {
			return RangeSet{}, errors.New("total block count overflows uint64")
		}

		blocks += size
	}

	if overlaps(ranges) {
		return RangeSet{}, errors.New("ranges overlap")
	}

	return RangeSet{
		ranges: slices.Clone(ranges),
		blocks: blocks,
	}, nil
}

func overlaps(ranges []Range) bool {
	if len(ranges) < 2 {
		return false
	}

	sorted := slices.Clone(ranges)

	slices.SortFunc(sorted, func(a, b Range) int {
		return cmp.Compare(a.Start, b.Start)
	})

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].End {
			return true
		}
	}

	return false
}

// String serializes the set back to the textual encoding.
//
// The empty set serializes to the empty string.
func (rs RangeSet) String() string {
	if len(rs.ranges) == 0 {
		return ""
	}

	var sb strings.Builder

	sb.WriteString(strconv.Itoa(len(rs.ranges) * 2))

	for _, r := range rs.ranges {
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatUint(r.Start, 10))
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatUint(r.End, 10))
	}

	return sb.String()
}

// Ranges returns a copy of the ranges in their stored order.
func (rs RangeSet) Ranges() []Range {
	return slices.Clone(rs.ranges)
}

// Len returns the number of ranges in the set.
func (rs RangeSet) Len() int {
	return len(rs.ranges)
}

// BlockCount returns the total number of blocks covered by the set.
func (rs RangeSet) BlockCount() uint64 {
	return rs.blocks
}

// IsEmpty reports whether the set covers no blocks.
func (rs RangeSet) IsEmpty() bool {
	return len(rs.ranges) == 0
}

// Overlaps reports whether any block is covered by both sets.
//
// Bounds are half-open, so "2,3,5" and "2,5,7" do not overlap.
func (rs RangeSet) Overlaps(other RangeSet) bool {
	for _, r := range rs.ranges {
		for _, o := range other.ranges {
			if r.Start < o.End && o.Start < r.End {
				return true
			}
		}
	}

	return false
}

// Split partitions the set into at most groups contiguous subsets of whole
// ranges, balancing the block count across groups.
//
// Ranges are never cut: each group receives ranges until it reaches the
// average share of the remaining blocks, so a single huge range ends up in a
// group of its own. Fewer than groups subsets are returned when the set has
// fewer ranges than groups. Splitting the empty set yields nil.
func (rs RangeSet) Split(groups int) []RangeSet {
	if groups < 1 {
		groups = 1
	}

	if len(rs.ranges) == 0 {
		return nil
	}

	out := make([]RangeSet, 0, groups)

	var (
		cur        []Range
		curBlocks  uint64
		usedBlocks uint64
	)

	target := func() uint64 {
		left := rs.blocks - usedBlocks
		g := uint64(groups - len(out))

		return (left + g - 1) / g
	}

	goal := target()

	for _, r := range rs.ranges {
		cur = append(cur, r)
		curBlocks += r.Blocks()

		if curBlocks >= goal && len(out) < groups-1 {
			out = append(out, RangeSet{ranges: cur, blocks: curBlocks})

			usedBlocks += curBlocks
			cur, curBlocks = nil, 0

			goal = target()
		}
	}

	if len(cur) > 0 {
		out = append(out, RangeSet{ranges: cur, blocks: curBlocks})
	}

	return out
}
