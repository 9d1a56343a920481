// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package checker

import (
	"sort"

	"btrfsck.example/btrfsck/lib/btrfssum"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// csumRun is one contiguous logical-address range covered by a single
// EXTENT_CSUM item's worth of checksums.
type csumRun struct {
	Beg, End btrfsvol.LogicalAddr // [Beg,End)
}

// csumSet accumulates the logical-address ranges covered by every
// EXTENT_CSUM item seen during a walk, merging overlapping and
// adjacent runs as they arrive so that a WantCSum request can be
// answered with a single sorted-slice scan instead of a second tree
// walk. lib/containers.IntervalTree would be the natural fit here, but
// its RBTree-backed implementation expects a two-key-parameter RBTree
// that lib/containers/rbtree.go no longer provides; see DESIGN.md.
type csumSet struct {
	runs []csumRun // sorted by Beg, non-overlapping
}

func newCSumSet() *csumSet {
	return &csumSet{}
}

// addRun records the byte range covered by an EXTENT_CSUM item's Sums:
// checksumSize bytes each, one per btrfssum.BlockSize-sized block,
// starting at the item's key offset.
func (s *csumSet) addRun(start uint64, checksumSize int, numSums int) {
	if numSums == 0 {
		return
	}
	beg := btrfsvol.LogicalAddr(start)
	end := beg + btrfsvol.LogicalAddr(int64(numSums)*int64(btrfssum.BlockSize))
	s.insert(csumRun{Beg: beg, End: end})
}

func (s *csumSet) insert(nr csumRun) {
	merged := make([]csumRun, 0, len(s.runs)+1)
	inserted := false
	for _, r := range s.runs {
		switch {
		case r.End < nr.Beg:
			merged = append(merged, r)
		case nr.End < r.Beg:
			if !inserted {
				merged = append(merged, nr)
				inserted = true
			}
			merged = append(merged, r)
		default:
			if r.Beg < nr.Beg {
				nr.Beg = r.Beg
			}
			if r.End > nr.End {
				nr.End = r.End
			}
		}
	}
	if !inserted {
		merged = append(merged, nr)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Beg < merged[j].Beg })
	s.runs = merged
}

// covers reports whether [beg,end) is fully covered by checksum runs.
func (s *csumSet) covers(beg, end btrfsvol.LogicalAddr) bool {
	cur := beg
	for _, r := range s.runs {
		if r.Beg > cur {
			break
		}
		if r.End > cur {
			cur = r.End
		}
		if cur >= end {
			return true
		}
	}
	return cur >= end
}

// uncovered returns the sub-ranges of [beg,end) that no run in s covers,
// used by CheckCSums to report exactly which part of a checksummed range
// has gone stale rather than just flagging the whole run.
func (s *csumSet) uncovered(beg, end btrfsvol.LogicalAddr) []csumRun {
	var gaps []csumRun
	cur := beg
	for _, r := range s.runs {
		if r.End <= cur {
			continue
		}
		if r.Beg >= end {
			break
		}
		if r.Beg > cur {
			gaps = append(gaps, csumRun{Beg: cur, End: r.Beg})
		}
		if r.End > cur {
			cur = r.End
		}
		if cur >= end {
			return gaps
		}
	}
	if cur < end {
		gaps = append(gaps, csumRun{Beg: cur, End: end})
	}
	return gaps
}
