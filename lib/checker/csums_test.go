// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package checker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfssum"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

func TestCSumSetCoversAdjacentRuns(t *testing.T) {
	t.Parallel()
	s := newCSumSet()
	s.addRun(0, 4, 1)                             // [0, BlockSize)
	s.addRun(uint64(btrfssum.BlockSize), 4, 1)    // [BlockSize, 2*BlockSize), adjacent to the first
	s.addRun(uint64(btrfssum.BlockSize*10), 4, 2) // a disjoint run further out

	assert.True(t, s.covers(0, btrfssum.BlockSize*2), "two adjacent runs should merge into one covering range")
	assert.False(t, s.covers(0, btrfssum.BlockSize*3), "coverage should not extend past the merged runs into the gap")
	assert.True(t, s.covers(btrfssum.BlockSize*10, btrfssum.BlockSize*12))
}

func TestCSumSetAddRunIgnoresEmptyRun(t *testing.T) {
	t.Parallel()
	s := newCSumSet()
	s.addRun(0, 4, 0)
	assert.Empty(t, s.runs, "an EXTENT_CSUM item with no sums should not record a run")
}

func TestCSumSetUncoveredReportsGaps(t *testing.T) {
	t.Parallel()
	s := newCSumSet()
	s.insert(csumRun{Beg: 0, End: 100})
	s.insert(csumRun{Beg: 200, End: 300})

	gaps := s.uncovered(0, 300)
	require.Len(t, gaps, 1)
	assert.Equal(t, csumRun{Beg: 100, End: 200}, gaps[0])

	gaps = s.uncovered(50, 250)
	require.Len(t, gaps, 1)
	assert.Equal(t, csumRun{Beg: 100, End: 200}, gaps[0])

	assert.Empty(t, s.uncovered(0, 100), "a fully-covered range has no gaps")
}

// TestCheckCSumsFlagsStaleChecksum exercises CheckCSums end-to-end
// through handleItem: an EXTENT_CSUM item with no backing file extent
// (the punched-out/deleted-extent case the doc comment calls out) must
// be reported; a checksum run that is backed by a live file extent
// must not be.
func TestCheckCSumsFlagsStaleChecksum(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestChecker(t)

	const subvolID = btrfsprim.ObjID(5)

	liveExtentStart := btrfsvol.LogicalAddr(0x4000)
	_, liveFileExtent := itemAt(subvolID,
		btrfsprim.Key{ObjectID: 256, ItemType: btrfsitem.EXTENT_DATA_KEY, Offset: 0},
		&btrfsitem.FileExtent{
			Type: btrfsitem.FILE_EXTENT_REG,
			BodyExtent: btrfsitem.FileExtentExtent{
				DiskByteNr:   liveExtentStart,
				DiskNumBytes: btrfsvol.AddrDelta(btrfssum.BlockSize),
				NumBytes:     int64(btrfssum.BlockSize),
			},
		})
	c.handleItem(ctx, subvolID, nil, liveFileExtent)

	_, liveCSum := itemAt(btrfsprim.CSUM_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: btrfsprim.EXTENT_CSUM_OBJECTID, ItemType: btrfsitem.EXTENT_CSUM_KEY, Offset: uint64(liveExtentStart)},
		&btrfsitem.ExtentCSum{ChecksumSize: 4, Sums: make([]btrfssum.CSum, 1)})
	c.handleItem(ctx, btrfsprim.CSUM_TREE_OBJECTID, nil, liveCSum)

	staleStart := btrfsvol.LogicalAddr(0x9000)
	_, staleCSum := itemAt(btrfsprim.CSUM_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: btrfsprim.EXTENT_CSUM_OBJECTID, ItemType: btrfsitem.EXTENT_CSUM_KEY, Offset: uint64(staleStart)},
		&btrfsitem.ExtentCSum{ChecksumSize: 4, Sums: make([]btrfssum.CSum, 1)})
	c.handleItem(ctx, btrfsprim.CSUM_TREE_OBJECTID, nil, staleCSum)

	c.CheckCSums(ctx)

	var sawStale, sawLive bool
	for _, f := range c.report.Findings {
		if f.ObjectID == btrfsprim.ObjID(staleStart) {
			sawStale = true
		}
		if f.ObjectID == btrfsprim.ObjID(liveExtentStart) {
			sawLive = true
		}
	}
	assert.True(t, sawStale, "checksum run with no backing file extent should be flagged, got: %v", c.report.Findings)
	assert.False(t, sawLive, "checksum run backed by a live file extent should not be flagged, got: %v", c.report.Findings)
}
