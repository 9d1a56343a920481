// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package checker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

func addFreeSpaceExtent(c *Checker, ctx context.Context, addr btrfsvol.LogicalAddr, len uint64) {
	_, item := itemAt(btrfsprim.FREE_SPACE_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: btrfsprim.ObjID(addr), ItemType: btrfsitem.FREE_SPACE_EXTENT_KEY, Offset: len},
		&btrfsitem.Empty{})
	c.handleItem(ctx, btrfsprim.FREE_SPACE_TREE_OBJECTID, nil, item)
}

func addFreeSpaceInfo(c *Checker, ctx context.Context, bgStart btrfsvol.LogicalAddr, bgLen uint64, extentCount int32) {
	_, item := itemAt(btrfsprim.FREE_SPACE_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: btrfsprim.ObjID(bgStart), ItemType: btrfsitem.FREE_SPACE_INFO_KEY, Offset: bgLen},
		&btrfsitem.FreeSpaceInfo{ExtentCount: extentCount})
	c.handleItem(ctx, btrfsprim.FREE_SPACE_TREE_OBJECTID, nil, item)
}

func addAllocatedExtent(c *Checker, ctx context.Context, start btrfsvol.LogicalAddr, length btrfsvol.AddrDelta, gen btrfsprim.Generation) {
	_, item := itemAt(btrfsprim.EXTENT_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: btrfsprim.ObjID(start), ItemType: btrfsitem.EXTENT_ITEM_KEY, Offset: uint64(length)},
		&btrfsitem.Extent{Head: btrfsitem.ExtentHeader{Refs: 1, Generation: gen}})
	c.handleItem(ctx, btrfsprim.EXTENT_TREE_OBJECTID, nil, item)
}

// TestCheckFreeSpaceExtentCountMismatch exercises the free-space-tree's
// own internal cross-check: a FREE_SPACE_INFO claiming a different
// extent count than the number of FREE_SPACE_EXTENT items actually
// found within its block group must be flagged.
func TestCheckFreeSpaceExtentCountMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestChecker(t)

	const bgStart = btrfsvol.LogicalAddr(0x10000)
	const bgLen = uint64(0x10000)

	addFreeSpaceInfo(c, ctx, bgStart, bgLen, 2)
	addFreeSpaceExtent(c, ctx, bgStart+0x1000, 0x1000)

	c.CheckFreeSpace(ctx)

	var found bool
	for _, f := range c.report.Findings {
		if f.Severity == SeverityWarning && f.Offset == uint64(bgStart) &&
			strings.Contains(f.Message, "free space info claims 2 extents but found 1") {
			found = true
		}
	}
	assert.True(t, found, "expected an extent-count mismatch finding, got: %v", c.report.Findings)
}

// TestCheckFreeSpaceConsistentWithExtents confirms the converse of
// TestCheckFreeSpaceExtentCountMismatch and TestCheckFreeSpaceVsAllocatedExtent:
// a free-space tree that agrees with itself and with the extent tree
// produces no findings.
func TestCheckFreeSpaceConsistentWithExtents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestChecker(t)

	const bgStart = btrfsvol.LogicalAddr(0x10000)
	const bgLen = uint64(0x10000)

	addFreeSpaceInfo(c, ctx, bgStart, bgLen, 1)
	addFreeSpaceExtent(c, ctx, bgStart+0x1000, 0x1000)
	addAllocatedExtent(c, ctx, bgStart+0x5000, 0x1000, 1)

	c.CheckFreeSpace(ctx)

	assert.Empty(t, c.report.Findings, "a self-consistent free-space tree that doesn't overlap any allocated extent should not be flagged")
}

// TestCheckFreeSpaceVsAllocatedExtent exercises the cross-check this
// tool adds beyond the free-space tree's own internal bookkeeping
// (S6): a range the free-space tree claims is free, but that the
// extent tree actually allocates, must be flagged even though the
// free-space tree is perfectly self-consistent.
func TestCheckFreeSpaceVsAllocatedExtent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestChecker(t)

	const bgStart = btrfsvol.LogicalAddr(0x10000)
	const bgLen = uint64(0x10000)
	const extStart = bgStart + 0x2000

	addFreeSpaceInfo(c, ctx, bgStart, bgLen, 1)
	addFreeSpaceExtent(c, ctx, extStart, 0x1000)
	addAllocatedExtent(c, ctx, extStart, 0x1000, 3)

	c.CheckFreeSpace(ctx)

	var found bool
	for _, f := range c.report.Findings {
		if f.Severity == SeverityError && f.Offset == uint64(extStart) &&
			strings.Contains(f.Message, "bytes there (generation 3)") {
			found = true
		}
	}
	assert.True(t, found, "expected a free-space-vs-extent-tree conflict finding, got: %v", c.report.Findings)
}
