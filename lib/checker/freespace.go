// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package checker

import (
	"context"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// CheckFreeSpace cross-checks each block group's free-space cache
// against the allocations the extent-tree walk actually found within
// that block group's address range: first internally (FREE_SPACE_INFO's
// claimed extent count against the counted FREE_SPACE_EXTENT items, the
// free-space-tree analogue of the extent-tree refcount check Reconcile
// does for allocated extents), then against c.extents — a block group
// whose free-space tree is perfectly self-consistent but disagrees with
// the extent tree (claims free a range an extent actually occupies, or
// vice versa) would pass the first check alone. Call it after Run; it
// does not depend on Reconcile having run.
func (c *Checker) CheckFreeSpace(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for bgStart, entry := range c.freeSpaceInfos {
		bgEnd := bgStart + btrfsvol.LogicalAddr(entry.Len)

		if !entry.Info.Flags.Has(btrfsitem.FREE_SPACE_USING_BITMAPS) {
			var found int32
			for extStart, count := range c.freeSpaceExts {
				if extStart >= bgStart && extStart < bgEnd {
					found += int32(count)
				}
			}
			if found != entry.Info.ExtentCount {
				c.report.addf(SeverityWarning, 0, 0, 0, uint64(bgStart),
					"block group at %v: free space info claims %v extents but found %v", bgStart, entry.Info.ExtentCount, found)
			}
		}

		for extStart := range c.freeSpaceExts {
			if extStart < bgStart || extStart >= bgEnd {
				continue
			}
			if rec, ok := c.extents[extentKind{Start: extStart}]; ok {
				c.report.addf(SeverityError, 0, 0, 0, uint64(extStart),
					"block group at %v: free space tree claims %v is free, but the extent tree allocates %v bytes there (generation %v)",
					bgStart, extStart, rec.Len, rec.Generation)
			}
		}
	}
}
