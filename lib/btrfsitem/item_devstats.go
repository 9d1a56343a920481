// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"btrfsck.example/btrfsck/lib/binstruct"
)

const (
	DEV_STAT_WRITE_ERRS = iota
	DEV_STAT_READ_ERRS
	DEV_STAT_FLUSH_ERRS
	DEV_STAT_CORRUPTION_ERRS
	DEV_STAT_GENERATION_ERRS
	DEV_STAT_VALUES_MAX
)

// key.objectid = BTRFS_DEV_STATS_OBJECTID
// key.offset = device_id
type DevStats struct { // PERSISTENT_ITEM=249
	Values        [DEV_STAT_VALUES_MAX]int64 `bin:"off=0, siz=40"`
	binstruct.End `bin:"off=40"`
}

func (DevStats) isItem() {}

func (o DevStats) Clone() DevStats { return o }

func (o *DevStats) Free() {
	*o = DevStats{}
	devStatsPool.Put(o)
}

func (o *DevStats) CloneItem() Item {
	ret, _ := devStatsPool.Get()
	*ret = o.Clone()
	return ret
}
