// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"btrfsck.example/btrfsck/lib/binstruct"
)

type Empty struct { // trivial ORPHAN_ITEM=48 TREE_BLOCK_REF=176 SHARED_BLOCK_REF=182 FREE_SPACE_EXTENT=199 QGROUP_RELATION=246
	binstruct.End `bin:"off=0"`
}

func (Empty) isItem() {}

func (o Empty) Clone() Empty { return o }

func (o *Empty) Free() {
	*o = Empty{}
	emptyPool.Put(o)
}

func (o *Empty) CloneItem() Item {
	ret, _ := emptyPool.Get()
	*ret = o.Clone()
	return ret
}
