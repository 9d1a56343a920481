// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"btrfsck.example/btrfsck/lib/binstruct"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// A BlockGroup tracks allocation of the logical address space.
//
// Compare with:
//   - DevExtents, which track allocation of the physical address space.
//   - Chunks, which map logical addresses to physical addresses.
//
// The relationship between the three is
//
//	DevExtent---[many:one]---Chunk---[one:one]---BlockGroup
//
// Key:
//
//	key.objectid = logical_addr
//	key.offset   = size of chunk
type BlockGroup struct { // trivial BLOCK_GROUP_ITEM=192
	Used          int64                    `bin:"off=0, siz=8"`
	ChunkObjectID btrfsprim.ObjID          `bin:"off=8, siz=8"` // always FIRST_CHUNK_TREE_OBJECTID
	Flags         btrfsvol.BlockGroupFlags `bin:"off=16, siz=8"`
	binstruct.End `bin:"off=24"`
}

func (BlockGroup) isItem() {}

func (o BlockGroup) Clone() BlockGroup { return o }

func (o *BlockGroup) Free() {
	*o = BlockGroup{}
	blockGroupPool.Put(o)
}

func (o *BlockGroup) CloneItem() Item {
	ret, _ := blockGroupPool.Get()
	*ret = o.Clone()
	return ret
}
