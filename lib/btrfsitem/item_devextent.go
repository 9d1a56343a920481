// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"btrfsck.example/btrfsck/lib/binstruct"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// key.objectid = device_id
// key.offset = physical_addr
type DevExtent struct { // DEV_EXTENT=204
	ChunkTree     int64                `bin:"off=0, siz=8"`
	ChunkObjectID btrfsprim.ObjID      `bin:"off=8, siz=8"`
	ChunkOffset   btrfsvol.LogicalAddr `bin:"off=16, siz=8"`
	Length        btrfsvol.AddrDelta   `bin:"off=24, siz=8"`
	ChunkTreeUUID btrfsprim.UUID       `bin:"off=32, siz=16"`
	binstruct.End `bin:"off=48"`
}

func (DevExtent) isItem() {}

func (o DevExtent) Clone() DevExtent { return o }

func (o *DevExtent) Free() {
	*o = DevExtent{}
	devExtentPool.Put(o)
}

func (o *DevExtent) CloneItem() Item {
	ret, _ := devExtentPool.Get()
	*ret = o.Clone()
	return ret
}

func (devext DevExtent) Mapping(key btrfsprim.Key) btrfsvol.Mapping {
	return btrfsvol.Mapping{
		LAddr: devext.ChunkOffset,
		PAddr: btrfsvol.QualifiedPhysicalAddr{
			Dev:  btrfsvol.DeviceID(key.ObjectID),
			Addr: btrfsvol.PhysicalAddr(key.Offset),
		},
		Size:       devext.Length,
		SizeLocked: true,
	}
}
