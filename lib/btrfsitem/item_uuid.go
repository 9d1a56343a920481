// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"encoding/binary"

	"btrfsck.example/btrfsck/lib/binstruct"
	"btrfsck.example/btrfsck/lib/btrfsprim"
)

// UUIDToKey returns the Key that a UUID_SUBVOL_KEY item for uuid would be
// stored under: the objectid and offset are respectively the big-endian
// first and second halves of the UUID.
func UUIDToKey(uuid btrfsprim.UUID) btrfsprim.Key {
	return btrfsprim.Key{
		ObjectID: btrfsprim.ObjID(binary.BigEndian.Uint64(uuid[:8])),
		ItemType: UUID_SUBVOL_KEY,
		Offset:   binary.BigEndian.Uint64(uuid[8:]),
	}
}

// KeyToUUID is the inverse of UUIDToKey.
func KeyToUUID(key btrfsprim.Key) btrfsprim.UUID {
	var uuid btrfsprim.UUID
	binary.BigEndian.PutUint64(uuid[:8], uint64(key.ObjectID))
	binary.BigEndian.PutUint64(uuid[8:], key.Offset)
	return uuid
}

// The Key for this item is a UUID, and the item is a subvolume IDs
// that that UUID maps to.
//
// key.objectid = first half of UUID
// key.offset = second half of UUID
type UUIDMap struct { // UUID_SUBVOL=251 UUID_RECEIVED_SUBVOL=252
	ObjID         btrfsprim.ObjID `bin:"off=0, siz=8"`
	binstruct.End `bin:"off=8"`
}

func (UUIDMap) isItem() {}

func (o UUIDMap) Clone() UUIDMap { return o }

func (o *UUIDMap) Free() {
	*o = UUIDMap{}
	uuidMapPool.Put(o)
}

func (o *UUIDMap) CloneItem() Item {
	ret, _ := uuidMapPool.Get()
	*ret = o.Clone()
	return ret
}
