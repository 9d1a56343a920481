// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"reflect"

	"git.lukeshu.com/go/typedsync"

	"btrfsck.example/btrfsck/lib/btrfsprim"
)

// The *_KEY constants are the low byte of a Key (Key.ItemType); they
// identify the payload format of the Item stored under that Key, per
// the BTRFS_*_KEY defines in the kernel's ctree.h.
const (
	INODE_ITEM_KEY           = Type(1)
	INODE_REF_KEY            = Type(12)
	INODE_EXTREF_KEY         = Type(13)
	XATTR_ITEM_KEY           = Type(24)
	ORPHAN_ITEM_KEY          = Type(48)
	DIR_LOG_ITEM_KEY         = Type(60)
	DIR_LOG_INDEX_KEY        = Type(72)
	DIR_ITEM_KEY             = Type(84)
	DIR_INDEX_KEY            = Type(96)
	EXTENT_DATA_KEY          = Type(108)
	EXTENT_CSUM_KEY          = Type(128)
	ROOT_ITEM_KEY            = Type(132)
	ROOT_BACKREF_KEY         = Type(144)
	ROOT_REF_KEY             = Type(156)
	EXTENT_ITEM_KEY          = Type(168)
	METADATA_ITEM_KEY        = Type(169)
	TREE_BLOCK_REF_KEY       = Type(176)
	EXTENT_DATA_REF_KEY      = Type(178)
	SHARED_BLOCK_REF_KEY     = Type(182)
	SHARED_DATA_REF_KEY      = Type(184)
	BLOCK_GROUP_ITEM_KEY     = Type(192)
	FREE_SPACE_INFO_KEY      = Type(198)
	FREE_SPACE_EXTENT_KEY    = Type(199)
	FREE_SPACE_BITMAP_KEY    = Type(200)
	DEV_EXTENT_KEY           = Type(204)
	DEV_ITEM_KEY             = Type(216)
	CHUNK_ITEM_KEY           = Type(228)
	QGROUP_STATUS_KEY        = Type(240)
	QGROUP_INFO_KEY          = Type(242)
	QGROUP_LIMIT_KEY         = Type(244)
	QGROUP_RELATION_KEY      = Type(246)
	PERSISTENT_ITEM_KEY      = Type(249)
	UUID_SUBVOL_KEY          = Type(251)
	UUID_RECEIVED_SUBVOL_KEY = Type(252)
	STRING_ITEM_KEY          = Type(253)

	UNTYPED_KEY = Type(0)
)

var keytype2gotype = map[Type]reflect.Type{
	INODE_ITEM_KEY:           reflect.TypeOf(Inode{}),
	INODE_REF_KEY:            reflect.TypeOf(InodeRefs{}),
	XATTR_ITEM_KEY:           reflect.TypeOf(DirEntry{}),
	ORPHAN_ITEM_KEY:          reflect.TypeOf(Empty{}),
	DIR_ITEM_KEY:             reflect.TypeOf(DirEntry{}),
	DIR_INDEX_KEY:            reflect.TypeOf(DirEntry{}),
	EXTENT_DATA_KEY:          reflect.TypeOf(FileExtent{}),
	EXTENT_CSUM_KEY:          reflect.TypeOf(ExtentCSum{}),
	ROOT_ITEM_KEY:            reflect.TypeOf(Root{}),
	ROOT_BACKREF_KEY:         reflect.TypeOf(RootRef{}),
	ROOT_REF_KEY:             reflect.TypeOf(RootRef{}),
	EXTENT_ITEM_KEY:          reflect.TypeOf(Extent{}),
	METADATA_ITEM_KEY:        reflect.TypeOf(Metadata{}),
	TREE_BLOCK_REF_KEY:       reflect.TypeOf(Empty{}),
	EXTENT_DATA_REF_KEY:      reflect.TypeOf(ExtentDataRef{}),
	SHARED_BLOCK_REF_KEY:     reflect.TypeOf(Empty{}),
	SHARED_DATA_REF_KEY:      reflect.TypeOf(SharedDataRef{}),
	BLOCK_GROUP_ITEM_KEY:     reflect.TypeOf(BlockGroup{}),
	FREE_SPACE_INFO_KEY:      reflect.TypeOf(FreeSpaceInfo{}),
	FREE_SPACE_EXTENT_KEY:    reflect.TypeOf(Empty{}),
	FREE_SPACE_BITMAP_KEY:    reflect.TypeOf(FreeSpaceBitmap{}),
	DEV_EXTENT_KEY:           reflect.TypeOf(DevExtent{}),
	DEV_ITEM_KEY:             reflect.TypeOf(Dev{}),
	CHUNK_ITEM_KEY:           reflect.TypeOf(Chunk{}),
	QGROUP_STATUS_KEY:        reflect.TypeOf(QGroupStatus{}),
	QGROUP_INFO_KEY:          reflect.TypeOf(QGroupInfo{}),
	QGROUP_LIMIT_KEY:         reflect.TypeOf(QGroupLimit{}),
	QGROUP_RELATION_KEY:      reflect.TypeOf(Empty{}),
	PERSISTENT_ITEM_KEY:      reflect.TypeOf(DevStats{}),
	UUID_SUBVOL_KEY:          reflect.TypeOf(UUIDMap{}),
	UUID_RECEIVED_SUBVOL_KEY: reflect.TypeOf(UUIDMap{}),
}

// untypedObjID2gotype handles items whose Key.ItemType is UNTYPED_KEY;
// for those, the payload format is instead determined by Key.ObjectID.
var untypedObjID2gotype = map[btrfsprim.ObjID]reflect.Type{
	btrfsprim.FREE_SPACE_OBJECTID: reflect.TypeOf(FreeSpaceHeader{}),
}

// itemPool is the common interface of the per-type *typedsync.Pool[*T]
// values in gotype2pool; it lets UnmarshalItem get a pooled, zeroed Item
// without needing to know T.
type itemPool interface {
	Get() (Item, bool)
}

type typedItemPool[T any] struct {
	pool *typedsync.Pool[*T]
}

func (p typedItemPool[T]) Get() (Item, bool) {
	val, ok := p.pool.Get()
	return any(val).(Item), ok
}

var (
	inodePool           = &typedsync.Pool[*Inode]{New: func() *Inode { return new(Inode) }}
	inodeRefPool        = &typedsync.Pool[*InodeRef]{New: func() *InodeRef { return new(InodeRef) }}
	dirEntryPool        = &typedsync.Pool[*DirEntry]{New: func() *DirEntry { return new(DirEntry) }}
	emptyPool           = &typedsync.Pool[*Empty]{New: func() *Empty { return new(Empty) }}
	fileExtentPool      = &typedsync.Pool[*FileExtent]{New: func() *FileExtent { return new(FileExtent) }}
	extentCSumPool      = &typedsync.Pool[*ExtentCSum]{New: func() *ExtentCSum { return new(ExtentCSum) }}
	rootPool            = &typedsync.Pool[*Root]{New: func() *Root { return new(Root) }}
	rootRefPool         = &typedsync.Pool[*RootRef]{New: func() *RootRef { return new(RootRef) }}
	extentPool          = &typedsync.Pool[*Extent]{New: func() *Extent { return new(Extent) }}
	metadataPool        = &typedsync.Pool[*Metadata]{New: func() *Metadata { return new(Metadata) }}
	extentDataRefPool   = &typedsync.Pool[*ExtentDataRef]{New: func() *ExtentDataRef { return new(ExtentDataRef) }}
	sharedDataRefPool   = &typedsync.Pool[*SharedDataRef]{New: func() *SharedDataRef { return new(SharedDataRef) }}
	blockGroupPool      = &typedsync.Pool[*BlockGroup]{New: func() *BlockGroup { return new(BlockGroup) }}
	freeSpaceInfoPool   = &typedsync.Pool[*FreeSpaceInfo]{New: func() *FreeSpaceInfo { return new(FreeSpaceInfo) }}
	freeSpaceBitmapPool = &typedsync.Pool[*FreeSpaceBitmap]{New: func() *FreeSpaceBitmap { return new(FreeSpaceBitmap) }}
	devExtentPool       = &typedsync.Pool[*DevExtent]{New: func() *DevExtent { return new(DevExtent) }}
	devPool             = &typedsync.Pool[*Dev]{New: func() *Dev { return new(Dev) }}
	chunkPool           = &typedsync.Pool[*Chunk]{New: func() *Chunk { return new(Chunk) }}
	qgroupStatusPool    = &typedsync.Pool[*QGroupStatus]{New: func() *QGroupStatus { return new(QGroupStatus) }}
	qgroupInfoPool      = &typedsync.Pool[*QGroupInfo]{New: func() *QGroupInfo { return new(QGroupInfo) }}
	qgroupLimitPool     = &typedsync.Pool[*QGroupLimit]{New: func() *QGroupLimit { return new(QGroupLimit) }}
	uuidMapPool         = &typedsync.Pool[*UUIDMap]{New: func() *UUIDMap { return new(UUIDMap) }}
	freeSpaceHeaderPool = &typedsync.Pool[*FreeSpaceHeader]{New: func() *FreeSpaceHeader { return new(FreeSpaceHeader) }}
	devStatsPool        = &typedsync.Pool[*DevStats]{New: func() *DevStats { return new(DevStats) }}
	inodeRefsPool       = &typedsync.Pool[*InodeRefs]{New: func() *InodeRefs { return new(InodeRefs) }}
)

var gotype2pool = map[reflect.Type]itemPool{
	reflect.TypeOf(Inode{}):           typedItemPool[Inode]{pool: inodePool},
	reflect.TypeOf(InodeRefs{}):       typedItemPool[InodeRefs]{pool: inodeRefsPool},
	reflect.TypeOf(DirEntry{}):        typedItemPool[DirEntry]{pool: dirEntryPool},
	reflect.TypeOf(Empty{}):           typedItemPool[Empty]{pool: emptyPool},
	reflect.TypeOf(FileExtent{}):      typedItemPool[FileExtent]{pool: fileExtentPool},
	reflect.TypeOf(ExtentCSum{}):      typedItemPool[ExtentCSum]{pool: extentCSumPool},
	reflect.TypeOf(Root{}):            typedItemPool[Root]{pool: rootPool},
	reflect.TypeOf(RootRef{}):         typedItemPool[RootRef]{pool: rootRefPool},
	reflect.TypeOf(Extent{}):          typedItemPool[Extent]{pool: extentPool},
	reflect.TypeOf(Metadata{}):        typedItemPool[Metadata]{pool: metadataPool},
	reflect.TypeOf(ExtentDataRef{}):   typedItemPool[ExtentDataRef]{pool: extentDataRefPool},
	reflect.TypeOf(SharedDataRef{}):   typedItemPool[SharedDataRef]{pool: sharedDataRefPool},
	reflect.TypeOf(BlockGroup{}):      typedItemPool[BlockGroup]{pool: blockGroupPool},
	reflect.TypeOf(FreeSpaceInfo{}):   typedItemPool[FreeSpaceInfo]{pool: freeSpaceInfoPool},
	reflect.TypeOf(FreeSpaceBitmap{}): typedItemPool[FreeSpaceBitmap]{pool: freeSpaceBitmapPool},
	reflect.TypeOf(DevExtent{}):       typedItemPool[DevExtent]{pool: devExtentPool},
	reflect.TypeOf(Dev{}):             typedItemPool[Dev]{pool: devPool},
	reflect.TypeOf(Chunk{}):           typedItemPool[Chunk]{pool: chunkPool},
	reflect.TypeOf(QGroupStatus{}):    typedItemPool[QGroupStatus]{pool: qgroupStatusPool},
	reflect.TypeOf(QGroupInfo{}):      typedItemPool[QGroupInfo]{pool: qgroupInfoPool},
	reflect.TypeOf(QGroupLimit{}):     typedItemPool[QGroupLimit]{pool: qgroupLimitPool},
	reflect.TypeOf(UUIDMap{}):         typedItemPool[UUIDMap]{pool: uuidMapPool},
	reflect.TypeOf(FreeSpaceHeader{}): typedItemPool[FreeSpaceHeader]{pool: freeSpaceHeaderPool},
	reflect.TypeOf(DevStats{}):        typedItemPool[DevStats]{pool: devStatsPool},
}
