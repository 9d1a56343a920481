// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"
	"io"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfstree"
	"btrfsck.example/btrfsck/lib/btrfsvol"
	"btrfsck.example/btrfsck/lib/diskio"
)

// FS is the concrete implementation of btrfstree.Trees: a logical volume
// (possibly multi-device) plus the chunk-tree mapping needed to resolve
// logical addresses, and the superblock and ParentTree lookups the tree
// layer needs. This is the only piece of §6.2's "device layer, provided
// externally" that this module actually implements — map_block/num_copies
// live in btrfsvol.LogicalVolume, open_fs/sb_offset live here.
type FS struct {
	LV btrfsvol.LogicalVolume[*Device]

	// PreferredMirror selects which superblock copy (spec §6.1's `-s N`)
	// Superblock treats as authoritative; every other readable copy is
	// still cross-checked against it. Zero value is mirror 0, the
	// ordinary case.
	PreferredMirror int

	cacheSuperblocks []*diskio.Ref[btrfsvol.PhysicalAddr, btrfstree.Superblock]
	cacheSuperblock  *btrfstree.Superblock
}

var _ btrfstree.Trees = (*FS)(nil)

// AddDevice opens one more device into the volume and folds its chunk
// entries (first the superblock's bootstrap array, then the chunk tree
// proper) into the logical->physical mapping.
func (fs *FS) AddDevice(ctx context.Context, dev *Device) error {
	sb, err := dev.Superblock()
	if err != nil {
		return err
	}
	if err := fs.LV.AddPhysicalVolume(sb.DevItem.DevID, dev); err != nil {
		return err
	}
	fs.cacheSuperblocks = nil
	fs.cacheSuperblock = nil
	if err := fs.initDev(ctx, *sb); err != nil {
		dlog.Errorf(ctx, "btrfs: AddDevice: %q: %v", dev.Name(), err)
	}
	return nil
}

func (fs *FS) Name() string {
	if name := fs.LV.Name(); name != "" {
		return name
	}
	sb, err := fs.Superblock()
	if err != nil {
		return "fs_uuid=(unreadable)"
	}
	name := fmt.Sprintf("fs_uuid=%v", sb.FSUUID)
	fs.LV.SetName(name)
	return name
}

func (fs *FS) Size() btrfsvol.LogicalAddr { return fs.LV.Size() }

func (fs *FS) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) { return fs.LV.ReadAt(p, off) }

func (fs *FS) WriteAt(p []byte, off btrfsvol.LogicalAddr) (int, error) { return fs.LV.WriteAt(p, off) }

// Superblocks returns every readable superblock copy across every
// attached device.
func (fs *FS) Superblocks() ([]*diskio.Ref[btrfsvol.PhysicalAddr, btrfstree.Superblock], error) {
	if fs.cacheSuperblocks != nil {
		return fs.cacheSuperblocks, nil
	}
	var ret []*diskio.Ref[btrfsvol.PhysicalAddr, btrfstree.Superblock]
	devs := fs.LV.PhysicalVolumes()
	if len(devs) == 0 {
		return nil, fmt.Errorf("no devices")
	}
	for _, dev := range devs {
		sbs, err := dev.Superblocks()
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", dev.Name(), err)
		}
		ret = append(ret, sbs...)
	}
	fs.cacheSuperblocks = ret
	return ret, nil
}

// Superblock implements btrfstree.Trees: PreferredMirror's copy of the
// first device, cross-checked against every other readable mirror.
func (fs *FS) Superblock() (*btrfstree.Superblock, error) {
	if fs.cacheSuperblock != nil {
		return fs.cacheSuperblock, nil
	}
	sbs, err := fs.Superblocks()
	if err != nil {
		return nil, err
	}
	if len(sbs) == 0 {
		return nil, fmt.Errorf("no superblocks")
	}
	base := fs.PreferredMirror
	if base < 0 || base >= len(sbs) {
		base = 0
	}

	fname := ""
	sbi := 0
	for i, sb := range sbs {
		if sb.File.Name() != fname {
			fname = sb.File.Name()
			sbi = 0
		} else {
			sbi++
		}
		if err := sb.Data.ValidateChecksum(); err != nil {
			return nil, fmt.Errorf("file %q superblock %v: %w", sb.File.Name(), sbi, err)
		}
		if i != base && !sb.Data.Equal(sbs[base].Data) {
			return nil, fmt.Errorf("file %q superblock %v and file %q superblock %v disagree",
				sbs[base].File.Name(), base, sb.File.Name(), sbi)
		}
	}

	fs.cacheSuperblock = &sbs[base].Data
	return &sbs[base].Data, nil
}

// ReInit rebuilds the logical->physical mapping from scratch, used by
// check's --init-extent-tree/--init-csum-tree paths once they've
// invalidated cached chunk-tree reads.
func (fs *FS) ReInit(ctx context.Context) error {
	fs.LV.ClearMappings()
	for _, dev := range fs.LV.PhysicalVolumes() {
		sb, err := dev.Superblock()
		if err != nil {
			return fmt.Errorf("file %q: %w", dev.Name(), err)
		}
		if err := fs.initDev(ctx, *sb); err != nil {
			return fmt.Errorf("file %q: %w", dev.Name(), err)
		}
	}
	return nil
}

func (fs *FS) initDev(ctx context.Context, sb btrfstree.Superblock) error {
	syschunks, err := sb.ParseSysChunkArray()
	if err != nil {
		return err
	}
	for _, chunk := range syschunks {
		for _, mapping := range chunk.Chunk.Mappings(chunk.Key) {
			if err := fs.LV.AddMapping(mapping); err != nil {
				return err
			}
		}
	}
	var errs derror.MultiError
	btrfstree.TreeOperatorImpl{Trees: fs}.TreeWalk(ctx, btrfsprim.CHUNK_TREE_OBJECTID,
		func(terr *btrfstree.TreeError) {
			errs = append(errs, terr)
		},
		btrfstree.TreeWalkHandler{
			Item: func(_ btrfstree.TreePath, item btrfstree.Item) error {
				if item.Key.ItemType != btrfsitem.CHUNK_ITEM_KEY {
					return nil
				}
				switch itemBody := item.Body.(type) {
				case *btrfsitem.Chunk:
					for _, mapping := range itemBody.Mappings(item.Key) {
						if err := fs.LV.AddMapping(mapping); err != nil {
							errs = append(errs, err)
						}
					}
				case *btrfsitem.Error:
					// already recorded by the walk itself
				}
				return nil
			},
		},
	)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ParentTree implements btrfstree.Trees: it looks up tree's ROOT_BACKREF
// item in the root tree, whose key offset is the owning parent tree ID.
// Trees outside the free-objectid range (well-known trees) have no
// parent by definition.
func (fs *FS) ParentTree(tree btrfsprim.ObjID) (btrfsprim.ObjID, bool) {
	if tree < btrfsprim.FIRST_FREE_OBJECTID || tree > btrfsprim.LAST_FREE_OBJECTID {
		return 0, true
	}
	item, err := btrfstree.TreeOperatorImpl{Trees: fs}.TreeSearch(btrfsprim.ROOT_TREE_OBJECTID,
		func(key btrfsprim.Key, _ uint32) int {
			switch {
			case key.ObjectID != tree:
				if key.ObjectID < tree {
					return -1
				}
				return 1
			case key.ItemType != btrfsitem.ROOT_BACKREF_KEY:
				if key.ItemType < btrfsitem.ROOT_BACKREF_KEY {
					return -1
				}
				return 1
			default:
				return 0
			}
		})
	if err != nil || item.Key.ObjectID != tree || item.Key.ItemType != btrfsitem.ROOT_BACKREF_KEY {
		return 0, false
	}
	return btrfsprim.ObjID(item.Key.Offset), true
}

func (fs *FS) Close() error { return fs.LV.Close() }

var _ io.Closer = (*FS)(nil)
