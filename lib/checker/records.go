// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package checker implements the offline consistency checker: it
// accumulates the in-memory working sets described for a check run (an
// inode/dir record per inode, an extent record per allocated extent,
// free-space and checksum coverage), cross-references them against
// what btrfscheck.HandleItem says every item should imply exists, and
// reports (or, for the extent tree, plans a repair for) whatever
// doesn't line up.
package checker

import (
	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// backrefKind distinguishes the two backref shapes a tree block or
// data extent can be referenced by: a plain tree/data ref (identified
// by the referencing root) or a "full" ref (identified by the
// referencing parent tree-block/inode directly, used once an extent
// has fanned out to enough owners that per-root refs stop being
// tracked individually).
type backrefKind uint8

const (
	backrefTree backrefKind = iota
	backrefData
)

// backref is one entry of an extentRecord's declared-or-found backref
// list; see spec §3.2's `backref` tagged variant.
type backref struct {
	Kind      backrefKind
	Full      bool // Parent identifies a tree-block/inode directly rather than a root
	Parent    btrfsprim.ObjID
	Root      btrfsprim.ObjID
	Owner     btrfsprim.ObjID // Data only: inode number
	FileOff   int64           // Data only: byte offset within the file
	NumBytes  btrfsvol.AddrDelta
	NumRefs   int32
	FoundRef  bool // seen while walking the fs trees (found_ref)
	FoundDecl bool // seen as an inline/standalone ref in the extent tree (found_extent_tree)
}

// extentRecord is the per-(start,length) accumulator of spec §3.2.
type extentRecord struct {
	Start      btrfsvol.LogicalAddr
	Len        btrfsvol.AddrDelta
	Metadata   bool
	Generation btrfsprim.Generation
	// ItemKey is the key of the EXTENT_ITEM/METADATA_ITEM that declared
	// this extent, kept around so a repair can find it again to fix up
	// its refcount without having to re-derive the METADATA_ITEM's
	// skinny-level Offset field.
	ItemKey btrfsprim.Key

	// DeclaredRefs is the refcount the extent tree's EXTENT_ITEM/
	// METADATA_ITEM claims (extent_item_refs).
	DeclaredRefs int64
	// FoundRefs is the refcount derived from walking the fs trees
	// (refs).
	FoundRefs int64

	Backrefs []backref
}

func (rec *extentRecord) balanced() bool {
	if rec.FoundRefs != rec.DeclaredRefs {
		return false
	}
	for _, bref := range rec.Backrefs {
		if bref.FoundRef != bref.FoundDecl {
			return false
		}
	}
	return true
}

// inodeBackref is one (dir, name) link record; spec §3.2's
// `inode_backref`.
type inodeBackref struct {
	Dir           btrfsprim.ObjID
	Index         uint64
	Name          string
	FileType      btrfsitem.FileType
	FoundDirItem  bool
	FoundDirIndex bool
	FoundInodeRef bool
}

// inodeRecord is the per-inode accumulator; spec §3.2's `inode_record`.
type inodeRecord struct {
	Ino       btrfsprim.ObjID
	NLink     int32 // declared, from the INODE_ITEM
	FoundLink int32 // number of inodeBackrefs fully found
	ISize     int64
	Nbytes    int64

	SeenItem bool // an INODE_ITEM was found for this inode

	ExtentStart    int64
	ExtentEnd      int64
	FirstExtentGap int64
	HasExtentGap   bool

	NoDataSum bool

	Backrefs []*inodeBackref
	Errors   []string
}

func (rec *inodeRecord) backref(dir btrfsprim.ObjID, name string) *inodeBackref {
	for _, b := range rec.Backrefs {
		if b.Dir == dir && b.Name == name {
			return b
		}
	}
	b := &inodeBackref{Dir: dir, Name: name}
	rec.Backrefs = append(rec.Backrefs, b)
	return b
}

// rootBackref is the cross-tree analogue of inodeBackref: one ROOT_REF
// linking a parent subvolume to a child snapshot/subvolume.
type rootBackref struct {
	Parent       btrfsprim.ObjID
	DirID        btrfsprim.ObjID
	Sequence     int64
	Name         string
	FoundRootRef bool
	FoundBackref bool
}

// rootRecord is the per-tree-ID accumulator; spec §3.2's `root_record`.
type rootRecord struct {
	TreeID     btrfsprim.ObjID
	Found      bool // a ROOT_ITEM was found for this tree ID
	Referenced bool // a ROOT_REF/ROOT_BACKREF names this tree as a child
	HasOrphan  bool // a root-tree ORPHAN_ITEM marks this tree pending deletion
	Backrefs   []*rootBackref
}
