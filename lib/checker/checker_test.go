// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package checker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfstree"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// fakeTrees satisfies btrfstree.Trees with just enough to let
// NewChecker construct a Checker; Reconcile/CheckFreeSpace/CheckCSums
// only ever touch the accumulator maps, never fs, once Run has
// populated them, so no tree data needs to be readable here.
type fakeTrees struct {
	sb btrfstree.Superblock
}

func (f *fakeTrees) Name() string                                            { return "fake" }
func (f *fakeTrees) Size() btrfsvol.LogicalAddr                              { return 0 }
func (f *fakeTrees) Close() error                                            { return nil }
func (f *fakeTrees) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error)  { return 0, nil }
func (f *fakeTrees) WriteAt(p []byte, off btrfsvol.LogicalAddr) (int, error) { return len(p), nil }
func (f *fakeTrees) Superblock() (*btrfstree.Superblock, error)              { return &f.sb, nil }
func (f *fakeTrees) ParentTree(btrfsprim.ObjID) (btrfsprim.ObjID, bool)      { return 0, false }

func newTestChecker(t *testing.T) *Checker {
	t.Helper()
	c, err := NewChecker(btrfstree.TreeOperatorImpl{Trees: &fakeTrees{sb: btrfstree.Superblock{NodeSize: 4096}}})
	require.NoError(t, err)
	return c
}

func itemAt(tree btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) (btrfsprim.ObjID, btrfstree.Item) {
	return tree, btrfstree.Item{Key: key, Body: body}
}

// TestReconcileExtentRefcountMismatch exercises the refcount
// cross-check directly: an EXTENT_ITEM that declares more refs than
// the fs-tree walk actually found must be flagged.
func TestReconcileExtentRefcountMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestChecker(t)

	tree, item := itemAt(btrfsprim.EXTENT_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: 0x4000, ItemType: btrfsitem.EXTENT_ITEM_KEY, Offset: 0x1000},
		&btrfsitem.Extent{Head: btrfsitem.ExtentHeader{Refs: 2, Generation: 1}})
	c.handleItem(ctx, tree, nil, item)

	report := c.Reconcile(ctx)
	require.False(t, report.Clean())
	found := false
	for _, f := range report.Findings {
		if f.Severity == SeverityError && f.ObjectID == btrfsprim.ObjID(0x4000) && f.Offset == 0x1000 &&
			strings.Contains(f.Message, "declared refs=2 but found 0") {
			found = true
		}
	}
	assert.True(t, found, "expected a declared/found refcount mismatch finding, got: %v", report.Findings)
}

// TestReconcileExtentBalanced confirms the converse: when the fs tree
// backs an extent's declared refcount exactly, Reconcile reports
// nothing about it.
func TestReconcileExtentBalanced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestChecker(t)

	const (
		subvolID = btrfsprim.ObjID(5)
		extStart = btrfsvol.LogicalAddr(0x4000)
		extLen   = btrfsvol.AddrDelta(0x1000)
	)

	// The file extent and its data backref both want the owning
	// inode's INODE_ITEM, so the fixture includes it.
	_, inodeItem := itemAt(subvolID,
		btrfsprim.Key{ObjectID: 256, ItemType: btrfsitem.INODE_ITEM_KEY, Offset: 0},
		&btrfsitem.Inode{})
	c.handleItem(ctx, subvolID, nil, inodeItem)

	_, fileExtentItem := itemAt(subvolID,
		btrfsprim.Key{ObjectID: 256, ItemType: btrfsitem.EXTENT_DATA_KEY, Offset: 0},
		&btrfsitem.FileExtent{
			Type: btrfsitem.FILE_EXTENT_REG,
			BodyExtent: btrfsitem.FileExtentExtent{
				DiskByteNr:   extStart,
				DiskNumBytes: extLen,
				NumBytes:     int64(extLen),
			},
		})
	c.handleItem(ctx, subvolID, nil, fileExtentItem)

	_, extItem := itemAt(btrfsprim.EXTENT_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: btrfsprim.ObjID(extStart), ItemType: btrfsitem.EXTENT_ITEM_KEY, Offset: uint64(extLen)},
		&btrfsitem.Extent{
			Head: btrfsitem.ExtentHeader{Refs: 1, Generation: 1},
			Refs: []btrfsitem.ExtentInlineRef{{Type: btrfsitem.EXTENT_DATA_REF_KEY, Body: btrfsitem.ExtentDataRef{Root: subvolID, ObjectID: 256, Offset: 0, Count: 1}}},
		})
	c.handleItem(ctx, btrfsprim.EXTENT_TREE_OBJECTID, nil, extItem)

	report := c.Reconcile(ctx)
	assert.True(t, report.Clean(), "balanced extent should produce no findings, got: %v", report.Findings)
}

// TestReconcileInodeNlinkMismatch exercises the inode/dirent
// cross-check: an INODE_ITEM claiming more links than the walk found
// DIR_ITEM/DIR_INDEX/INODE_REF triples for must be flagged.
func TestReconcileInodeNlinkMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestChecker(t)

	const subvolID = btrfsprim.ObjID(5)
	_, inodeItem := itemAt(subvolID,
		btrfsprim.Key{ObjectID: 256, ItemType: btrfsitem.INODE_ITEM_KEY, Offset: 0},
		&btrfsitem.Inode{NLink: 2})
	c.handleItem(ctx, subvolID, nil, inodeItem)

	report := c.Reconcile(ctx)
	require.False(t, report.Clean())
	var msg string
	for _, f := range report.Findings {
		msg = f.Message
	}
	assert.Contains(t, msg, "inode nlink=2 but found 0 hardlinks")
}

// TestReconcileRootReachability exercises the iterative ROOT_REF walk
// (not just a one-hop check): a snapshot root-item is only reachable
// when every intermediate subvolume in its ROOT_REF chain is itself
// both present and reachable back to FS_TREE_OBJECTID.
func TestReconcileRootReachability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	const (
		intermediateID = btrfsprim.ObjID(257)
		leafID         = btrfsprim.ObjID(258)
	)

	t.Run("reachable through a live intermediate subvolume", func(t *testing.T) {
		c := newTestChecker(t)
		addRootRef(c, ctx, btrfsprim.FS_TREE_OBJECTID, intermediateID, "snap1")
		addRootItem(c, ctx, intermediateID)
		addRootRef(c, ctx, intermediateID, leafID, "snap2")
		addRootItem(c, ctx, leafID)

		report := c.Reconcile(ctx)
		assert.True(t, report.Clean(), "chain through a found, reachable intermediate should not be flagged; got: %v", report.Findings)
	})

	t.Run("unreachable when the chain breaks above a live intermediate", func(t *testing.T) {
		c := newTestChecker(t)
		// intermediateID has a ROOT_ITEM and a perfectly matched
		// ROOT_REF/ROOT_BACKREF pair to leafID, but nothing links
		// FS_TREE_OBJECTID to intermediateID itself.
		addRootItem(c, ctx, intermediateID)
		addRootRef(c, ctx, intermediateID, leafID, "snap2")
		addRootItem(c, ctx, leafID)

		report := c.Reconcile(ctx)
		require.False(t, report.Clean())
		var sawUnreachableIntermediate, sawUnreachableLeaf bool
		for _, f := range report.Findings {
			if f.ObjectID == intermediateID {
				sawUnreachableIntermediate = true
			}
			if f.ObjectID == leafID {
				sawUnreachableLeaf = true
			}
		}
		assert.True(t, sawUnreachableIntermediate, "intermediate with no path back to FS_TREE_OBJECTID should be flagged unreachable")
		assert.True(t, sawUnreachableLeaf, "leaf root's own ROOT_REF/ROOT_BACKREF pair is satisfied, so a one-hop check would miss that it hangs off an unreachable intermediate")
	})
}

func addRootRef(c *Checker, ctx context.Context, parent, child btrfsprim.ObjID, name string) {
	_, ref := itemAt(btrfsprim.ROOT_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: parent, ItemType: btrfsitem.ROOT_REF_KEY, Offset: uint64(child)},
		&btrfsitem.RootRef{Name: []byte(name)})
	c.handleItem(ctx, btrfsprim.ROOT_TREE_OBJECTID, nil, ref)

	_, backref := itemAt(btrfsprim.ROOT_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: child, ItemType: btrfsitem.ROOT_BACKREF_KEY, Offset: uint64(parent)},
		&btrfsitem.RootRef{Name: []byte(name)})
	c.handleItem(ctx, btrfsprim.ROOT_TREE_OBJECTID, nil, backref)
}

func addRootItem(c *Checker, ctx context.Context, treeID btrfsprim.ObjID) {
	_, item := itemAt(btrfsprim.ROOT_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: treeID, ItemType: btrfsitem.ROOT_ITEM_KEY, Offset: 0},
		&btrfsitem.Root{})
	c.handleItem(ctx, btrfsprim.ROOT_TREE_OBJECTID, nil, item)
}
