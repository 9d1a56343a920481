// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package walk

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfssum"
	"btrfsck.example/btrfsck/lib/btrfstree"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// memTrees is an in-memory btrfstree.Trees backed by a flat byte slice
// indexed directly by LogicalAddr, for tests that need a real
// btrfstree.TreeOperatorImpl but have no device to open. Nodes are
// written with their real MarshalBinary/CalculateChecksum methods, so
// a walk over this fixture exercises the exact same decode path a real
// device would.
type memTrees struct {
	sb      btrfstree.Superblock
	data    []byte
	parents map[btrfsprim.ObjID]btrfsprim.ObjID
	readLog []btrfsvol.LogicalAddr
}

func newMemTrees(sb btrfstree.Superblock, size btrfsvol.LogicalAddr) *memTrees {
	return &memTrees{
		sb:      sb,
		data:    make([]byte, size),
		parents: make(map[btrfsprim.ObjID]btrfsprim.ObjID),
	}
}

func (t *memTrees) Name() string                               { return "memTrees" }
func (t *memTrees) Size() btrfsvol.LogicalAddr                 { return btrfsvol.LogicalAddr(len(t.data)) }
func (t *memTrees) Close() error                               { return nil }
func (t *memTrees) Superblock() (*btrfstree.Superblock, error) { return &t.sb, nil }

func (t *memTrees) ParentTree(treeID btrfsprim.ObjID) (btrfsprim.ObjID, bool) {
	parent, ok := t.parents[treeID]
	return parent, ok
}

func (t *memTrees) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	t.readLog = append(t.readLog, off)
	n := copy(p, t.data[off:])
	return n, nil
}

func (t *memTrees) WriteAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return copy(t.data[off:], p), nil
}

func (t *memTrees) putNode(addr btrfsvol.LogicalAddr, node btrfstree.Node) {
	csum, err := node.CalculateChecksum()
	if err != nil {
		panic(err)
	}
	node.Head.Checksum = csum
	buf, err := node.MarshalBinary()
	if err != nil {
		panic(err)
	}
	copy(t.data[addr:], buf)
}

const testNodeSize = 4096

func newLeaf(owner btrfsprim.ObjID, addr btrfsvol.LogicalAddr, gen btrfsprim.Generation, items []btrfstree.Item) btrfstree.Node {
	return btrfstree.Node{
		Size:         testNodeSize,
		ChecksumType: btrfssum.TYPE_CRC32,
		Head: btrfstree.NodeHeader{
			Addr:       addr,
			Generation: gen,
			Owner:      owner,
			Level:      0,
		},
		BodyLeaf: items,
	}
}

// TestWalkerDedupesSharedLeaf exercises the core guarantee of Walker:
// when a snapshot tree and its parent subvolume share a leaf node (the
// COW case spec §4.3 calls out), Walk reports that leaf's items once
// per owning tree, not once per distinct on-disk read.
func TestWalkerDedupesSharedLeaf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	const (
		rootTreeLeafAddr = btrfsvol.LogicalAddr(0x4000)
		sharedLeafAddr   = btrfsvol.LogicalAddr(0x5000)
		snapshotID       = btrfsprim.ObjID(257)
	)

	fsUUID := btrfsprim.UUID{1}
	sb := btrfstree.Superblock{
		FSUUID:     fsUUID,
		NodeSize:   testNodeSize,
		LeafSize:   testNodeSize,
		RootTree:   rootTreeLeafAddr,
		RootLevel:  0,
		Generation: 1,
	}

	fs := newMemTrees(sb, 0x10000)

	inodeItem := btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: 256, ItemType: btrfsitem.INODE_ITEM_KEY, Offset: 0},
		Body: &btrfsitem.Inode{NLink: 1},
	}
	fs.putNode(sharedLeafAddr, withMetadataUUID(newLeaf(btrfsprim.FS_TREE_OBJECTID, sharedLeafAddr, 1, []btrfstree.Item{inodeItem}), fsUUID))

	rootItems := []btrfstree.Item{
		{
			Key:  btrfsprim.Key{ObjectID: btrfsprim.FS_TREE_OBJECTID, ItemType: btrfsitem.ROOT_ITEM_KEY, Offset: 0},
			Body: &btrfsitem.Root{ByteNr: sharedLeafAddr, Level: 0, Generation: 1},
		},
		{
			Key:  btrfsprim.Key{ObjectID: snapshotID, ItemType: btrfsitem.ROOT_ITEM_KEY, Offset: 0},
			Body: &btrfsitem.Root{ByteNr: sharedLeafAddr, Level: 0, Generation: 1},
		},
	}
	fs.putNode(rootTreeLeafAddr, withMetadataUUID(newLeaf(btrfsprim.ROOT_TREE_OBJECTID, rootTreeLeafAddr, 1, rootItems), fsUUID))

	fs.parents[snapshotID] = btrfsprim.FS_TREE_OBJECTID

	w := NewWalker(btrfstree.TreeOperatorImpl{Trees: fs})

	var treeErrs []string
	var badItems []string
	itemsPerTree := map[btrfsprim.ObjID]int{}
	w.Walk(ctx, []btrfsprim.ObjID{btrfsprim.FS_TREE_OBJECTID, snapshotID}, Callbacks{
		TreeError: func(ctx context.Context, e *btrfstree.TreeError) {
			treeErrs = append(treeErrs, e.Err.Error())
		},
		BadItem: func(ctx context.Context, treeID btrfsprim.ObjID, path btrfstree.TreePath, item btrfstree.Item, err error) {
			badItems = append(badItems, fmt.Sprintf("tree=%v: %v", treeID, err))
		},
		Item: func(ctx context.Context, treeID btrfsprim.ObjID, path btrfstree.TreePath, item btrfstree.Item) {
			itemsPerTree[treeID]++
		},
	})

	require.Empty(t, treeErrs, "tree walk should not error")
	require.Empty(t, badItems, "no item should fail to decode")
	assert.Equal(t, 1, itemsPerTree[btrfsprim.FS_TREE_OBJECTID], "fs tree should see the shared leaf's item once")
	assert.Equal(t, 1, itemsPerTree[snapshotID], "snapshot tree should see the shared leaf's item once, via the cache replay")
}

func withMetadataUUID(node btrfstree.Node, uuid btrfsprim.UUID) btrfstree.Node {
	node.Head.MetadataUUID = uuid
	return node
}
