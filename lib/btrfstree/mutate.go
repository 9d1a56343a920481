// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"fmt"
	"sort"

	"btrfsck.example/btrfsck/lib/binstruct"
	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfsvol"
	"btrfsck.example/btrfsck/lib/diskio"
)

// TreeSearchNode is like TreeSearch, but also returns the leaf node the
// matched item lives in (and the path to it), for callers that need to
// mutate the node afterward with InsertItem, DeleteItem, UpdateItemBody,
// and WriteNode.
func (fs TreeOperatorImpl) TreeSearchNode(treeID btrfsprim.ObjID, fn func(btrfsprim.Key, uint32) int) (TreePath, *diskio.Ref[btrfsvol.LogicalAddr, Node], error) {
	sb, err := fs.Superblock()
	if err != nil {
		return nil, nil, err
	}
	treeRoot, err := fs.LookupTreeRoot(*sb, treeID)
	if err != nil {
		return nil, nil, err
	}
	return fs.treeSearch(*treeRoot, fn)
}

// WriteNode re-marshals node.Data, recalculates its checksum, and writes
// it back to node.Addr. It does not relocate the node or change its
// size; the caller is responsible for ensuring node.Data still fits
// within node.Data.Size (see Node.LeafFreeSpace, InsertItem), and for
// having opened fs read-write — an offline repair pass writes a node in
// place, at the address it was read from: unlike a live mount, nothing
// else holds a reference to the old copy that a concurrent reader might
// still need, so there is no COW-to-a-new-address or generation bump to
// do, only a recalculated checksum.
func WriteNode(fs Trees, node *diskio.Ref[btrfsvol.LogicalAddr, Node]) error {
	csum, err := node.Data.CalculateChecksum()
	if err != nil {
		return fmt.Errorf("btrfstree.WriteNode: %w", err)
	}
	node.Data.Head.Checksum = csum
	buf, err := node.Data.MarshalBinary()
	if err != nil {
		return fmt.Errorf("btrfstree.WriteNode: %w", err)
	}
	if _, err := fs.WriteAt(buf, node.Addr); err != nil {
		return fmt.Errorf("btrfstree.WriteNode: %w", err)
	}
	return nil
}

// InsertItem inserts item into leaf, keeping leaf.BodyLeaf in key order.
// It is an error for leaf to already have an item with the same key, or
// for there to not be enough free space to hold it — this tool never
// splits a leaf to make room, so an insert that doesn't fit must be
// reported as unapplied by the caller rather than attempted across
// multiple nodes (see lib/checker/repair.go and DESIGN.md).
func InsertItem(leaf *Node, item Item) error {
	if leaf.Head.Level != 0 {
		return fmt.Errorf("btrfstree.InsertItem: node is level=%v, not a leaf", leaf.Head.Level)
	}
	bs, err := binstruct.Marshal(item.Body)
	if err != nil {
		return fmt.Errorf("btrfstree.InsertItem: %w", err)
	}
	need := uint32(binstruct.StaticSize(ItemHeader{})) + uint32(len(bs))
	if free := leaf.LeafFreeSpace(); need > free {
		return fmt.Errorf("btrfstree.InsertItem: not enough free space in leaf: need %v bytes, have %v", need, free)
	}

	idx := sort.Search(len(leaf.BodyLeaf), func(i int) bool {
		return leaf.BodyLeaf[i].Key.Compare(item.Key) >= 0
	})
	if idx < len(leaf.BodyLeaf) && leaf.BodyLeaf[idx].Key == item.Key {
		return fmt.Errorf("btrfstree.InsertItem: leaf already has an item with key %v", item.Key)
	}
	item.BodySize = uint32(len(bs))
	leaf.BodyLeaf = append(leaf.BodyLeaf, Item{})
	copy(leaf.BodyLeaf[idx+1:], leaf.BodyLeaf[idx:])
	leaf.BodyLeaf[idx] = item
	return nil
}

// DeleteItem removes the item with the given key from leaf.
func DeleteItem(leaf *Node, key btrfsprim.Key) error {
	if leaf.Head.Level != 0 {
		return fmt.Errorf("btrfstree.DeleteItem: node is level=%v, not a leaf", leaf.Head.Level)
	}
	for i, it := range leaf.BodyLeaf {
		if it.Key == key {
			leaf.BodyLeaf = append(leaf.BodyLeaf[:i], leaf.BodyLeaf[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("btrfstree.DeleteItem: leaf has no item with key %v", key)
}

// UpdateItemBody replaces, in place, the body of the item with the
// given key. The new body must marshal to the same byte length as the
// old one — this tool changes the values an item encodes (e.g. an
// EXTENT_ITEM's refcount), never its on-disk shape, so there is never a
// need to shift neighboring items to make room.
func UpdateItemBody(leaf *Node, key btrfsprim.Key, body btrfsitem.Item) error {
	if leaf.Head.Level != 0 {
		return fmt.Errorf("btrfstree.UpdateItemBody: node is level=%v, not a leaf", leaf.Head.Level)
	}
	for i := range leaf.BodyLeaf {
		if leaf.BodyLeaf[i].Key != key {
			continue
		}
		oldBs, err := binstruct.Marshal(leaf.BodyLeaf[i].Body)
		if err != nil {
			return fmt.Errorf("btrfstree.UpdateItemBody: %w", err)
		}
		newBs, err := binstruct.Marshal(body)
		if err != nil {
			return fmt.Errorf("btrfstree.UpdateItemBody: %w", err)
		}
		if len(newBs) != len(oldBs) {
			return fmt.Errorf("btrfstree.UpdateItemBody: new body is %v bytes but old body is %v bytes; resizing an item in place is not supported",
				len(newBs), len(oldBs))
		}
		leaf.BodyLeaf[i].Body = body
		leaf.BodyLeaf[i].BodySize = uint32(len(newBs))
		return nil
	}
	return fmt.Errorf("btrfstree.UpdateItemBody: leaf has no item with key %v", key)
}
