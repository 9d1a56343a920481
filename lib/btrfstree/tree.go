// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"

	"github.com/datawire/dlib/derror"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfsvol"
	"btrfsck.example/btrfsck/lib/containers"
	"btrfsck.example/btrfsck/lib/diskio"
)

// TreeRoot identifies where a tree's root node lives; it's a simplified
// stand-in for a btrfsitem.Root, returned by LookupTreeRoot for either a
// well-known tree (taken straight from the superblock) or an ordinary
// subvolume/reloc tree (looked up in the root tree).
type TreeRoot struct {
	TreeID     btrfsprim.ObjID
	RootNode   btrfsvol.LogicalAddr
	Level      uint8
	Generation btrfsprim.Generation
}

// Trees is the external interface (§6.2) the tree layer needs from whatever
// holds the device/chunk-mapping state: logical-address random access to
// node bytes, the superblock, and enough of the root tree's shape to
// resolve a tree's owning parent (for backref/owner sanity checks during
// COW).
type Trees interface {
	diskio.File[btrfsvol.LogicalAddr]
	Superblock() (*Superblock, error)
	ParentTree(treeID btrfsprim.ObjID) (btrfsprim.ObjID, bool)
}

// LookupTreeRoot resolves a tree ID to the address/level/generation of its
// root node. The four trees that are anchored directly in the superblock
// are returned without a search; everything else is an ordinary ROOT_ITEM
// looked up in the root tree (which, being ROOT_TREE_OBJECTID itself, is
// the base case above and doesn't recurse).
func (fs TreeOperatorImpl) LookupTreeRoot(sb Superblock, treeID btrfsprim.ObjID) (*TreeRoot, error) {
	switch treeID {
	case btrfsprim.ROOT_TREE_OBJECTID:
		return &TreeRoot{
			TreeID:     treeID,
			RootNode:   sb.RootTree,
			Level:      sb.RootLevel,
			Generation: sb.Generation,
		}, nil
	case btrfsprim.CHUNK_TREE_OBJECTID:
		return &TreeRoot{
			TreeID:     treeID,
			RootNode:   sb.ChunkTree,
			Level:      sb.ChunkLevel,
			Generation: sb.ChunkRootGeneration,
		}, nil
	case btrfsprim.TREE_LOG_OBJECTID:
		return &TreeRoot{
			TreeID:     treeID,
			RootNode:   sb.LogTree,
			Level:      sb.LogLevel,
			Generation: sb.Generation,
		}, nil
	case btrfsprim.BLOCK_GROUP_TREE_OBJECTID:
		return &TreeRoot{
			TreeID:     treeID,
			RootNode:   sb.BlockGroupRoot,
			Level:      sb.BlockGroupRootLevel,
			Generation: sb.BlockGroupRootGeneration,
		}, nil
	default:
		item, err := fs.TreeSearch(btrfsprim.ROOT_TREE_OBJECTID, KeySearch(func(key btrfsprim.Key) int {
			return (btrfsprim.Key{
				ObjectID: treeID,
				ItemType: btrfsitem.ROOT_ITEM_KEY,
				Offset:   0,
			}).Compare(key)
		}))
		if err != nil {
			return nil, err
		}
		rootItem, ok := item.Body.(*btrfsitem.Root)
		if !ok {
			return nil, fmt.Errorf("malformed ROOT_ITEM for tree %v", treeID)
		}
		return &TreeRoot{
			TreeID:     treeID,
			RootNode:   rootItem.ByteNr,
			Level:      rootItem.Level,
			Generation: rootItem.Generation,
		}, nil
	}
}

// TreeWalkHandler holds the callbacks for TreeWalk (C4's single-tree
// primitive; the shared-subtree-aware multi-tree walker in lib/walk calls
// down into this per tree). Any callback may return iofs.SkipDir to stop
// descending into the current subtree without treating it as an error.
type TreeWalkHandler struct {
	PreNode        func(TreePath) error
	Node           func(TreePath, *diskio.Ref[btrfsvol.LogicalAddr, Node]) error
	BadNode        func(TreePath, *diskio.Ref[btrfsvol.LogicalAddr, Node], error) error
	PostNode       func(TreePath, *diskio.Ref[btrfsvol.LogicalAddr, Node]) error
	PreKeyPointer  func(TreePath, KeyPointer) error
	PostKeyPointer func(TreePath, KeyPointer) error
	Item           func(TreePath, Item) error
	BadItem        func(TreePath, Item, error) error
}

// TreeError is a fault encountered at a specific point in a tree walk.
type TreeError struct {
	Path TreePath
	Err  error
}

func (e *TreeError) Unwrap() error { return e.Err }
func (e *TreeError) Error() string {
	return fmt.Sprintf("%v: %v", e.Path, e.Err)
}

// TreeOperatorImpl implements the single-tree read operations (TreeWalk,
// TreeSearch, TreeLookup, prev/next leaf navigation) on top of a Trees
// device-layer source. It holds no tree-specific state; every method takes
// the tree ID or root explicitly, so a single TreeOperatorImpl serves all
// trees in the filesystem (the "Forrest" of spec §4.3).
type TreeOperatorImpl struct {
	Trees
}

func (fs TreeOperatorImpl) TreeWalk(ctx context.Context, treeID btrfsprim.ObjID, errHandle func(*TreeError), cbs TreeWalkHandler) {
	sb, err := fs.Superblock()
	if err != nil {
		errHandle(&TreeError{Path: TreePath{{FromTree: treeID, FromItemSlot: -1, ToMaxKey: btrfsprim.MaxKey}}, Err: err})
		return
	}
	rootInfo, err := fs.LookupTreeRoot(*sb, treeID)
	if err != nil {
		errHandle(&TreeError{Path: TreePath{{FromTree: treeID, FromItemSlot: -1, ToMaxKey: btrfsprim.MaxKey}}, Err: err})
		return
	}
	fs.RawTreeWalk(ctx, *rootInfo, errHandle, cbs)
}

func (fs TreeOperatorImpl) RawTreeWalk(ctx context.Context, rootInfo TreeRoot, errHandle func(*TreeError), cbs TreeWalkHandler) {
	path := TreePath{{
		FromTree:         rootInfo.TreeID,
		FromItemSlot:     -1,
		ToNodeAddr:       rootInfo.RootNode,
		ToNodeGeneration: rootInfo.Generation,
		ToNodeLevel:      rootInfo.Level,
		ToMaxKey:         btrfsprim.MaxKey,
	}}
	fs.treeWalk(ctx, path, errHandle, cbs)
}

func (fs TreeOperatorImpl) treeWalk(ctx context.Context, path TreePath, errHandle func(*TreeError), cbs TreeWalkHandler) {
	if ctx.Err() != nil {
		return
	}
	if path.Node(-1).ToNodeAddr == 0 {
		return
	}

	if cbs.PreNode != nil {
		if err := cbs.PreNode(path); err != nil {
			if errors.Is(err, iofs.SkipDir) {
				return
			}
			errHandle(&TreeError{Path: path, Err: err})
		}
	}

	sb, err := fs.Superblock()
	if err != nil {
		errHandle(&TreeError{Path: path, Err: err})
		return
	}

	owner := path.Node(-1).FromTree
	node, err := ReadNode[btrfsvol.LogicalAddr](fs, *sb, path.Node(-1).ToNodeAddr, NodeExpectations{
		LAddr:      containers.Optional[btrfsvol.LogicalAddr]{OK: true, Val: path.Node(-1).ToNodeAddr},
		Level:      containers.Optional[uint8]{OK: true, Val: path.Node(-1).ToNodeLevel},
		Generation: containers.Optional[btrfsprim.Generation]{OK: true, Val: path.Node(-1).ToNodeGeneration},
		Owner: func(gotOwner btrfsprim.ObjID) error {
			for {
				if gotOwner == owner {
					return nil
				}
				var ok bool
				owner, ok = fs.ParentTree(owner)
				if !ok {
					return fmt.Errorf("expected owner=%v but claims to have owner=%v", path.Node(-1).FromTree, gotOwner)
				}
			}
		},
	})
	if err != nil {
		if cbs.BadNode != nil {
			err = cbs.BadNode(path, node, err)
		}
		if err != nil {
			errHandle(&TreeError{Path: path, Err: err})
		}
		if node == nil {
			return
		}
	}

	if cbs.Node != nil {
		if err := cbs.Node(path, node); err != nil {
			if errors.Is(err, iofs.SkipDir) {
				return
			}
			errHandle(&TreeError{Path: path, Err: err})
			return
		}
	}

	if node.Data.Head.Level > 0 {
		for i, item := range node.Data.BodyInternal {
			itemPath := append(path.DeepCopy(), TreePathElem{
				FromTree:         path.Node(-1).FromTree,
				FromItemSlot:     i,
				ToNodeAddr:       item.BlockPtr,
				ToNodeGeneration: item.Generation,
				ToNodeLevel:      node.Data.Head.Level - 1,
				ToKey:            item.Key,
				ToMaxKey:         path.Node(-1).ToMaxKey,
			})
			if i+1 < len(node.Data.BodyInternal) {
				itemPath.Node(-1).ToMaxKey = node.Data.BodyInternal[i+1].Key.Mm()
			}
			if cbs.PreKeyPointer != nil {
				if err := cbs.PreKeyPointer(itemPath, item); err != nil {
					if errors.Is(err, iofs.SkipDir) {
						continue
					}
					errHandle(&TreeError{Path: itemPath, Err: err})
				}
			}
			fs.treeWalk(ctx, itemPath, errHandle, cbs)
			if cbs.PostKeyPointer != nil {
				if err := cbs.PostKeyPointer(itemPath, item); err != nil {
					errHandle(&TreeError{Path: itemPath, Err: err})
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	} else {
		for i, item := range node.Data.BodyLeaf {
			itemPath := append(path.DeepCopy(), TreePathElem{
				FromTree:     path.Node(-1).FromTree,
				FromItemSlot: i,
				ToKey:        item.Key,
				ToMaxKey:     item.Key,
			})
			if badItem, isErr := item.Body.(*btrfsitem.Error); isErr && cbs.BadItem != nil {
				if err := cbs.BadItem(itemPath, item, badItem.Err); err != nil {
					errHandle(&TreeError{Path: itemPath, Err: err})
				}
			} else if cbs.Item != nil {
				if err := cbs.Item(itemPath, item); err != nil {
					errHandle(&TreeError{Path: itemPath, Err: err})
				}
			}
		}
	}

	if cbs.PostNode != nil {
		if err := cbs.PostNode(path, node); err != nil {
			errHandle(&TreeError{Path: path, Err: err})
		}
	}
}

// treeSearch runs a binary search (as btrfs_search_slot does, minus the COW
// side) down from a tree's root, returning the path to either the matching
// leaf item or where it would be inserted.
func (fs TreeOperatorImpl) treeSearch(treeRoot TreeRoot, fn func(btrfsprim.Key, uint32) int) (TreePath, *diskio.Ref[btrfsvol.LogicalAddr, Node], error) {
	sb, err := fs.Superblock()
	if err != nil {
		return nil, nil, err
	}

	path := TreePath{{
		FromTree:         treeRoot.TreeID,
		FromItemSlot:     -1,
		ToNodeAddr:       treeRoot.RootNode,
		ToNodeGeneration: treeRoot.Generation,
		ToNodeLevel:      treeRoot.Level,
		ToMaxKey:         btrfsprim.MaxKey,
	}}

	owner := treeRoot.TreeID
	for {
		node, err := ReadNode[btrfsvol.LogicalAddr](fs, *sb, path.Node(-1).ToNodeAddr, NodeExpectations{
			LAddr: containers.Optional[btrfsvol.LogicalAddr]{OK: true, Val: path.Node(-1).ToNodeAddr},
			Level: containers.Optional[uint8]{OK: true, Val: path.Node(-1).ToNodeLevel},
			Owner: func(gotOwner btrfsprim.ObjID) error {
				for {
					if gotOwner == owner {
						return nil
					}
					var ok bool
					owner, ok = fs.ParentTree(owner)
					if !ok {
						return fmt.Errorf("expected owner in tree %v but claims to have owner=%v", treeRoot.TreeID, gotOwner)
					}
				}
			},
		})
		if err != nil {
			return path, node, err
		}

		if node.Data.Head.Level > 0 {
			items := node.Data.BodyInternal
			lastGood := 0
			for i, item := range items {
				if fn(item.Key, 0) > 0 {
					break
				}
				lastGood = i
			}
			childPath := append(path.DeepCopy(), TreePathElem{
				FromTree:         path.Node(-1).FromTree,
				FromItemSlot:     lastGood,
				ToNodeAddr:       items[lastGood].BlockPtr,
				ToNodeGeneration: items[lastGood].Generation,
				ToNodeLevel:      node.Data.Head.Level - 1,
				ToKey:            items[lastGood].Key,
				ToMaxKey:         path.Node(-1).ToMaxKey,
			})
			if lastGood+1 < len(items) {
				childPath.Node(-1).ToMaxKey = items[lastGood+1].Key.Mm()
			}
			path = childPath
			continue
		}

		for idx, item := range node.Data.BodyLeaf {
			bodySize, _ := binstructSizeOfItemBody(item)
			if fn(item.Key, bodySize) == 0 {
				leafPath := append(path.DeepCopy(), TreePathElem{
					FromTree:     path.Node(-1).FromTree,
					FromItemSlot: idx,
					ToKey:        item.Key,
					ToMaxKey:     item.Key,
				})
				return leafPath, node, nil
			}
		}
		// not found; leave path pointing at the leaf node itself
		return path, node, ErrNoItem
	}
}

// prev walks to the leaf item immediately before path, or returns a nil
// node if path is already at the first item in the tree.
func (fs TreeOperatorImpl) prev(path TreePath, node *diskio.Ref[btrfsvol.LogicalAddr, Node]) (TreePath, *diskio.Ref[btrfsvol.LogicalAddr, Node], error) {
	path = path.DeepCopy()
	sb, err := fs.Superblock()
	if err != nil {
		return path, node, err
	}
	for path.Node(-1).FromItemSlot < 1 {
		path = path.Parent()
		if len(path) == 0 {
			return path, nil, nil
		}
	}
	path.Node(-1).FromItemSlot--
	if len(path) == 1 {
		return path, node, nil
	}
	parentPath := path.Parent()
	parentNode, err := ReadNode[btrfsvol.LogicalAddr](fs, *sb, parentPath.Node(-1).ToNodeAddr, NodeExpectations{})
	if err != nil {
		return path, nil, err
	}
	kp := parentNode.Data.BodyInternal[path.Node(-1).FromItemSlot]
	path.Node(-1).ToNodeAddr = kp.BlockPtr
	path.Node(-1).ToNodeGeneration = kp.Generation
	path.Node(-1).ToKey = kp.Key

	// Descend via each level's rightmost child until we reach a leaf.
	for {
		curNode, err := ReadNode[btrfsvol.LogicalAddr](fs, *sb, path.Node(-1).ToNodeAddr, NodeExpectations{})
		if err != nil {
			return path, nil, err
		}
		if curNode.Data.Head.Level == 0 {
			return path, curNode, nil
		}
		slot := len(curNode.Data.BodyInternal) - 1
		child := curNode.Data.BodyInternal[slot]
		path = append(path, TreePathElem{
			FromTree:         path.Node(-1).FromTree,
			FromItemSlot:     slot,
			ToNodeAddr:       child.BlockPtr,
			ToNodeGeneration: child.Generation,
			ToNodeLevel:      curNode.Data.Head.Level - 1,
			ToKey:            child.Key,
			ToMaxKey:         path.Node(-1).ToMaxKey,
		})
	}
}

// next walks to the leaf item immediately after path, or returns a nil node
// if path is already at the last item in the tree.
func (fs TreeOperatorImpl) next(path TreePath, node *diskio.Ref[btrfsvol.LogicalAddr, Node]) (TreePath, *diskio.Ref[btrfsvol.LogicalAddr, Node], error) {
	path = path.DeepCopy()
	sb, err := fs.Superblock()
	if err != nil {
		return path, node, err
	}
	if path.Node(-1).FromItemSlot+1 < len(node.Data.BodyLeaf) {
		path.Node(-1).FromItemSlot++
		return path, node, nil
	}

	// Ascend until we find a level with room to move right.
	for {
		if len(path) == 1 {
			return path, nil, nil
		}
		parentPath := path.Parent()
		parentNode, err := ReadNode[btrfsvol.LogicalAddr](fs, *sb, parentPath.Node(-1).ToNodeAddr, NodeExpectations{})
		if err != nil {
			return path, nil, err
		}
		slot := path.Node(-1).FromItemSlot + 1
		if slot < len(parentNode.Data.BodyInternal) {
			kp := parentNode.Data.BodyInternal[slot]
			path = append(parentPath, TreePathElem{
				FromTree:         parentPath.Node(-1).FromTree,
				FromItemSlot:     slot,
				ToNodeAddr:       kp.BlockPtr,
				ToNodeGeneration: kp.Generation,
				ToNodeLevel:      parentNode.Data.Head.Level - 1,
				ToKey:            kp.Key,
				ToMaxKey:         parentPath.Node(-1).ToMaxKey,
			})
			break
		}
		path = parentPath
	}

	// Descend via each level's leftmost child until we reach a leaf.
	for {
		curNode, err := ReadNode[btrfsvol.LogicalAddr](fs, *sb, path.Node(-1).ToNodeAddr, NodeExpectations{})
		if err != nil {
			return path, nil, err
		}
		if curNode.Data.Head.Level == 0 {
			return path, curNode, nil
		}
		child := curNode.Data.BodyInternal[0]
		path = append(path, TreePathElem{
			FromTree:         path.Node(-1).FromTree,
			FromItemSlot:     0,
			ToNodeAddr:       child.BlockPtr,
			ToNodeGeneration: child.Generation,
			ToNodeLevel:      curNode.Data.Head.Level - 1,
			ToKey:            child.Key,
			ToMaxKey:         path.Node(-1).ToMaxKey,
		})
	}
}

// TreeSearch looks up the tree's root and searches it with an arbitrary
// key function, returning the matching item. If the function matches no
// item, it returns ErrNoItem.
func (fs TreeOperatorImpl) TreeSearch(treeID btrfsprim.ObjID, fn func(btrfsprim.Key, uint32) int) (Item, error) {
	sb, err := fs.Superblock()
	if err != nil {
		return Item{}, err
	}
	treeRoot, err := fs.LookupTreeRoot(*sb, treeID)
	if err != nil {
		return Item{}, err
	}
	path, node, err := fs.treeSearch(*treeRoot, fn)
	if err != nil {
		return Item{}, err
	}
	return node.Data.BodyLeaf[path.Node(-1).FromItemSlot], nil
}

func KeySearch(fn func(btrfsprim.Key) int) func(btrfsprim.Key, uint32) int {
	return func(key btrfsprim.Key, _ uint32) int {
		return fn(key)
	}
}

func (fs TreeOperatorImpl) TreeLookup(treeID btrfsprim.ObjID, key btrfsprim.Key) (Item, error) {
	return fs.TreeSearch(treeID, KeySearch(key.Compare))
}

// TreeSearchAll expands out from the first match to collect every
// neighboring item the search function still considers a match (Offset=0
// in the search fn), aggregating read errors with derror.MultiError.
func (fs TreeOperatorImpl) TreeSearchAll(treeID btrfsprim.ObjID, fn func(btrfsprim.Key, uint32) int) ([]Item, error) {
	sb, err := fs.Superblock()
	if err != nil {
		return nil, err
	}
	treeRoot, err := fs.LookupTreeRoot(*sb, treeID)
	if err != nil {
		return nil, err
	}
	middlePath, middleNode, err := fs.treeSearch(*treeRoot, fn)
	if err != nil {
		return nil, err
	}
	middleItem := middleNode.Data.BodyLeaf[middlePath.Node(-1).FromItemSlot]

	var errs derror.MultiError
	ret := []Item{middleItem}

	prevPath, prevNode := middlePath, middleNode
	for {
		prevPath, prevNode, err = fs.prev(prevPath, prevNode)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if prevNode == nil {
			break
		}
		prevItem := prevNode.Data.BodyLeaf[prevPath.Node(-1).FromItemSlot]
		if fn(prevItem.Key, 0) != 0 {
			break
		}
		ret = append([]Item{prevItem}, ret...)
	}

	nextPath, nextNode := middlePath, middleNode
	for {
		nextPath, nextNode, err = fs.next(nextPath, nextNode)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if nextNode == nil {
			break
		}
		nextItem := nextNode.Data.BodyLeaf[nextPath.Node(-1).FromItemSlot]
		if fn(nextItem.Key, 0) != 0 {
			break
		}
		ret = append(ret, nextItem)
	}

	if len(errs) > 0 {
		return ret, errs
	}
	return ret, nil
}

func binstructSizeOfItemBody(item Item) (uint32, error) {
	return item.BodySize, nil
}
