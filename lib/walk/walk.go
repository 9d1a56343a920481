// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package walk implements the multi-tree, shared-subtree-aware walker
// (C4): a depth-first traversal over every tree rooted at a set of seed
// tree IDs, built on top of btrfstree.TreeWalk, that detects when two
// trees reference the same leaf node (a snapshot sharing interior nodes
// with its parent subvolume) and runs each item through a
// caller-supplied callback exactly once per owning tree, regardless of
// how many trees the underlying node is reachable from.
package walk

import (
	"context"
	iofs "io/fs"
	"sync"

	"github.com/datawire/dlib/dlog"

	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfstree"
	"btrfsck.example/btrfsck/lib/btrfsvol"
	"btrfsck.example/btrfsck/lib/diskio"
)

// Callbacks receives events from Walker.Walk.
type Callbacks struct {
	// TreeError is called when a tree fails to open or a node in it
	// fails to decode.
	TreeError func(context.Context, *btrfstree.TreeError)
	// Item is called once per (treeID, item) pair. It is called
	// exactly once for every tree that references the item's leaf
	// node, even when that leaf is shared between trees.
	Item func(ctx context.Context, treeID btrfsprim.ObjID, path btrfstree.TreePath, item btrfstree.Item)
	// BadItem is called in place of Item when the item body failed
	// to decode.
	BadItem func(ctx context.Context, treeID btrfsprim.ObjID, path btrfstree.TreePath, item btrfstree.Item, err error)
	// Node is called once per tree-block read from disk, including
	// each later visit of a shared leaf whose items are then replayed
	// from the cache — the hook the extent/backref reconciler uses to observe which
	// tree owns which block, and via which parent block, without
	// re-deriving that from the item stream.
	Node func(ctx context.Context, treeID btrfsprim.ObjID, path btrfstree.TreePath, node *diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node])
}

// cachedLeaf is the bookkeeping kept for a leaf node once it has been
// fully read (spec §3.2's shared_node, narrowed to leaf granularity:
// internal nodes are cheap enough to re-read that caching them buys
// nothing but invalidation complexity).
type cachedLeaf struct {
	refs  int
	items []cachedItem
}

type cachedItem struct {
	path btrfstree.TreePath
	item btrfstree.Item
}

// Walker runs the multi-tree walk described by spec §4.3: it fans the
// generic single-tree btrfstree.TreeWalk out over every tree reachable
// from a set of roots, caching the items of every leaf node it reads so
// that when a second owning tree reaches the same leaf, the cached items
// are replayed to Callbacks.Item instead of the leaf's items being
// walked again. The shared leaf itself is still read from disk (and
// passed to Callbacks.Node) on each visit.
type Walker struct {
	fs btrfstree.TreeOperatorImpl

	mu      sync.Mutex
	leaves  map[btrfsvol.LogicalAddr]*cachedLeaf
	visited map[btrfsprim.ObjID]bool
}

// NewWalker returns a Walker over the trees reachable through fs.
func NewWalker(fs btrfstree.TreeOperatorImpl) *Walker {
	return &Walker{
		fs:      fs,
		leaves:  make(map[btrfsvol.LogicalAddr]*cachedLeaf),
		visited: make(map[btrfsprim.ObjID]bool),
	}
}

// Walk walks every tree named in roots. Trees already walked (directly
// or via a prior Walk/WalkTree call on this Walker) are skipped, so it
// is safe to call Walk repeatedly as new tree IDs are discovered (e.g.
// a ROOT_ITEM encountered mid-walk that names a tree not in the
// original seed set).
func (w *Walker) Walk(ctx context.Context, roots []btrfsprim.ObjID, cbs Callbacks) {
	for _, treeID := range roots {
		if ctx.Err() != nil {
			return
		}
		w.WalkTree(ctx, treeID, cbs)
	}
}

// WalkTree walks a single tree. It is a no-op if that tree has already
// been walked by this Walker.
func (w *Walker) WalkTree(ctx context.Context, treeID btrfsprim.ObjID, cbs Callbacks) {
	w.mu.Lock()
	if w.visited[treeID] {
		w.mu.Unlock()
		return
	}
	w.visited[treeID] = true
	w.mu.Unlock()

	dlog.Infof(ctx, "walk: entering tree %v", treeID)
	errHandle := func(e *btrfstree.TreeError) {
		if cbs.TreeError != nil {
			cbs.TreeError(ctx, e)
		}
	}
	w.fs.TreeWalk(ctx, treeID, errHandle, btrfstree.TreeWalkHandler{
		Node: func(path btrfstree.TreePath, node *diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node]) error {
			if cbs.Node != nil {
				cbs.Node(ctx, treeID, path, node)
			}
			if node.Data.Head.Level != 0 {
				return nil
			}
			addr := path.Node(-1).ToNodeAddr
			w.mu.Lock()
			leaf, ok := w.leaves[addr]
			if !ok {
				w.leaves[addr] = &cachedLeaf{refs: 1}
				w.mu.Unlock()
				return nil
			}
			leaf.refs++
			items := leaf.items
			w.mu.Unlock()
			for _, ci := range items {
				if cbs.Item != nil {
					cbs.Item(ctx, treeID, ci.path, ci.item)
				}
			}
			return iofs.SkipDir
		},
		Item: func(path btrfstree.TreePath, item btrfstree.Item) error {
			addr := path.Node(-2).ToNodeAddr
			w.mu.Lock()
			if leaf, ok := w.leaves[addr]; ok {
				leaf.items = append(leaf.items, cachedItem{path: path, item: item})
			}
			w.mu.Unlock()
			if cbs.Item != nil {
				cbs.Item(ctx, treeID, path, item)
			}
			return nil
		},
		BadItem: func(path btrfstree.TreePath, item btrfstree.Item, err error) error {
			if cbs.BadItem != nil {
				cbs.BadItem(ctx, treeID, path, item, err)
			}
			return nil
		},
	})
}
