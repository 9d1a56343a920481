// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package restore implements an offline, read-only copy of a btrfs
// subvolume's directory tree and file contents out onto a host
// filesystem, tolerating the same on-disk damage the checker tolerates.
package restore

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfstree"
	"btrfsck.example/btrfsck/lib/containers"
)

// loopLimit bounds how many no-progress iterations search_dir/copy_file
// will make before giving up on a directory or file, mirroring the
// original's "We seem to be looping a lot" guard against cyclic
// corruption in the dir-index or extent-data item chains.
const loopLimit = 1024

// Options controls the behavior of a restore run; it holds the `restore`
// CLI's -s, -v, -i, -o and -x flags (spec §6.1). The CLI's root-selection
// and listing flags (-d, -l, -t, -f, -u, -r) are handled by the CLI itself.
type Options struct {
	GetSnapshots  bool // -s
	Verbose       bool // -v
	IgnoreErrors  bool // -i
	Overwrite     bool // -o
	RestoreXattrs bool // -x (folded into the overwrite/restore path)
}

// Engine drives one restore run against fs. It holds no state beyond its
// inode cache between calls, so a single Engine may be reused for several
// RestoreSubvolume calls (e.g. when -l lists several roots before the
// caller picks one to restore).
type Engine struct {
	fs   btrfstree.TreeOperatorImpl
	opts Options

	inodes *containers.ARCache[inodeCacheKey, *btrfsitem.Inode]
}

type inodeCacheKey struct {
	Tree btrfsprim.ObjID
	Ino  btrfsprim.ObjID
}

// NewEngine returns an Engine ready to restore from fs.
func NewEngine(fs btrfstree.TreeOperatorImpl, opts Options) *Engine {
	e := &Engine{
		fs:   fs,
		opts: opts,
	}
	e.inodes = &containers.ARCache[inodeCacheKey, *btrfsitem.Inode]{
		MaxLen: 128,
		New: func(k inodeCacheKey) *btrfsitem.Inode {
			item, err := fs.TreeLookup(k.Tree, btrfsprim.Key{
				ObjectID: k.Ino,
				ItemType: btrfsitem.INODE_ITEM_KEY,
				Offset:   0,
			})
			if err != nil {
				return nil
			}
			body, ok := item.Body.(*btrfsitem.Inode)
			if !ok {
				return nil
			}
			return body
		},
	}
	return e
}

func (e *Engine) lookupInode(tree, ino btrfsprim.ObjID) (*btrfsitem.Inode, error) {
	inode, ok := e.inodes.Load(inodeCacheKey{Tree: tree, Ino: ino})
	if !ok || inode == nil {
		return nil, fmt.Errorf("inode %v: %w", ino, btrfstree.ErrNoItem)
	}
	return inode, nil
}

// RootInfo is one entry of ListRoots: the identity of a subvolume or
// snapshot as recorded by its ROOT_ITEM.
type RootInfo struct {
	TreeID     btrfsprim.ObjID
	RootDirID  btrfsprim.ObjID
	Generation btrfsprim.Generation
	IsSnapshot bool
}

// ListRoots walks ROOT_TREE_OBJECTID and reports every ROOT_ITEM found,
// for the `restore -l` CLI mode (spec §D.4): it never recurses into a
// directory, so it runs even against a volume too damaged to restore.
func (e *Engine) ListRoots(ctx context.Context) ([]RootInfo, error) {
	var roots []RootInfo
	var walkErr error
	e.fs.TreeWalk(ctx, btrfsprim.ROOT_TREE_OBJECTID,
		func(terr *btrfstree.TreeError) {
			dlog.Errorf(ctx, "restore: list-roots: %v", terr)
			if walkErr == nil {
				walkErr = terr
			}
		},
		btrfstree.TreeWalkHandler{
			Item: func(_ btrfstree.TreePath, item btrfstree.Item) error {
				if item.Key.ItemType != btrfsitem.ROOT_ITEM_KEY {
					return nil
				}
				root, ok := item.Body.(*btrfsitem.Root)
				if !ok {
					return nil
				}
				roots = append(roots, RootInfo{
					TreeID:     item.Key.ObjectID,
					RootDirID:  root.RootDirID,
					Generation: root.Generation,
					IsSnapshot: item.Key.Offset != 0,
				})
				return nil
			},
		})
	if walkErr != nil && !e.opts.IgnoreErrors {
		return roots, walkErr
	}
	return roots, nil
}

// FindFirstDir implements the `-d` heuristic (spec §D.3): in the absence
// of an explicit root objectid or path, use the objectid of the first
// DIR_INDEX entry of type FT_DIR found anywhere in treeID, in tree-walk
// order.
func (e *Engine) FindFirstDir(ctx context.Context, treeID btrfsprim.ObjID) (btrfsprim.ObjID, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var found btrfsprim.ObjID
	var foundOK bool
	e.fs.TreeWalk(ctx, treeID,
		func(terr *btrfstree.TreeError) {
			dlog.Errorf(ctx, "restore: find-first-dir: %v", terr)
		},
		btrfstree.TreeWalkHandler{
			Item: func(_ btrfstree.TreePath, item btrfstree.Item) error {
				if item.Key.ItemType != btrfsitem.DIR_INDEX_KEY {
					return nil
				}
				entry, ok := item.Body.(*btrfsitem.DirEntry)
				if !ok || entry.Type != btrfsitem.FT_DIR {
					return nil
				}
				found, foundOK = item.Key.ObjectID, true
				cancel()
				return nil
			},
		})
	if !foundOK {
		return 0, fmt.Errorf("restore: find-first-dir: no directory entries found in tree %v", treeID)
	}
	dlog.Infof(ctx, "restore: using objectid %v for first dir", found)
	return found, nil
}

// objRangeSearch returns a TreeSearchAll-compatible comparator that
// matches every item belonging to objectid ino of the given item type,
// regardless of Offset — the range-query idiom TreeSearchAll's prev/next
// expansion is built around (see btrfstree.TreeSearchAll).
func objRangeSearch(ino btrfsprim.ObjID, typ btrfsprim.ItemType) func(btrfsprim.Key, uint32) int {
	return func(key btrfsprim.Key, _ uint32) int {
		switch {
		case key.ObjectID != ino:
			if key.ObjectID < ino {
				return -1
			}
			return 1
		case key.ItemType != typ:
			if key.ItemType < typ {
				return -1
			}
			return 1
		default:
			return 0
		}
	}
}
