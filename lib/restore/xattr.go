// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package restore

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfstree"
)

// restoreXattrs recreates every XATTR_ITEM recorded against ino onto the
// already-created file or directory at outPath, via Lsetxattr so that a
// restored symlink's own xattrs (rather than its target's) are set.
func (e *Engine) restoreXattrs(treeID, ino btrfsprim.ObjID, outPath string) error {
	items, err := e.fs.TreeSearchAll(treeID, objRangeSearch(ino, btrfsitem.XATTR_ITEM_KEY))
	if err != nil && len(items) == 0 {
		if errors.Is(err, btrfstree.ErrNoItem) {
			return nil
		}
		return err
	}
	for _, item := range items {
		entry, ok := item.Body.(*btrfsitem.DirEntry)
		if !ok {
			continue
		}
		if err := unix.Lsetxattr(outPath, string(entry.Name), entry.Data, 0); err != nil {
			return fmt.Errorf("setxattr %v on %v: %w", entry.Name, outPath, err)
		}
	}
	return nil
}
