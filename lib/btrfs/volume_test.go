// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"btrfsck.example/btrfsck/lib/btrfsprim"
)

func TestParentTreeWellKnown(t *testing.T) {
	t.Parallel()
	var fs FS

	for _, tree := range []btrfsprim.ObjID{
		btrfsprim.ROOT_TREE_OBJECTID,
		btrfsprim.CHUNK_TREE_OBJECTID,
		btrfsprim.EXTENT_TREE_OBJECTID,
		btrfsprim.CSUM_TREE_OBJECTID,
	} {
		parent, ok := fs.ParentTree(tree)
		assert.True(t, ok, "well-known tree %v should resolve", tree)
		assert.Equal(t, btrfsprim.ObjID(0), parent)
	}
}

func TestSuperblockNoDevices(t *testing.T) {
	t.Parallel()
	var fs FS
	_, err := fs.Superblock()
	assert.Error(t, err)
}
