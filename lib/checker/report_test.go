// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package checker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
)

func TestSeverityString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "error", SeverityError.String())
	assert.Equal(t, "fatal", SeverityFatal.String())
	assert.Equal(t, "unknown", Severity(99).String())
}

func TestFindingString(t *testing.T) {
	t.Parallel()
	f := Finding{
		Severity: SeverityError,
		Tree:     btrfsprim.ObjID(999),
		ObjectID: btrfsprim.ObjID(256),
		ItemType: btrfsitem.INODE_ITEM_KEY,
		Offset:   0,
		Message:  "missing inode",
	}
	assert.Equal(t, "error: tree=999 key=(256,1,0): missing inode", f.String())
}

func TestReportClean(t *testing.T) {
	t.Parallel()

	var r Report
	assert.True(t, r.Clean())

	r.addf(SeverityWarning, 5, 256, btrfsitem.INODE_ITEM_KEY, 0, "stale free-space cache")
	assert.True(t, r.Clean(), "a warning alone must not mark the report unclean")

	r.addf(SeverityError, 5, 256, btrfsitem.INODE_ITEM_KEY, 0, "backref mismatch")
	assert.False(t, r.Clean())
}

func TestReportCleanFatal(t *testing.T) {
	t.Parallel()

	var r Report
	r.addf(SeverityFatal, 1, 256, btrfsitem.INODE_ITEM_KEY, 0, "missing inode referenced by live dirent")
	assert.False(t, r.Clean())
}

func TestExtentKey(t *testing.T) {
	t.Parallel()
	objID, off := extentKey(0x4000, 0x1000)
	assert.Equal(t, btrfsprim.ObjID(0x4000), objID)
	assert.Equal(t, uint64(0x1000), off)
}
