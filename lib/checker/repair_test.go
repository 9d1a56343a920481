// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package checker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"btrfsck.example/btrfsck/lib/btrfsvol"
)

func TestRepairOpString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "insert-backref", RepairInsertBackref.String())
	assert.Equal(t, "delete-backref", RepairDeleteBackref.String())
	assert.Equal(t, "fix-refcount", RepairFixRefCount.String())
	assert.Equal(t, "unknown", RepairOp(99).String())
}

func TestRepairActionString(t *testing.T) {
	t.Parallel()
	start := btrfsvol.LogicalAddr(0x4000)
	length := btrfsvol.AddrDelta(0x1000)
	a := RepairAction{
		Op:          RepairFixRefCount,
		ExtentStart: start,
		ExtentLen:   length,
		Detail:      "want 2, have 3",
	}
	want := fmt.Sprintf("fix-refcount extent(start=%v,len=%v): want 2, have 3", start, length)
	assert.Equal(t, want, a.String())
}

func TestRepairPlanEmpty(t *testing.T) {
	t.Parallel()

	var p RepairPlan
	assert.True(t, p.Empty())

	p.Actions = append(p.Actions, RepairAction{Op: RepairInsertBackref})
	assert.False(t, p.Empty())
}
