// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"btrfsck.example/btrfsck/lib/binstruct"
)

type SharedDataRef struct { // SHARED_DATA_REF=184
	Count         int32 `bin:"off=0, siz=4"`
	binstruct.End `bin:"off=4"`
}

// SharedDataRef is small enough, and is embedded by-value in
// ExtentInlineRef, that it isn't worth pooling.

func (SharedDataRef) isItem() {}

func (o SharedDataRef) Clone() SharedDataRef { return o }

func (o SharedDataRef) Free() {}

func (o SharedDataRef) CloneItem() Item { return o }
