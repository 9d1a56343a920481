// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

// ItemType identifies the payload format of an Item (the low byte of its
// Key), per the BTRFS_*_KEY constants in the kernel's ctree.h. The concrete
// per-type constants (ROOT_ITEM_KEY, ...) live in package btrfsitem
// alongside the payload types they key, since that's where callers doing a
// type switch on an Item's Body want to find them.
type ItemType uint8

// MAX_KEY is the largest valid ItemType; it's used by btrfsprim.Key's
// successor/predecessor arithmetic (Key.Pp and Key.Mm in key.go) to know
// when ItemType has wrapped.
const MAX_KEY = ItemType(255)
