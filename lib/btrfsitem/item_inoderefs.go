// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"btrfsck.example/btrfsck/lib/binstruct"
)

// A file that is hardlinked more than once within the same parent
// directory has several InodeRef entries back-to-back within a single
// INODE_REF item, one per name.
//
// key.objectid = inode number of the file
// key.offset = inode number of the parent file
type InodeRefs struct { // complex INODE_REF=12
	Refs []InodeRef
}

func (InodeRefs) isItem() {}

func (o InodeRefs) Clone() InodeRefs {
	ret := o
	ret.Refs = make([]InodeRef, len(o.Refs))
	for i := range o.Refs {
		ret.Refs[i] = o.Refs[i].Clone()
	}
	return ret
}

func (o *InodeRefs) Free() {
	for i := range o.Refs {
		o.Refs[i].Free()
	}
	*o = InodeRefs{}
	inodeRefsPool.Put(o)
}

func (o *InodeRefs) CloneItem() Item {
	ret, _ := inodeRefsPool.Get()
	*ret = o.Clone()
	return ret
}

func (o *InodeRefs) UnmarshalBinary(dat []byte) (int, error) {
	o.Refs = nil
	n := 0
	for n < len(dat) {
		var ref InodeRef
		_n, err := binstruct.Unmarshal(dat[n:], &ref)
		n += _n
		if err != nil {
			return n, err
		}
		o.Refs = append(o.Refs, ref)
	}
	return n, nil
}

func (o InodeRefs) MarshalBinary() ([]byte, error) {
	var dat []byte
	for _, ref := range o.Refs {
		bs, err := binstruct.Marshal(ref)
		dat = append(dat, bs...)
		if err != nil {
			return dat, err
		}
	}
	return dat, nil
}
