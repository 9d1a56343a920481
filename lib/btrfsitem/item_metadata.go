package btrfsitem

import (
	"btrfsck.example/btrfsck/lib/binstruct"
)

// Metadata is like Extent, but doesn't have .Info.
type Metadata struct { // METADATA_ITEM=169
	Head ExtentHeader
	Refs []ExtentInlineRef
}

func (Metadata) isItem() {}

func (o Metadata) Clone() Metadata {
	o.Refs = append([]ExtentInlineRef(nil), o.Refs...)
	return o
}

func (o *Metadata) Free() {
	*o = Metadata{}
	metadataPool.Put(o)
}

func (o *Metadata) CloneItem() Item {
	ret, _ := metadataPool.Get()
	*ret = o.Clone()
	return ret
}

func (o *Metadata) UnmarshalBinary(dat []byte) (int, error) {
	n, err := binstruct.Unmarshal(dat, &o.Head)
	if err != nil {
		return n, err
	}
	o.Refs = nil
	for n < len(dat) {
		var ref ExtentInlineRef
		_n, err := binstruct.Unmarshal(dat[n:], &ref)
		n += _n
		o.Refs = append(o.Refs, ref)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (o Metadata) MarshalBinary() ([]byte, error) {
	dat, err := binstruct.Marshal(o.Head)
	if err != nil {
		return dat, err
	}
	for _, ref := range o.Refs {
		bs, err := binstruct.Marshal(ref)
		dat = append(dat, bs...)
		if err != nil {
			return dat, err
		}
	}
	return dat, nil
}
