package btrfsitem

type FreeSpaceBitmap []byte // FREE_SPACE_BITMAP=200

func (FreeSpaceBitmap) isItem() {}

func (o FreeSpaceBitmap) Clone() FreeSpaceBitmap { return FreeSpaceBitmap(cloneBytes(o)) }

func (o *FreeSpaceBitmap) Free() {
	bytePool.Put([]byte(*o))
	*o = nil
	freeSpaceBitmapPool.Put(o)
}

func (o *FreeSpaceBitmap) CloneItem() Item {
	ret, _ := freeSpaceBitmapPool.Get()
	*ret = o.Clone()
	return ret
}

func (o *FreeSpaceBitmap) UnmarshalBinary(dat []byte) (int, error) {
	*o = FreeSpaceBitmap(cloneBytes(dat))
	return len(dat), nil
}

func (o FreeSpaceBitmap) MarshalBinary() ([]byte, error) {
	return []byte(o), nil
}
