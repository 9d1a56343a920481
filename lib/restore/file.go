// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package restore

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// copyFile is the analog of the original's copy_file: it iterates ino's
// EXTENT_DATA items in file-offset order and streams each into fh, then
// truncates fh to the inode's declared size (spec §4.11 "File copy").
// There is no per-mirror retry: with btrfs.FS as the Engine's Trees,
// ReadAt (btrfsvol.LogicalVolume.ReadAt) reads every physical copy of
// the range and fails as soon as reading any one of them fails, and a
// decompression error is returned without trying another copy.
func (e *Engine) copyFile(ctx context.Context, treeID, ino btrfsprim.ObjID, fh *os.File) error {
	inode, err := e.lookupInode(treeID, ino)
	if err != nil {
		return err
	}

	extents, err := e.fs.TreeSearchAll(treeID, objRangeSearch(ino, btrfsitem.EXTENT_DATA_KEY))
	if err != nil && len(extents) == 0 {
		return err
	}

	loops := 0
	lastOff := int64(-1)
	for _, item := range extents {
		if loops++; loops >= loopLimit {
			dlog.Errorf(ctx, "restore: looped copying %v too many times to be making progress, stopping", fh.Name())
			break
		}
		fileExt, ok := item.Body.(*btrfsitem.FileExtent)
		if !ok {
			continue
		}
		pos := int64(item.Key.Offset)
		if pos != lastOff {
			loops = 0
			lastOff = pos
		}

		if err := e.copyOneExtent(ctx, fh, pos, fileExt); err != nil {
			dlog.Errorf(ctx, "restore: %v: offset %v: %v", fh.Name(), pos, err)
			if !e.opts.IgnoreErrors {
				return err
			}
		}
	}

	return fh.Truncate(inode.Size)
}

func (e *Engine) copyOneExtent(ctx context.Context, fh *os.File, pos int64, ext *btrfsitem.FileExtent) error {
	switch ext.Type {
	case btrfsitem.FILE_EXTENT_INLINE:
		buf, err := decompress(ext.Compression, ext.BodyInline, ext.RAMBytes)
		if err != nil {
			return fmt.Errorf("inline extent: %w", err)
		}
		_, err = fh.WriteAt(buf, pos)
		return err
	case btrfsitem.FILE_EXTENT_PREALLOC:
		// Prealloc contributes no bytes; the final Truncate to isize
		// covers its extent of the file with a hole.
		return nil
	case btrfsitem.FILE_EXTENT_REG:
		body := ext.BodyExtent
		if body.DiskByteNr == 0 {
			// A hole; nothing to write.
			return nil
		}
		if ext.Compression == btrfsitem.COMPRESS_NONE {
			buf := make([]byte, body.NumBytes)
			if _, err := e.fs.ReadAt(buf, body.DiskByteNr.Add(body.Offset)); err != nil {
				return fmt.Errorf("reading extent: %w", err)
			}
			_, err := fh.WriteAt(buf, pos)
			return err
		}
		disk := make([]byte, body.DiskNumBytes)
		if _, err := e.fs.ReadAt(disk, body.DiskByteNr); err != nil {
			return fmt.Errorf("reading compressed extent: %w", err)
		}
		ram, err := decompress(ext.Compression, disk, ext.RAMBytes)
		if err != nil {
			return fmt.Errorf("decompressing extent: %w", err)
		}
		beg, end := body.Offset, body.Offset+btrfsvol.AddrDelta(body.NumBytes)
		if int64(end) > int64(len(ram)) {
			return fmt.Errorf("decompressed extent is short: want %v bytes, got %v", end, len(ram))
		}
		_, err = fh.WriteAt(ram[beg:end], pos)
		return err
	default:
		return fmt.Errorf("unknown file extent type %v", ext.Type)
	}
}

func (e *Engine) readInlineSymlinkTarget(treeID, ino btrfsprim.ObjID) (string, error) {
	item, err := e.fs.TreeLookup(treeID, btrfsprim.Key{
		ObjectID: ino,
		ItemType: btrfsitem.EXTENT_DATA_KEY,
		Offset:   0,
	})
	if err != nil {
		return "", fmt.Errorf("reading symlink target: %w", err)
	}
	fileExt, ok := item.Body.(*btrfsitem.FileExtent)
	if !ok || fileExt.Type != btrfsitem.FILE_EXTENT_INLINE {
		return "", fmt.Errorf("symlink inode %v has no inline extent", ino)
	}
	buf, err := decompress(fileExt.Compression, fileExt.BodyInline, fileExt.RAMBytes)
	if err != nil {
		return "", fmt.Errorf("symlink target: %w", err)
	}
	return string(buf), nil
}
