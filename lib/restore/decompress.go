// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package restore

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"btrfsck.example/btrfsck/lib/btrfsitem"
)

// decompress expands in (the on-disk bytes of one extent, inline or
// otherwise) into a buffer of exactly ramBytes, per the extent's
// Compression field. COMPRESS_NONE returns in unchanged (a copy, so
// callers may hold onto the result independent of the source buffer's
// lifetime).
func decompress(kind btrfsitem.CompressionType, in []byte, ramBytes int64) ([]byte, error) {
	switch kind {
	case btrfsitem.COMPRESS_NONE:
		out := make([]byte, len(in))
		copy(out, in)
		return out, nil
	case btrfsitem.COMPRESS_ZLIB:
		zr, err := zlib.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer zr.Close()
		out := make([]byte, ramBytes)
		if _, err := io.ReadFull(zr, out); err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		return out, nil
	case btrfsitem.COMPRESS_ZSTD:
		zr, err := zstd.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		out := make([]byte, ramBytes)
		if _, err := io.ReadFull(zr, out); err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	case btrfsitem.COMPRESS_LZO:
		return nil, fmt.Errorf("lzo decompression is not supported")
	default:
		return nil, fmt.Errorf("unknown compression type %v", kind)
	}
}
