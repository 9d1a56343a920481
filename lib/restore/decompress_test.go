// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package restore

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsck.example/btrfsck/lib/btrfsitem"
)

func TestDecompressNone(t *testing.T) {
	t.Parallel()
	in := []byte("hello world")
	out, err := decompress(btrfsitem.COMPRESS_NONE, in, int64(len(in)))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// returned buffer must not alias the input
	out[0] = 'H'
	assert.Equal(t, byte('h'), in[0])
}

func TestDecompressZlib(t *testing.T) {
	t.Parallel()
	want := []byte("the quick brown fox jumps over the lazy dog")

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(want)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	got, err := decompress(btrfsitem.COMPRESS_ZLIB, buf.Bytes(), int64(len(want)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecompressZstd(t *testing.T) {
	t.Parallel()
	want := []byte("the quick brown fox jumps over the lazy dog")

	zw, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := zw.EncodeAll(want, nil)
	require.NoError(t, zw.Close())

	got, err := decompress(btrfsitem.COMPRESS_ZSTD, compressed, int64(len(want)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecompressLZOUnsupported(t *testing.T) {
	t.Parallel()
	_, err := decompress(btrfsitem.COMPRESS_LZO, []byte("whatever"), 8)
	assert.EqualError(t, err, "lzo decompression is not supported")
}

func TestDecompressUnknown(t *testing.T) {
	t.Parallel()
	_, err := decompress(btrfsitem.CompressionType(99), []byte("whatever"), 8)
	assert.EqualError(t, err, "unknown compression type 99 (unknown)")
}

func TestDecompressZlibBadData(t *testing.T) {
	t.Parallel()
	_, err := decompress(btrfsitem.COMPRESS_ZLIB, []byte("not zlib data"), 8)
	assert.Error(t, err)
}
