// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsck.example/btrfsck/lib/binstruct"
	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfssum"
	"btrfsck.example/btrfsck/lib/btrfstree"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// memFile is a minimal in-memory diskio.File[btrfsvol.PhysicalAddr], used to
// feed Device a synthetic superblock without needing a real disk image.
type memFile struct {
	name string
	data []byte
}

func (f *memFile) Name() string                { return f.name }
func (f *memFile) Size() btrfsvol.PhysicalAddr { return btrfsvol.PhysicalAddr(len(f.data)) }
func (f *memFile) Close() error                { return nil }
func (f *memFile) ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}
func (f *memFile) WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	n := copy(f.data[off:], p)
	return n, nil
}

// sealedSuperblock finalizes a checksum over sb and returns its on-disk
// encoding, ready to be placed at one of SuperblockAddrs.
func sealedSuperblock(t *testing.T, sb btrfstree.Superblock) []byte {
	t.Helper()
	sb.ChecksumType = btrfssum.TYPE_CRC32
	copy(sb.Magic[:], "_BHRfS_M")
	csum, err := sb.CalculateChecksum()
	require.NoError(t, err)
	sb.Checksum = csum
	dat, err := binstruct.Marshal(sb)
	require.NoError(t, err)
	return dat
}

func baseSuperblock(fsUUID btrfsprim.UUID) btrfstree.Superblock {
	return btrfstree.Superblock{
		FSUUID:     fsUUID,
		Generation: 1,
		SectorSize: 4096,
		NodeSize:   16384,
		LeafSize:   16384,
		DevItem: btrfsitem.Dev{
			DevID: 1,
		},
	}
}

func newDeviceWithSuperblocks(t *testing.T, sbs ...btrfstree.Superblock) *Device {
	t.Helper()
	size := SuperblockAddrs[len(sbs)-1] + btrfsvol.PhysicalAddr(binstruct.StaticSize(btrfstree.Superblock{}))
	dat := make([]byte, size)
	for i, sb := range sbs {
		sb.Self = SuperblockAddrs[i]
		copy(dat[SuperblockAddrs[i]:], sealedSuperblock(t, sb))
	}
	return &Device{File: &memFile{name: "test-device", data: dat}}
}

func TestDeviceSuperblockSingleMirror(t *testing.T) {
	t.Parallel()
	fsUUID := btrfsprim.UUID{1, 2, 3, 4}
	dev := newDeviceWithSuperblocks(t, baseSuperblock(fsUUID))

	sb, err := dev.Superblock()
	require.NoError(t, err)
	assert.Equal(t, fsUUID, sb.FSUUID)
}

func TestDeviceSuperblocksCaches(t *testing.T) {
	t.Parallel()
	dev := newDeviceWithSuperblocks(t, baseSuperblock(btrfsprim.UUID{1}))

	sbs1, err := dev.Superblocks()
	require.NoError(t, err)
	sbs2, err := dev.Superblocks()
	require.NoError(t, err)
	assert.Same(t, sbs1[0], sbs2[0], "second call should return the cached slice")
}

func TestDeviceSuperblockAtOutOfRange(t *testing.T) {
	t.Parallel()
	dev := newDeviceWithSuperblocks(t, baseSuperblock(btrfsprim.UUID{1}))

	_, err := dev.SuperblockAt(5)
	assert.Error(t, err)
}

func TestDeviceSuperblockChecksumMismatch(t *testing.T) {
	t.Parallel()
	dev := newDeviceWithSuperblocks(t, baseSuperblock(btrfsprim.UUID{1}))
	// corrupt a byte inside the checksummed region of the superblock
	// itself (past the checksum field, which occupies its first 0x20
	// bytes), not the unrelated padding before it on the fake device.
	dev.File.(*memFile).data[SuperblockAddrs[0]+0x40] ^= 0xff

	_, err := dev.Superblock()
	assert.Error(t, err)
}

func TestDeviceSuperblocksDisagree(t *testing.T) {
	t.Parallel()
	dev := newDeviceWithSuperblocks(t,
		baseSuperblock(btrfsprim.UUID{1}),
		baseSuperblock(btrfsprim.UUID{2}),
	)

	_, err := dev.Superblock()
	assert.Error(t, err)
}
