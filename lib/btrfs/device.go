// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfs is the external device-layer implementation of §6.2: it
// opens one or more device files, parses and cross-checks their
// superblocks, and bootstraps the chunk-tree logical->physical mapping
// that lib/btrfstree's Trees interface needs for random access.
package btrfs

import (
	"fmt"

	"btrfsck.example/btrfsck/lib/binstruct"
	"btrfsck.example/btrfsck/lib/btrfstree"
	"btrfsck.example/btrfsck/lib/btrfsvol"
	"btrfsck.example/btrfsck/lib/diskio"
)

// Device is a single opened device file, caching its superblock copies.
type Device struct {
	diskio.File[btrfsvol.PhysicalAddr]

	cacheSuperblocks []*diskio.Ref[btrfsvol.PhysicalAddr, btrfstree.Superblock]
	cacheSuperblock  *btrfstree.Superblock
}

var _ diskio.File[btrfsvol.PhysicalAddr] = (*Device)(nil)

// SuperblockAddrs are the physical offsets of the (up to) three redundant
// superblock copies, per spec §6.1's `-s N` mirror selector.
var SuperblockAddrs = []btrfsvol.PhysicalAddr{
	0x00_0001_0000, // 64KiB
	0x00_0400_0000, // 64MiB
	0x40_0000_0000, // 256GiB
}

// Superblocks returns every superblock copy that fits on the device,
// unvalidated.
func (dev *Device) Superblocks() ([]*diskio.Ref[btrfsvol.PhysicalAddr, btrfstree.Superblock], error) {
	if dev.cacheSuperblocks != nil {
		return dev.cacheSuperblocks, nil
	}
	superblockSize := btrfsvol.PhysicalAddr(binstruct.StaticSize(btrfstree.Superblock{}))

	sz := dev.Size()

	var ret []*diskio.Ref[btrfsvol.PhysicalAddr, btrfstree.Superblock]
	for i, addr := range SuperblockAddrs {
		if addr+superblockSize <= sz {
			superblock := &diskio.Ref[btrfsvol.PhysicalAddr, btrfstree.Superblock]{
				File: dev,
				Addr: addr,
			}
			if err := superblock.Read(); err != nil {
				return nil, fmt.Errorf("superblock %v: %w", i, err)
			}
			ret = append(ret, superblock)
		}
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("no superblocks")
	}
	dev.cacheSuperblocks = ret
	return ret, nil
}

// Superblock returns mirror 0, after validating its checksum and
// confirming every other readable mirror agrees with it.
func (dev *Device) Superblock() (*btrfstree.Superblock, error) {
	return dev.SuperblockAt(0)
}

// SuperblockAt returns a specific mirror (spec §6.1's `-s`/`-u` selector),
// still cross-checked against mirror 0 when mirror != 0.
func (dev *Device) SuperblockAt(mirror int) (*btrfstree.Superblock, error) {
	if mirror == 0 && dev.cacheSuperblock != nil {
		return dev.cacheSuperblock, nil
	}
	sbs, err := dev.Superblocks()
	if err != nil {
		return nil, err
	}
	if mirror < 0 || mirror >= len(sbs) {
		return nil, fmt.Errorf("superblock mirror %d: out of range (have %d)", mirror, len(sbs))
	}

	for i, sb := range sbs {
		if err := sb.Data.ValidateChecksum(); err != nil {
			return nil, fmt.Errorf("superblock %v: %w", i, err)
		}
		if i > 0 && !sb.Data.Equal(sbs[0].Data) {
			return nil, fmt.Errorf("superblock %v and superblock %v disagree", 0, i)
		}
	}

	dev.cacheSuperblock = &sbs[0].Data
	return &sbs[mirror].Data, nil
}
