// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"

	"btrfsck.example/btrfsck/lib/btrfsvol"
	"btrfsck.example/btrfsck/lib/diskio"
	"btrfsck.example/btrfsck/lib/textui"
)

// Open implements spec §6.2's `open_fs`: it opens one or more device
// files (multi-device volumes are out of scope for check/restore's CLI,
// which both take a single <device>, but the volume layer supports more)
// and folds them into a ready-to-use FS. flag is passed to os.OpenFile,
// so callers pick O_RDONLY vs O_RDWR (check --repair needs read-write).
func Open(ctx context.Context, flag int, filenames ...string) (*FS, error) {
	fs := new(FS)
	for i, filename := range filenames {
		dlog.Debugf(ctx, "btrfs: opening device %d/%d %q...", i, len(filenames), filename)
		osFile, err := os.OpenFile(filename, flag, 0)
		if err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("device file %q: %w", filename, err)
		}
		typedFile := &diskio.OSFile[btrfsvol.PhysicalAddr]{
			File: osFile,
		}
		bufFile := diskio.NewBufferedFile[btrfsvol.PhysicalAddr](
			ctx,
			typedFile,
			textui.Tunable[btrfsvol.PhysicalAddr](16*1024), // block size: 16KiB
			textui.Tunable(1024),                           // blocks to buffer; 16MiB total
		)
		dev := &Device{File: bufFile}
		if err := fs.AddDevice(ctx, dev); err != nil {
			return nil, fmt.Errorf("device file %q: %w", filename, err)
		}
	}
	return fs, nil
}
