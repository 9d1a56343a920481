// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-check is an offline consistency checker: it walks every
// tree reachable from the superblock, cross-checks inode/extent/backref
// bookkeeping, and (with --repair) opens the device read-write and applies
// the extent-tree repair plan it computes. It never mounts, and refuses
// nothing about a mounted device beyond what opening it read-write already
// would.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"btrfsck.example/btrfsck/lib/btrfs"
	"btrfsck.example/btrfsck/lib/btrfstree"
	"btrfsck.example/btrfsck/lib/checker"
	"btrfsck.example/btrfsck/lib/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var mirror int
	var repair bool
	var initCSumTree bool
	var initExtentTree bool
	var repairAuditLog string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "btrfs-check [flags] DEVICE",
		Short: "Check a btrfs filesystem for consistency",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	cmd.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	cmd.SetHelpTemplate(cliutil.HelpTemplate)
	cmd.Flags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	cmd.Flags().IntVarP(&mirror, "super-mirror", "s", 0, "select superblock mirror `N` (0 <= N < 3)")
	cmd.Flags().BoolVar(&repair, "repair", false, "compute and apply a repair plan for the extent tree (opens the device read-write)")
	cmd.Flags().BoolVar(&initCSumTree, "init-csum-tree", false, "open read-write and re-read the chunk mapping before checking (the checksum tree is not modified)")
	cmd.Flags().BoolVar(&initExtentTree, "init-extent-tree", false, "open read-write and re-read the chunk mapping before checking (the extent tree is not modified)")
	cmd.Flags().StringVar(&repairAuditLog, "repair-audit-log", "", "write a JSON audit trail of --repair's actions to `PATH` (\"-\" for stdout)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the list of trees this check would walk, then exit")

	exitCode := 0
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
		ctx = dlog.WithLogger(ctx, logger)
		dlog.SetFallbackLogger(logger.WithField("btrfsck.THIS_IS_A_BUG", true))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) (err error) {
			if mirror < 0 || mirror >= len(btrfs.SuperblockAddrs) {
				exitCode = -1
				return fmt.Errorf("superblock mirror %d out of range (0 <= N < %d)", mirror, len(btrfs.SuperblockAddrs))
			}

			openFlag := os.O_RDONLY
			if repair || initCSumTree || initExtentTree {
				openFlag = os.O_RDWR
			}

			devFS, err := btrfs.Open(ctx, openFlag, args[0])
			if err != nil {
				exitCode = -1
				return err
			}
			devFS.PreferredMirror = mirror
			defer func() {
				if cerr := devFS.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			if initCSumTree || initExtentTree {
				dlog.Infof(ctx, "btrfs-check: remapping before check (--init-csum-tree=%v --init-extent-tree=%v)", initCSumTree, initExtentTree)
				if err := devFS.ReInit(ctx); err != nil {
					exitCode = -1
					return err
				}
			}

			c, err := checker.NewChecker(btrfstree.TreeOperatorImpl{Trees: devFS})
			if err != nil {
				exitCode = -1
				return err
			}

			if dryRun {
				trees, err := c.ListTrees(ctx)
				if err != nil {
					exitCode = -1
					return err
				}
				for _, treeID := range trees {
					textui.Fprintf(os.Stdout, "%v\n", treeID)
				}
				return nil
			}

			if err := c.Run(ctx); err != nil {
				exitCode = -1
				return err
			}
			report := c.Reconcile(ctx)
			c.CheckFreeSpace(ctx)
			c.CheckCSums(ctx)

			for _, f := range report.Findings {
				dlog.Errorf(ctx, "btrfs-check: %v", f)
			}
			dlog.Infof(ctx, "btrfs-check: %d tree(s), %d extent(s), %d inode(s), %d corrupt block(s)",
				report.NumRoots, report.NumExtents, report.NumInodes, report.CorruptBlocks)

			if repair {
				plan := c.PlanRepair(ctx)
				if plan.Empty() {
					dlog.Infof(ctx, "btrfs-check: --repair: extent tree needs no repair")
				} else {
					dlog.Infof(ctx, "btrfs-check: --repair: applying %d action(s)", len(plan.Actions))
					auditLog, failed := plan.Apply(ctx, btrfstree.TreeOperatorImpl{Trees: devFS})
					if repairAuditLog != "" {
						if err := writeRepairAuditLog(repairAuditLog, auditLog); err != nil {
							dlog.Errorf(ctx, "btrfs-check: --repair-audit-log: %v", err)
						}
					}
					if len(failed) > 0 {
						dlog.Errorf(ctx, "btrfs-check: --repair: %d of %d action(s) could not be applied; see DESIGN.md for what this tool's repair can't do in place", len(failed), len(plan.Actions))
						exitCode = 1
					}
				}
			}

			if !report.Clean() {
				exitCode = 1
			}
			return nil
		})
		return grp.Wait()
	}

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		if exitCode == 0 {
			exitCode = -1
		}
	}
	os.Exit(exitCode)
}

// writeRepairAuditLog writes log as JSON to path, or to stdout if path is "-".
func writeRepairAuditLog(path string, log []checker.RepairAuditEntry) error {
	if path == "-" {
		return checker.WriteAuditLog(os.Stdout, log)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return checker.WriteAuditLog(f, log)
}
