// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package checker

import (
	"fmt"

	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// Severity classifies a Finding; Report.Clean (and so the exit status)
// treats anything at SeverityError or above as a failure. PlanRepair
// does not look at severities.
type Severity uint8

const (
	// SeverityWarning is a mismatch that doesn't imply data loss on
	// its own (e.g. a stale free-space cache entry).
	SeverityWarning Severity = iota
	// SeverityError is a real inconsistency: a missing item, a
	// disagreeing backref or link count, an undecodable item. Only the
	// extent backref/refcount ones are acted on by PlanRepair.
	SeverityError
	// SeverityFatal is a subvolume root that is referenced by a
	// ROOT_REF but has no ROOT_ITEM; --repair does not fix it.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Finding is one consistency mismatch surfaced by a check run.
type Finding struct {
	Severity Severity
	Tree     btrfsprim.ObjID
	ObjectID btrfsprim.ObjID
	ItemType btrfsprim.ItemType
	Offset   uint64
	Message  string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: tree=%v key=(%v,%v,%v): %s", f.Severity, f.Tree, f.ObjectID, f.ItemType, f.Offset, f.Message)
}

// Report is the accumulated result of a check run.
type Report struct {
	Findings []Finding

	CorruptBlocks int
	NumExtents    int
	NumInodes     int
	NumRoots      int
}

func (r *Report) addf(sev Severity, tree, objID btrfsprim.ObjID, typ btrfsprim.ItemType, off uint64, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{
		Severity: sev,
		Tree:     tree,
		ObjectID: objID,
		ItemType: typ,
		Offset:   off,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Clean reports whether the run found nothing worse than a warning.
func (r *Report) Clean() bool {
	for _, f := range r.Findings {
		if f.Severity >= SeverityError {
			return false
		}
	}
	return true
}

// extentKey formats an (start,len) pair the way Finding.ObjectID/Offset
// encode an extent record, matching how EXTENT_ITEM keys are laid out
// on disk (objectid=start, offset=len).
func extentKey(start btrfsvol.LogicalAddr, length btrfsvol.AddrDelta) (btrfsprim.ObjID, uint64) {
	return btrfsprim.ObjID(start), uint64(length)
}
