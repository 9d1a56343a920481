// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package checker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"github.com/datawire/dlib/dlog"

	"btrfsck.example/btrfsck/lib/btrfsitem"
	"btrfsck.example/btrfsck/lib/btrfsprim"
	"btrfsck.example/btrfsck/lib/btrfstree"
	"btrfsck.example/btrfsck/lib/btrfsvol"
)

// RepairOp names the kind of extent-tree mutation a RepairAction describes.
// These mirror the three ways an extent record can be out of balance: a
// backref the fs trees prove exists but the extent tree doesn't declare,
// a declared backref nothing in the fs trees corroborates, and a refcount
// that doesn't match either list.
type RepairOp uint8

const (
	// RepairInsertBackref adds a backref item the fs trees justify but
	// the extent tree is missing.
	RepairInsertBackref RepairOp = iota
	// RepairDeleteBackref removes a backref item the extent tree
	// declares but nothing in the fs trees corroborates.
	RepairDeleteBackref
	// RepairFixRefCount rewrites an EXTENT_ITEM/METADATA_ITEM's
	// refcount to match the number of corroborated backrefs.
	RepairFixRefCount
)

func (op RepairOp) String() string {
	switch op {
	case RepairInsertBackref:
		return "insert-backref"
	case RepairDeleteBackref:
		return "delete-backref"
	case RepairFixRefCount:
		return "fix-refcount"
	default:
		return "unknown"
	}
}

// RepairAction is one step of a repair plan: a single extent-tree mutation
// that would resolve one way in which an extentRecord is unbalanced.
// Apply executes RepairInsertBackref/RepairDeleteBackref/RepairFixRefCount
// directly against the leaf the target item lives (or would live) in — see
// Apply and DESIGN.md for what it can and can't do in place.
type RepairAction struct {
	Op          RepairOp
	ExtentStart btrfsvol.LogicalAddr
	ExtentLen   btrfsvol.AddrDelta
	Detail      string

	// The following are populated by PlanRepair and consumed by Apply;
	// String() ignores them, since Detail already summarizes the action
	// for a human reader.

	// Backrefs only: the key of the TREE_BLOCK_REF/SHARED_BLOCK_REF item
	// to insert or delete. Data backrefs (EXTENT_DATA_REF/SHARED_DATA_REF)
	// are planned but never applied — their Key.Offset is a content hash
	// this tool doesn't compute; see Apply.
	backrefKey btrfsprim.Key
	// FixRefCount only: the key of the EXTENT_ITEM/METADATA_ITEM whose
	// Head.Refs should become ExtentFoundRefs.
	itemKey         btrfsprim.Key
	extentFoundRefs int64
}

func (a RepairAction) String() string {
	return fmt.Sprintf("%s extent(start=%v,len=%v): %s", a.Op, a.ExtentStart, a.ExtentLen, a.Detail)
}

// RepairPlan is the ordered list of mutations that would bring every
// recorded extent back into balance.
type RepairPlan struct {
	Actions []RepairAction
}

func (p *RepairPlan) Empty() bool { return len(p.Actions) == 0 }

// PlanRepair computes the set of extent-tree mutations that would rebalance
// every unbalanced extent record, without applying them. Call it after
// Reconcile. A nil or empty plan means the extent tree needs no repair,
// matching the Open Question decision in DESIGN.md that --repair is a
// no-op when there is nothing to fix.
func (c *Checker) PlanRepair(ctx context.Context) *RepairPlan {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan := &RepairPlan{}
	for k, ext := range c.extents {
		if ext.balanced() {
			continue
		}
		for _, b := range ext.Backrefs {
			switch {
			case b.FoundRef && !b.FoundDecl:
				plan.Actions = append(plan.Actions, RepairAction{
					Op:          RepairInsertBackref,
					ExtentStart: k.Start,
					ExtentLen:   ext.Len,
					Detail:      backrefDetail(b),
					backrefKey:  backrefItemKey(k.Start, b),
				})
			case b.FoundDecl && !b.FoundRef:
				plan.Actions = append(plan.Actions, RepairAction{
					Op:          RepairDeleteBackref,
					ExtentStart: k.Start,
					ExtentLen:   ext.Len,
					Detail:      backrefDetail(b),
					backrefKey:  backrefItemKey(k.Start, b),
				})
			}
		}
		if ext.FoundRefs != ext.DeclaredRefs {
			plan.Actions = append(plan.Actions, RepairAction{
				Op:              RepairFixRefCount,
				ExtentStart:     k.Start,
				ExtentLen:       ext.Len,
				Detail:          fmt.Sprintf("declared=%v found=%v", ext.DeclaredRefs, ext.FoundRefs),
				itemKey:         ext.ItemKey,
				extentFoundRefs: ext.FoundRefs,
			})
		}
	}

	dlog.Infof(ctx, "checker: repair plan has %d action(s)", len(plan.Actions))
	return plan
}

func backrefDetail(b backref) string {
	if b.Kind == backrefTree {
		if b.Full {
			return fmt.Sprintf("tree-block backref, full ref via parent %v", b.Parent)
		}
		return fmt.Sprintf("tree-block backref, root %v", b.Root)
	}
	if b.Full {
		return fmt.Sprintf("data backref, shared via parent %v", b.Parent)
	}
	return fmt.Sprintf("data backref, root %v owner %v fileoff %v", b.Root, b.Owner, b.FileOff)
}

// backrefItemKey returns the key of the TREE_BLOCK_REF/SHARED_BLOCK_REF
// item a tree-block backref corresponds to. It returns the zero Key
// (ItemType 0, which no real item ever has) for a data backref, whose
// EXTENT_DATA_REF/SHARED_DATA_REF key includes a content hash this
// tool has no way to derive.
func backrefItemKey(extentStart btrfsvol.LogicalAddr, b backref) btrfsprim.Key {
	if b.Kind != backrefTree {
		return btrfsprim.Key{}
	}
	if b.Full {
		return btrfsprim.Key{ObjectID: btrfsprim.ObjID(extentStart), ItemType: btrfsitem.SHARED_BLOCK_REF_KEY, Offset: uint64(b.Parent)}
	}
	return btrfsprim.Key{ObjectID: btrfsprim.ObjID(extentStart), ItemType: btrfsitem.TREE_BLOCK_REF_KEY, Offset: uint64(b.Root)}
}

// RepairAuditEntry is one line of the JSON audit trail Apply produces:
// what action was attempted and whether it was applied or skipped.
type RepairAuditEntry struct {
	Op          RepairOp             `json:"op"`
	ExtentStart btrfsvol.LogicalAddr `json:"extent_start"`
	ExtentLen   btrfsvol.AddrDelta   `json:"extent_len"`
	Detail      string               `json:"detail"`
	Applied     bool                 `json:"applied"`
	Error       string               `json:"error,omitempty"`
}

// Apply executes plan against the extent tree, inserting, deleting, or
// fixing up the items its actions describe. Each action searches the
// tree fresh rather than reusing a plan-time leaf reference, since an
// earlier action in the same plan may have rewritten it. It mutates
// the target leaf in place at its existing address (see
// btrfstree.WriteNode) — call it only once the caller has opened the
// device read-write.
//
// Two shapes of action are reported (via the returned error, and
// logged) as skipped rather than attempted: a data backref
// (EXTENT_DATA_REF/SHARED_DATA_REF) insert/delete, whose key depends on
// a content hash this tool doesn't compute, and any insert whose
// target leaf has no free space, since making room would mean
// splitting the leaf, which this tool's mutation primitives don't do.
// See DESIGN.md. The returned audit log records every action attempted,
// applied or not; pass it to WriteAuditLog for a machine-readable trail.
func (p *RepairPlan) Apply(ctx context.Context, fs btrfstree.TreeOperatorImpl) ([]RepairAuditEntry, []error) {
	var errs []error
	log := make([]RepairAuditEntry, 0, len(p.Actions))
	for _, a := range p.Actions {
		entry := RepairAuditEntry{Op: a.Op, ExtentStart: a.ExtentStart, ExtentLen: a.ExtentLen, Detail: a.Detail}
		if err := a.apply(fs); err != nil {
			dlog.Errorf(ctx, "checker: repair: skipping %v: %v", a, err)
			errs = append(errs, fmt.Errorf("%v: %w", a, err))
			entry.Error = err.Error()
			log = append(log, entry)
			continue
		}
		dlog.Infof(ctx, "checker: repair: applied %v", a)
		entry.Applied = true
		log = append(log, entry)
	}
	return log, errs
}

// WriteAuditLog encodes log as a JSON array, one repair action per
// element, using the same streaming encoder the rest of this module
// uses for debug/dump output (lib/jsonutil, lib/containers.Set).
func WriteAuditLog(w io.Writer, log []RepairAuditEntry) error {
	return lowmemjson.NewEncoder(w).Encode(log)
}

func (a RepairAction) apply(fs btrfstree.TreeOperatorImpl) error {
	switch a.Op {
	case RepairInsertBackref:
		if a.backrefKey.ItemType == 0 {
			return fmt.Errorf("data backref key is not derivable; not applying")
		}
		_, node, err := fs.TreeSearchNode(btrfsprim.EXTENT_TREE_OBJECTID, btrfstree.KeySearch(a.backrefKey.Compare))
		if err != nil && !errors.Is(err, btrfstree.ErrNoItem) {
			return err
		}
		if err := btrfstree.InsertItem(&node.Data, btrfstree.Item{Key: a.backrefKey, Body: &btrfsitem.Empty{}}); err != nil {
			return err
		}
		return btrfstree.WriteNode(fs.Trees, node)

	case RepairDeleteBackref:
		if a.backrefKey.ItemType == 0 {
			return fmt.Errorf("data backref key is not derivable; not applying")
		}
		_, node, err := fs.TreeSearchNode(btrfsprim.EXTENT_TREE_OBJECTID, btrfstree.KeySearch(a.backrefKey.Compare))
		if err != nil {
			return err
		}
		if err := btrfstree.DeleteItem(&node.Data, a.backrefKey); err != nil {
			return err
		}
		return btrfstree.WriteNode(fs.Trees, node)

	case RepairFixRefCount:
		path, node, err := fs.TreeSearchNode(btrfsprim.EXTENT_TREE_OBJECTID, btrfstree.KeySearch(a.itemKey.Compare))
		if err != nil {
			return err
		}
		slot := path.Node(-1).FromItemSlot
		if slot < 0 || slot >= len(node.Data.BodyLeaf) {
			return fmt.Errorf("extent item at %v not found in its own leaf", a.itemKey)
		}
		var newBody btrfsitem.Item
		switch body := node.Data.BodyLeaf[slot].Body.(type) {
		case *btrfsitem.Extent:
			fixed := body.Clone()
			fixed.Head.Refs = a.extentFoundRefs
			newBody = &fixed
		case *btrfsitem.Metadata:
			fixed := body.Clone()
			fixed.Head.Refs = a.extentFoundRefs
			newBody = &fixed
		default:
			return fmt.Errorf("extent item at %v is a %T, not *Extent/*Metadata", a.itemKey, node.Data.BodyLeaf[slot].Body)
		}
		if err := btrfstree.UpdateItemBody(&node.Data, a.itemKey, newBody); err != nil {
			return err
		}
		return btrfstree.WriteNode(fs.Trees, node)

	default:
		return fmt.Errorf("unknown repair op %v", a.Op)
	}
}
