// Package pgtable is the architecture-independent page-table walker:
// the same recursive-descent code drives any chain of 2 to 5 levels,
// as long as each level supplies the arch.LevelOps capability set.
package pgtable

import (
	"encoding/binary"
	"errors"

	"github.com/novaos-project/novaos/arch"
	"github.com/novaos-project/novaos/kmetrics"
	"github.com/novaos-project/novaos/mem"
)

// ErrOutOfVirtual is returned when creating an intermediate table fails
// because the frame allocator is out of memory.
var ErrOutOfVirtual = errors.New("pgtable: cannot allocate intermediate table")

const entryBytes = 8

// Walker drives a []arch.LevelOps chain over frames owned by a
// mem.Table. A page-table page is itself a frame: intermediate tables
// are allocated and zeroed from the same buddy allocator every other
// frame comes from.
type Walker struct {
	Mem    *mem.Table
	Levels []arch.LevelOps // root (top) first, leaf (page) last

	// Invalidate is called once per page touched by an operation that
	// changed or removed an existing mapping. May be nil in tests.
	Invalidate func(vaddr uint64)
}

func (w *Walker) readEntry(tablePFN, idx uint64) arch.Entry {
	data := w.Mem.FrameData(tablePFN)
	return arch.Entry(binary.LittleEndian.Uint64(data[idx*entryBytes:]))
}

func (w *Walker) writeEntry(tablePFN, idx uint64, e arch.Entry) {
	data := w.Mem.FrameData(tablePFN)
	binary.LittleEndian.PutUint64(data[idx*entryBytes:], uint64(e))
}

// leafLevel is a convenience accessor for the bottom of the chain.
func (w *Walker) leafLevel() arch.LevelOps { return w.Levels[len(w.Levels)-1] }

// descend walks from root to the leaf table for vaddr, creating
// intermediate tables along the way when create is true. It returns the
// leaf table's PFN and the index within it, or ok=false if a table was
// missing and create was false. Meeting a huge leaf partway down is
// fatal on the create path: the walker never splits a huge mapping.
func (w *Walker) descend(rootPFN, vaddr uint64, create bool) (leafTablePFN, leafIdx uint64, ok bool) {
	cur := rootPFN
	for li := 0; li < len(w.Levels)-1; li++ {
		lvl := w.Levels[li]
		idx := arch.Index(vaddr, lvl)
		e := w.readEntry(cur, idx)
		if lvl.Present(e) && lvl.HasHuge() && lvl.IsHuge(e) {
			if create {
				panic("pgtable: cannot descend through a huge mapping")
			}
			return 0, 0, false
		}
		if !lvl.Present(e) {
			if !create {
				return 0, 0, false
			}
			newPFN, err := w.newTable()
			if err != nil {
				return 0, 0, false
			}
			var ne arch.Entry
			lvl.SetNextTable(&ne, newPFN, arch.Read|arch.Write|arch.User)
			w.writeEntry(cur, idx, ne)
			cur = newPFN
			continue
		}
		cur = lvl.NextTable(e)
	}
	leaf := w.leafLevel()
	leafIdx = arch.Index(vaddr, leaf)
	return cur, leafIdx, true
}

// newTable allocates, zeroes and references one page-table frame. A
// page-table page is itself a frame; creation and destruction move the
// live-table statistic.
func (w *Walker) newTable() (uint64, error) {
	pfn, err := w.Mem.AllocExact(1)
	if err != nil {
		return 0, err
	}
	data := w.Mem.FrameData(pfn)
	for i := range data {
		data[i] = 0
	}
	w.Mem.Ref(pfn, 1)
	kmetrics.PageTableFrames.Inc()
	return pfn, nil
}

// destroyTable returns an emptied page-table frame to the buddy.
func (w *Walker) destroyTable(tablePFN uint64) {
	kmetrics.PageTableFrames.Dec()
	w.Mem.Unref(tablePFN, 1)
}

// pathStep records one traversed (table, index) pair so an unmap can
// ascend back through the tables it walked.
type pathStep struct {
	tablePFN uint64
	idx      uint64
}

// descendPath is descend's read-path twin that keeps the full traversal
// chain, root table first, leaf table last.
func (w *Walker) descendPath(rootPFN, vaddr uint64) ([]pathStep, bool) {
	cur := rootPFN
	steps := make([]pathStep, 0, len(w.Levels))
	for li := 0; li < len(w.Levels)-1; li++ {
		lvl := w.Levels[li]
		idx := arch.Index(vaddr, lvl)
		e := w.readEntry(cur, idx)
		if !lvl.Present(e) || (lvl.HasHuge() && lvl.IsHuge(e)) {
			return nil, false
		}
		steps = append(steps, pathStep{cur, idx})
		cur = lvl.NextTable(e)
	}
	steps = append(steps, pathStep{cur, arch.Index(vaddr, w.leafLevel())})
	return steps, true
}

// tableEmpty reports whether a table frame holds no entries at all.
// Cleared entries are all-zero regardless of level, so a byte scan is
// enough.
func (w *Walker) tableEmpty(tablePFN uint64) bool {
	for _, b := range w.Mem.FrameData(tablePFN) {
		if b != 0 {
			return false
		}
	}
	return true
}

// releaseEmptyTables ascends an unmap's traversal path, destroying each
// table the unmap left empty and clearing its parent's entry, so empty
// tables report upwards until a still-populated one stops the climb.
// The root table is never destroyed here; its owner frees it via
// FreeRoot.
func (w *Walker) releaseEmptyTables(path []pathStep) {
	for i := len(path) - 1; i > 0; i-- {
		table := path[i].tablePFN
		if !w.tableEmpty(table) {
			return
		}
		parent := path[i-1]
		e := w.readEntry(parent.tablePFN, parent.idx)
		w.Levels[i-1].Clear(&e)
		w.writeEntry(parent.tablePFN, parent.idx, e)
		w.destroyTable(table)
	}
}

// Map installs n consecutive page mappings starting at vaddr, pointing
// at pfn, pfn+1, ... with the given flags. If ref is true each mapped
// frame's reference count is bumped by one for the new mapping; with ref
// false the caller hands the page table a reference it already holds.
func (w *Walker) Map(rootPFN, vaddr, pfn uint64, n uint64, flags arch.Flags, ref bool) error {
	leaf := w.leafLevel()
	for i := uint64(0); i < n; i++ {
		va := vaddr + i*mem.PageSize
		tablePFN, idx, ok := w.descend(rootPFN, va, true)
		if !ok {
			return ErrOutOfVirtual
		}
		var e arch.Entry
		leaf.SetPFN(&e, pfn+i, flags)
		w.writeEntry(tablePFN, idx, e)
		if ref {
			w.Mem.Ref(pfn+i, 1)
		}
	}
	return nil
}

// Unmap clears n page entries starting at vaddr. If unref is true each
// previously mapped frame's reference count is dropped by one.
// Intermediate tables emptied by the unmap are destroyed on the way
// back up.
func (w *Walker) Unmap(rootPFN, vaddr uint64, n uint64, unref bool) {
	leaf := w.leafLevel()
	for i := uint64(0); i < n; i++ {
		va := vaddr + i*mem.PageSize
		path, ok := w.descendPath(rootPFN, va)
		if !ok {
			continue
		}
		last := path[len(path)-1]
		e := w.readEntry(last.tablePFN, last.idx)
		if !leaf.Present(e) {
			continue
		}
		pfn := leaf.GetPFN(e)
		leaf.Clear(&e)
		w.writeEntry(last.tablePFN, last.idx, e)
		if w.Invalidate != nil {
			w.Invalidate(va)
		}
		if unref {
			w.Mem.Unref(pfn, 1)
		}
		w.releaseEmptyTables(path)
	}
}

// SetFlags overwrites the permission/cache flags of n existing mappings,
// leaving their PFNs untouched.
func (w *Walker) SetFlags(rootPFN, vaddr uint64, n uint64, flags arch.Flags) {
	leaf := w.leafLevel()
	for i := uint64(0); i < n; i++ {
		va := vaddr + i*mem.PageSize
		tablePFN, idx, ok := w.descend(rootPFN, va, false)
		if !ok {
			continue
		}
		e := w.readEntry(tablePFN, idx)
		if !leaf.Present(e) {
			continue
		}
		leaf.SetFlags(&e, flags)
		w.writeEntry(tablePFN, idx, e)
		if w.Invalidate != nil {
			w.Invalidate(va)
		}
	}
}

// MaskFlags clears the bits set in clearMask from n existing mappings'
// flags, used by mprotect to drop permissions eagerly without granting
// any.
func (w *Walker) MaskFlags(rootPFN, vaddr uint64, n uint64, clearMask arch.Flags) {
	leaf := w.leafLevel()
	for i := uint64(0); i < n; i++ {
		va := vaddr + i*mem.PageSize
		tablePFN, idx, ok := w.descend(rootPFN, va, false)
		if !ok {
			continue
		}
		e := w.readEntry(tablePFN, idx)
		if !leaf.Present(e) {
			continue
		}
		cur := leaf.GetFlags(e)
		leaf.SetFlags(&e, cur&^clearMask)
		w.writeEntry(tablePFN, idx, e)
		if w.Invalidate != nil {
			w.Invalidate(va)
		}
	}
}

// Copy duplicates n existing PTEs from src's page table into dst's at
// the same vaddr range, verbatim (including presence/absence); it does
// not itself bump refcounts — callers decide whether the copy shares or
// forks ownership.
func (w *Walker) Copy(srcRootPFN, dstRootPFN, vaddr uint64, n uint64) {
	leaf := w.leafLevel()
	for i := uint64(0); i < n; i++ {
		va := vaddr + i*mem.PageSize
		srcTable, srcIdx, ok := w.descend(srcRootPFN, va, false)
		if !ok {
			continue
		}
		e := w.readEntry(srcTable, srcIdx)
		if !leaf.Present(e) {
			continue
		}
		dstTable, dstIdx, ok := w.descend(dstRootPFN, va, true)
		if !ok {
			continue
		}
		w.writeEntry(dstTable, dstIdx, e)
	}
}

// findEntry walks toward vaddr and returns the deepest present entry
// together with its level ops and the number of leaf pages it spans. A
// huge leaf at an intermediate level terminates the walk early with
// span > 1.
func (w *Walker) findEntry(rootPFN, vaddr uint64) (lvl arch.LevelOps, e arch.Entry, span uint64, ok bool) {
	cur := rootPFN
	for li := 0; li < len(w.Levels)-1; li++ {
		l := w.Levels[li]
		ent := w.readEntry(cur, arch.Index(vaddr, l))
		if !l.Present(ent) {
			return nil, 0, 0, false
		}
		if l.HasHuge() && l.IsHuge(ent) {
			return l, ent, uint64(1) << (l.Shift() - w.leafLevel().Shift()), true
		}
		cur = l.NextTable(ent)
	}
	leaf := w.leafLevel()
	ent := w.readEntry(cur, arch.Index(vaddr, leaf))
	if !leaf.Present(ent) {
		return nil, 0, 0, false
	}
	return leaf, ent, 1, true
}

// GetPFN returns the physical frame mapped at vaddr, or ok=false if
// unmapped. A huge mapping reports the frame for vaddr's own page
// within its span.
func (w *Walker) GetPFN(rootPFN, vaddr uint64) (pfn uint64, ok bool) {
	lvl, e, span, found := w.findEntry(rootPFN, vaddr)
	if !found {
		return 0, false
	}
	base := lvl.GetPFN(e)
	if span > 1 {
		base += (vaddr >> w.leafLevel().Shift()) & (span - 1)
	}
	return base, true
}

// GetFlags returns the flags of the mapping at vaddr, or ok=false if
// unmapped.
func (w *Walker) GetFlags(rootPFN, vaddr uint64) (flags arch.Flags, ok bool) {
	lvl, e, _, found := w.findEntry(rootPFN, vaddr)
	if !found {
		return 0, false
	}
	return lvl.GetFlags(e), true
}

// MapHuge installs one huge leaf at levelIdx (counted from the root),
// mapping that level's full page span starting at pfn. The level must
// advertise huge support.
func (w *Walker) MapHuge(rootPFN, vaddr, pfn uint64, levelIdx int, flags arch.Flags) error {
	lvl := w.Levels[levelIdx]
	if !lvl.HasHuge() {
		panic("pgtable: MapHuge on a level without huge support")
	}
	cur := rootPFN
	for li := 0; li < levelIdx; li++ {
		l := w.Levels[li]
		idx := arch.Index(vaddr, l)
		e := w.readEntry(cur, idx)
		if !l.Present(e) {
			newPFN, err := w.newTable()
			if err != nil {
				return ErrOutOfVirtual
			}
			var ne arch.Entry
			l.SetNextTable(&ne, newPFN, arch.Read|arch.Write|arch.User)
			w.writeEntry(cur, idx, ne)
			cur = newPFN
			continue
		}
		cur = l.NextTable(e)
	}
	var e arch.Entry
	lvl.SetHuge(&e, pfn, flags)
	w.writeEntry(cur, arch.Index(vaddr, lvl), e)
	return nil
}

// IsPresent reports whether vaddr currently has a mapping.
func (w *Walker) IsPresent(rootPFN, vaddr uint64) bool {
	_, _, _, ok := w.findEntry(rootPFN, vaddr)
	return ok
}

// NewRoot allocates and zeroes a fresh top-level table frame, referenced
// once for the address space that owns it.
func (w *Walker) NewRoot() (uint64, error) {
	return w.newTable()
}

// FreeRoot destroys a top-level table previously returned by NewRoot,
// once its owner has unmapped everything under it.
func (w *Walker) FreeRoot(rootPFN uint64) {
	w.destroyTable(rootPFN)
}
