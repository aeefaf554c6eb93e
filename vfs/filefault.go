package vfs

import (
	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/vm"
)

// FileHandler is the file-backed VMA fault handler: it
// consults the inode's page cache and resolves CoW on private mappings.
type FileHandler struct {
	Inode *Inode
	Mem   *mem.Table
}

func (h *FileHandler) OnFault(v *vm.VMA, f *vm.Fault) vm.Verdict {
	pgoff := (f.Addr - v.Base + v.IOOffset) / mem.PageSize

	if f.Present && f.Write {
		if v.Share == vm.Private {
			return h.cowFromPresent(v, f)
		}
		// A shared mapping faulting present+write means the PTE
		// lagged the VMA's own permissions; just re-grant them.
		f.BackingPage = f.FaultingPage
		return vm.VerdictMapBackingPage
	}

	pfn, err := h.Inode.Cache.GetForRead(pgoff)
	if err != nil {
		return vm.VerdictCannotHandle
	}
	f.BackingPage = pfn

	switch {
	case v.Share == vm.Private && f.Write:
		return h.copyFromCache(v, f, pfn)
	case v.Share == vm.Private:
		v.Stats.PageCache++
		v.Stats.Cow++
		return vm.VerdictMapBackingPageRo
	default: // Shared
		v.Stats.PageCache++
		v.Stats.Regular++
		return vm.VerdictMapBackingPage
	}
}

// copyFromCache handles a write fault on a private mapping's page that
// is not mapped yet: allocate a fresh frame, copy the cache page's
// content in, and hand the copy back writable.
func (h *FileHandler) copyFromCache(v *vm.VMA, f *vm.Fault, cachePFN uint64) vm.Verdict {
	pfn, err := h.Mem.AllocExact(1)
	if err != nil {
		return vm.VerdictCannotHandle
	}
	copy(h.Mem.FrameData(pfn), h.Mem.FrameData(cachePFN))
	f.BackingPage = pfn
	v.Stats.PageCache++
	v.Stats.Regular++
	return vm.VerdictCopyBackingPage
}

// cowFromPresent handles a write fault on a page already mapped
// read-only from the cache, on a private mapping:
// copy the currently-mapped cache frame into a fresh private frame.
func (h *FileHandler) cowFromPresent(v *vm.VMA, f *vm.Fault) vm.Verdict {
	pfn, err := h.Mem.AllocExact(1)
	if err != nil {
		return vm.VerdictCannotHandle
	}
	copy(h.Mem.FrameData(pfn), h.Mem.FrameData(f.FaultingPage))
	// The PTE about to be overwritten held a reference on the cache
	// frame; hand it back before the private copy takes its place.
	h.Mem.Unref(f.FaultingPage, 1)
	f.BackingPage = pfn
	v.Stats.Cow--
	v.Stats.PageCache--
	v.Stats.Regular++
	return vm.VerdictCopyBackingPage
}
