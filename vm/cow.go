package vm

import (
	"sync"

	"github.com/novaos-project/novaos/arch"
	"github.com/novaos-project/novaos/kmetrics"
	"github.com/novaos-project/novaos/mem"
)

// zeroPage is the single, lazily allocated, globally shared zero-filled
// frame mapped read-only into any private-anonymous VMA on read fault.
// It is never written to.
var zeroPageOnce sync.Once
var zeroPagePFN uint64

func zeroPage(m *mem.Table) uint64 {
	zeroPageOnce.Do(func() {
		pfn, err := m.AllocZeroed()
		if err != nil {
			panic("vm: failed to allocate the global zero page")
		}
		// Hold a permanent reference so map/unmap cycles can never
		// drop the frame back to the buddy out from under us.
		m.Ref(pfn, 1)
		zeroPagePFN = pfn
	})
	return zeroPagePFN
}

// CowZodHandler is the default fault handler installed on anonymous
// private VMAs: zero-on-demand on first read, copy-on-write on first
// write to a shared/zero frame.
type CowZodHandler struct {
	Mem *mem.Table
}

func (h *CowZodHandler) OnFault(v *VMA, f *Fault) Verdict {
	switch {
	case !f.Present && !f.Write:
		f.BackingPage = zeroPage(h.Mem)
		v.Stats.Cow++
		kmetrics.ZodFaults.Inc()
		return VerdictMapBackingPageRo

	case !f.Present && f.Write:
		pfn, err := h.Mem.AllocZeroed()
		if err != nil {
			return VerdictCannotHandle
		}
		f.BackingPage = pfn
		v.Stats.Regular++
		kmetrics.ZodFaults.Inc()
		return VerdictMapBackingPage

	case f.Present && f.Write:
		// Present but faulted on write: the page is mapped read-only
		// because it is either the shared zero page or a CoW-shadowed
		// private frame with more than one owner.
		if h.Mem.Frame(f.FaultingPage).Refcount() == 1 {
			// Sole owner: no one else can observe the write, so it's
			// safe to just flip the PTE writable in place.
			f.BackingPage = f.FaultingPage
			v.Stats.Cow--
			v.Stats.Regular++
			kmetrics.CowFaults.Inc()
			return VerdictMapBackingPage
		}
		pfn, err := h.Mem.AllocExact(1)
		if err != nil {
			return VerdictCannotHandle
		}
		copy(h.Mem.FrameData(pfn), h.Mem.FrameData(f.FaultingPage))
		h.Mem.Unref(f.FaultingPage, 1)
		f.BackingPage = pfn
		v.Stats.Cow--
		v.Stats.Regular++
		kmetrics.CowFaults.Inc()
		return VerdictCopyBackingPage

	default:
		return VerdictCannotHandle
	}
}

// ForkAddressSpace duplicates parent into a fresh child AddressSpace,
// cloning shared VMAs' PTEs verbatim and CoW-cloning private ones.
func ForkAddressSpace(parent *AddressSpace) (*AddressSpace, error) {
	child, err := NewAddressSpace(parent.Walker)
	if err != nil {
		return nil, err
	}

	unlock := LockPair(parent, child)
	defer unlock()

	for _, v := range parent.vmas {
		v.Lock()
		var cv *VMA
		switch v.Share {
		case Shared:
			cv = v.clone()
			parent.Walker.Copy(parent.Root, child.Root, v.Base, v.NPages)
			refRangeForShare(parent, v)
			if cv.File != nil {
				cv.File.Ref()
			}
		default: // Private
			cowCloneLocked(parent, child, v)
			cv = v.clone()
			if cv.File != nil {
				cv.File.Ref()
			}
		}
		v.Unlock()
		child.insertLocked(cv)
	}
	return child, nil
}

// refRangeForShare bumps the refcount of every frame a shared VMA maps,
// since both address spaces now point at the same frames.
func refRangeForShare(as *AddressSpace, v *VMA) {
	for i := uint64(0); i < v.NPages; i++ {
		if pfn, ok := as.Walker.GetPFN(as.Root, v.Base+i*mem.PageSize); ok {
			as.Walker.Mem.Ref(pfn, 1)
		}
	}
}

// cowCloneLocked implements the private-VMA half of fork: strip WRITE
// from every PTE of the source VMA (it is now CoW), copy the PTEs into
// the child, migrate stat.regular into stat.cow on the source, and
// install the same handler on the child.
func cowCloneLocked(parent, child *AddressSpace, v *VMA) {
	parent.Walker.MaskFlags(parent.Root, v.Base, v.NPages, arch.Write)
	parent.Walker.Copy(parent.Root, child.Root, v.Base, v.NPages)
	for i := uint64(0); i < v.NPages; i++ {
		if pfn, ok := parent.Walker.GetPFN(parent.Root, v.Base+i*mem.PageSize); ok {
			parent.Walker.Mem.Ref(pfn, 1)
		}
	}
	v.Stats.Cow += v.Stats.Regular
	v.Stats.Regular = 0
}
