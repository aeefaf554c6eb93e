package vm

import (
	"github.com/novaos-project/novaos/arch"
	"github.com/novaos-project/novaos/klog"
	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/util"
)

// FaultResult tells the caller (the trap layer, out of scope here) what
// to do after HandleFault returns.
type FaultResult int

const (
	// FaultHandled means the mapping is now fixed up; resume the
	// faulting instruction.
	FaultHandled FaultResult = iota
	// FaultSegv means deliver the architectural equivalent of SIGSEGV
	// to the current thread (a user-mode fault).
	FaultSegv
	// FaultPanic means the fault happened in kernel mode and is
	// unrecoverable.
	FaultPanic
)

// HandleFault is the page-fault dispatcher. It classifies
// the fault, locates the owning VMA, cross-checks permissions, invokes
// the VMA's handler, and applies the handler's verdict to the page
// table, issuing a TLB shootdown on any change.
func HandleFault(as *AddressSpace, f *Fault) FaultResult {
	if as == nil {
		return faultUnhandled(f, true)
	}

	v := as.Obtain(f.Addr)
	if v == nil {
		klog.Warn("fault on unmapped address", klog.Fields{"addr": f.Addr, "user": f.User})
		return faultUnhandled(f, !f.User)
	}
	defer v.Unlock()

	if f.Exec && !v.Flags.Has(arch.Exec) {
		return faultUnhandled(f, !f.User)
	}
	if f.Write && !v.Flags.Has(arch.Write) {
		return faultUnhandled(f, !f.User)
	}

	// mprotect may have added Exec to the VMA without eagerly granting
	// it in the PTE;
	// an exec fault on an otherwise-present page just needs the PTE bit
	// set, no handler call required.
	if f.Exec && f.Present {
		if flags, ok := as.Walker.GetFlags(as.Root, f.Addr); ok && !flags.Has(arch.Exec) {
			as.Walker.SetFlags(as.Root, f.Addr, 1, flags|arch.Exec)
			return FaultHandled
		}
	}

	if f.Present {
		if pfn, ok := as.Walker.GetPFN(as.Root, f.Addr); ok {
			f.FaultingPage = pfn
		}
	}

	if v.Handler == nil {
		return faultUnhandled(f, !f.User)
	}

	verdict := v.Handler.OnFault(v, f)
	// A handler that hands back the same frame that was already mapped
	// (the present-write, sole-owner case in CowZodHandler) is just
	// flipping that PTE's permissions in place, not creating a new
	// owner of the frame, so it must not bump the refcount again.
	sameFrame := f.Present && f.BackingPage == f.FaultingPage
	switch verdict {
	case VerdictComplete:
		return FaultHandled
	case VerdictMapBackingPage, VerdictMapBackingPageRo:
		flags := v.Flags
		if verdict == VerdictMapBackingPageRo {
			flags &^= arch.Write
		}
		as.Walker.Map(as.Root, alignDown(f.Addr), f.BackingPage, 1, flags, !sameFrame)
		shootdown(as, f.Addr)
		return FaultHandled
	case VerdictCopyBackingPage:
		as.Walker.Map(as.Root, alignDown(f.Addr), f.BackingPage, 1, v.Flags, true)
		shootdown(as, f.Addr)
		return FaultHandled
	default:
		klog.Warn("fault handler could not resolve fault", klog.Fields{"addr": f.Addr, "vma_base": v.Base})
		return faultUnhandled(f, !f.User)
	}
}

func faultUnhandled(f *Fault, kernelMode bool) FaultResult {
	nullPointer := f.Addr < 4096
	klog.Error("invalid page fault", klog.Fields{
		"addr":         f.Addr,
		"write":        f.Write,
		"exec":         f.Exec,
		"user":         f.User,
		"null_pointer": nullPointer,
		"kernel_mode":  kernelMode,
	})
	if kernelMode {
		return FaultPanic
	}
	return FaultSegv
}

func alignDown(addr uint64) uint64 {
	return util.Rounddown(addr, uint64(mem.PageSize))
}

func shootdown(as *AddressSpace, addr uint64) {
	if as.Walker.Invalidate != nil {
		as.Walker.Invalidate(alignDown(addr))
	}
}
