package vm

import (
	"github.com/novaos-project/novaos/arch"
	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/util"
)

// MmapFlags carries an mmap request's placement and sharing mode.
type MmapFlags struct {
	Share ShareKind
	Exact bool // hint must be honored exactly, or fail
}

// UserEnd is the top of the user-mappable address range; mmap requests
// that would run off the end of it fail with OutOfVirtual.
const UserEnd = uint64(1) << 47

// MmapAnonymous reserves npages of anonymous memory, installing the
// CoW/ZoD handler as its fault handler.
func MmapAnonymous(as *AddressSpace, hint uint64, flags MmapFlags, prot arch.Flags, npages uint64) (uint64, error) {
	base, err := placeVMA(as, hint, flags, npages)
	if err != nil {
		return 0, err
	}

	v := &VMA{
		Base:    base,
		NPages:  npages,
		Flags:   prot,
		Content: ContentMmap,
		Share:   flags.Share,
		Handler: &CowZodHandler{Mem: as.Walker.Mem},
	}
	as.Insert(v)
	return base, nil
}

// MmapFile reserves npages mapped onto file starting at byte offset,
// which must be page-aligned. The caller supplies handler, the
// file-backed fault handler the new VMA uses; MmapFile takes the VMA's
// own reference on file.
func MmapFile(as *AddressSpace, hint uint64, flags MmapFlags, prot arch.Flags, npages uint64,
	file BackingFile, offset uint64, handler Handler) (uint64, error) {
	if offset%mem.PageSize != 0 {
		return 0, ErrPermissionDenied
	}
	base, err := placeVMA(as, hint, flags, npages)
	if err != nil {
		return 0, err
	}

	file.Ref()
	v := &VMA{
		Base:     base,
		NPages:   npages,
		Flags:    prot,
		Content:  ContentFile,
		Share:    flags.Share,
		Handler:  handler,
		File:     file,
		IOOffset: offset,
	}
	as.Insert(v)
	return base, nil
}

func placeVMA(as *AddressSpace, hint uint64, flags MmapFlags, npages uint64) (uint64, error) {
	need := npages * mem.PageSize
	if hint+need > UserEnd || hint+need < hint {
		return 0, ErrOutOfVirtual
	}
	if flags.Exact {
		as.mu.Lock()
		v := as.findLocked(hint)
		overlap := v != nil
		if !overlap {
			for _, c := range as.vmas {
				if c.Base < hint+need && hint < c.End() {
					overlap = true
					break
				}
			}
		}
		as.mu.Unlock()
		if overlap {
			return 0, ErrOverlap
		}
		return hint, nil
	}
	base, ok := as.FindFreeRange(hint, UserEnd, npages)
	if !ok {
		return 0, ErrOutOfVirtual
	}
	return base, nil
}

// Munmap obtains the VMA covering [addr, addr+size), splits it to
// isolate exactly that range, and destroys the isolated middle VMA:
// unmaps its PTEs (dropping refs) and releases its file reference if
// any.
func Munmap(as *AddressSpace, addr, size uint64) error {
	npages := util.Roundup(size, uint64(mem.PageSize)) / mem.PageSize
	v := as.Obtain(addr)
	if v == nil {
		return ErrPermissionDenied
	}
	startPage := (addr - v.Base) / mem.PageSize
	endPage := startPage + npages
	if endPage > v.NPages {
		endPage = v.NPages
	}
	v.Unlock()

	mid := as.SplitForRange(v, startPage, endPage)

	as.mu.Lock()
	as.removeLocked(mid)
	as.mu.Unlock()

	as.Walker.Unmap(as.Root, mid.Base, mid.NPages, true)
	if mid.File != nil {
		mid.File.Unref()
	}
	return nil
}

// Protect changes the permission bits of [addr, addr+size). Permission
// bits being dropped are cleared from the PTEs eagerly; permission bits
// being gained are never granted eagerly -- the fault
// handler grants them on demand, which is what lets a newly-writable
// private page still take a CoW fault.
func Protect(as *AddressSpace, addr, size uint64, prot arch.Flags) error {
	npages := util.Roundup(size, uint64(mem.PageSize)) / mem.PageSize
	v := as.Obtain(addr)
	if v == nil {
		return ErrPermissionDenied
	}
	// A file decides whether the requested permissions are compatible:
	// private write is always fine (it resolves as CoW), but shared
	// write requires a writable file.
	if prot.Has(arch.Write) && v.Share == Shared && v.File != nil && !v.File.Writable() {
		v.Unlock()
		return ErrPermissionDenied
	}
	startPage := (addr - v.Base) / mem.PageSize
	endPage := startPage + npages
	if endPage > v.NPages {
		endPage = v.NPages
	}
	v.Unlock()

	mid := as.SplitForRange(v, startPage, endPage)
	mid.Lock()
	lost := mid.Flags &^ prot
	mid.Flags = prot
	mid.Unlock()

	if lost != 0 {
		as.Walker.MaskFlags(as.Root, mid.Base, mid.NPages, lost)
	}
	return nil
}
