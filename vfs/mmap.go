package vfs

import (
	"github.com/novaos-project/novaos/arch"
	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/vm"
)

// VfsMmapFile wires a File into an address space as mmap_file: it
// installs the file-backed fault handler and gives the filesystem a
// chance to run its own File.Map hook.
func VfsMmapFile(as *vm.AddressSpace, hint uint64, share vm.ShareKind, prot arch.Flags, npages uint64, f *File, offset uint64, m *mem.Table) (uint64, error) {
	n := f.Inode()
	handler := NewFileHandler(n, m)
	base, err := vm.MmapFile(as, hint, vm.MmapFlags{Share: share}, prot, npages, f, offset, handler)
	if err != nil {
		return 0, err
	}
	if n.FileOps != nil {
		if err := n.FileOps.Map(f, base, offset); err != nil {
			return 0, err
		}
	}
	return base, nil
}

// VfsMunmap is munmap for a VMA that may be file-backed:
// it gives the filesystem a chance to run its own File.Unmap hook
// before tearing down the mapping via vm.Munmap.
func VfsMunmap(as *vm.AddressSpace, addr, size uint64) error {
	if v := as.Obtain(addr); v != nil {
		if f, ok := v.File.(*File); ok {
			if n := f.Inode(); n != nil && n.FileOps != nil {
				_ = n.FileOps.Unmap(f, addr)
			}
		}
		v.Unlock()
	}
	return vm.Munmap(as, addr, size)
}
