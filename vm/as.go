package vm

import (
	"sort"
	"sync"

	"github.com/novaos-project/novaos/arch"
	"github.com/novaos-project/novaos/klog"
	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/pgtable"
)

// AddressSpace is the VMM's MMContext: a page-table root plus a sorted,
// non-overlapping list of VMAs and the lock covering both.
type AddressSpace struct {
	mu sync.Mutex // address-space lock: covers Root and vmas

	Root   uint64 // pgd frame PFN
	Walker *pgtable.Walker
	vmas   []*VMA

	// id gives two address spaces a total order for deadlock-free
	// lock-pair acquisition; the root PFN is a stable, comparable
	// stand-in for "address" here.
	id uint64
}

// NewAddressSpace allocates a fresh top-level page table and an empty
// VMA list.
func NewAddressSpace(w *pgtable.Walker) (*AddressSpace, error) {
	root, err := w.NewRoot()
	if err != nil {
		return nil, ErrOutOfPhysical
	}
	return &AddressSpace{Root: root, Walker: w, id: root}, nil
}

// Insert adds vma to the sorted list, panicking on overlap: two VMAs
// sharing an address is a kernel bug, not a recoverable error.
func (as *AddressSpace) Insert(v *VMA) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.insertLocked(v)
}

func (as *AddressSpace) insertLocked(v *VMA) {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].Base >= v.Base })
	if i > 0 && as.vmas[i-1].End() > v.Base {
		panic("vm: inserted VMA overlaps its predecessor")
	}
	if i < len(as.vmas) && as.vmas[i].Base < v.End() {
		panic("vm: inserted VMA overlaps its successor")
	}
	as.vmas = append(as.vmas, nil)
	copy(as.vmas[i+1:], as.vmas[i:])
	as.vmas[i] = v
}

func (as *AddressSpace) removeLocked(v *VMA) {
	for i, c := range as.vmas {
		if c == v {
			as.vmas = append(as.vmas[:i], as.vmas[i+1:]...)
			return
		}
	}
}

// findLocked returns the VMA containing vaddr, or nil.
func (as *AddressSpace) findLocked(vaddr uint64) *VMA {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].End() > vaddr })
	if i < len(as.vmas) && as.vmas[i].Contains(vaddr) {
		return as.vmas[i]
	}
	return nil
}

// Obtain finds the VMA containing vaddr and returns it with its own
// lock held; callers must Unlock it when done.
func (as *AddressSpace) Obtain(vaddr uint64) *VMA {
	as.mu.Lock()
	v := as.findLocked(vaddr)
	as.mu.Unlock()
	if v == nil {
		return nil
	}
	v.Lock()
	return v
}

// FindFreeRange returns the lowest address >= hint at which n pages fit
// without overlapping any existing VMA or ending past limit, used by
// mmap's "lowest free run at or above hint" placement policy.
func (as *AddressSpace) FindFreeRange(hint, limit uint64, n uint64) (uint64, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	need := n * mem.PageSize
	cand := hint
	for _, v := range as.vmas {
		if cand+need <= v.Base {
			break
		}
		if v.End() > cand {
			cand = v.End()
		}
	}
	if cand+need > limit || cand+need < cand {
		return 0, false
	}
	return cand, true
}

// Split cuts vma into two adjacent VMAs at pageOffset pages from its
// base. The second half inherits a bumped IOOffset and its own
// reference on the backing file.
func (as *AddressSpace) Split(v *VMA, pageOffset uint64) (*VMA, *VMA) {
	as.mu.Lock()
	defer as.mu.Unlock()

	right := v.clone()
	right.Base = v.Base + pageOffset*mem.PageSize
	right.NPages = v.NPages - pageOffset
	right.IOOffset = v.IOOffset + pageOffset*mem.PageSize
	if right.File != nil {
		right.File.Ref()
	}

	v.NPages = pageOffset

	as.insertLocked(right)
	return v, right
}

// SplitForRange produces a middle VMA covering exactly
// [startPage, endPage) pages of v by up to two splits of the VMA currently
// covering that range, and returns it.
func (as *AddressSpace) SplitForRange(v *VMA, startPage, endPage uint64) *VMA {
	base := v
	if startPage > 0 {
		_, right := as.Split(base, startPage)
		base = right
		endPage -= startPage
	}
	if endPage < base.NPages {
		left, _ := as.Split(base, endPage)
		base = left
	}
	return base
}

// Destroy unmaps every user VMA and tears down the user half of the
// page table. Real top-level "upper half aliases the kernel" sharing is
// an architecture concern outside this package; here destruction unmaps
// and unrefs each VMA's range, which frees the intermediate tables it
// emptied, and finally frees the root table itself.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	vmas := as.vmas
	as.vmas = nil
	as.mu.Unlock()

	for _, v := range vmas {
		as.Walker.Unmap(as.Root, v.Base, v.NPages, true)
		if v.File != nil {
			v.File.Unref()
		}
	}
	as.Walker.FreeRoot(as.Root)
	klog.Info("address space destroyed", klog.Fields{"vmas": len(vmas)})
}

// LockPair locks two address spaces in a fixed, address-ordered
// sequence to avoid the classic parent/child deadlock.
// It returns an unlock function.
func LockPair(a, b *AddressSpace) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if b.id < a.id {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// Activate makes this address space the calling CPU's translation
// context.
func (as *AddressSpace) Activate(p arch.Platform) {
	p.SwitchMM(as.Root)
}

// VMAs returns a snapshot slice of the address space's current VMAs,
// for diagnostics and tests.
func (as *AddressSpace) VMAs() []*VMA {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]*VMA, len(as.vmas))
	copy(out, as.vmas)
	return out
}
