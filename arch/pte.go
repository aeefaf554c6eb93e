// Package arch is the architecture-opaque page-table-entry contract
// every platform back-end implements: the walker in package pgtable
// never interprets a PTE's bits directly, only through the small
// capability set defined here.
package arch

// Flags mirrors the permission/cache bits a PTE carries. A concrete
// architecture maps these onto its own bit positions inside EntryOps;
// package pgtable only ever passes Flags values around.
type Flags uint32

const (
	Read Flags = 1 << iota
	Write
	Exec
	User
	Global
	WriteThrough
	CacheDisable
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Entry is one raw page-table slot. Its bit layout is entirely up to the
// architecture back-end; the walker only ever touches it through
// EntryOps.
type Entry uint64

// Level describes one level of a platform's page-table hierarchy: how
// many address bits it indexes and at what shift, and whether a leaf
// entry may terminate here (a "huge page").
type Level interface {
	Shift() uint
	Bits() uint
	HasHuge() bool
}

// EntryOps is the capability set the walker needs at every level:
// test/read/write presence, the next-level table pointer, flags, and
// (where HasHuge is true) huge-leaf PFN access.
type EntryOps interface {
	Present(e Entry) bool

	NextTable(e Entry) uint64
	SetNextTable(e *Entry, pfn uint64, flags Flags)

	GetFlags(e Entry) Flags
	SetFlags(e *Entry, f Flags)

	GetPFN(e Entry) uint64
	SetPFN(e *Entry, pfn uint64, flags Flags)

	Clear(e *Entry)

	IsHuge(e Entry) bool
	SetHuge(e *Entry, pfn uint64, flags Flags)
}

// LevelOps bundles a Level with the EntryOps that act on its entries.
// A complete page-table chain is a []LevelOps ordered root (top) to
// leaf (bottom); the same walker code in package pgtable drives any
// chain from 2 levels through 5 just by varying its length.
type LevelOps interface {
	Level
	EntryOps
}

// Platform is the per-CPU hook set the VMM drives beyond the PTE
// capability chain: TLB invalidation after a mapping change, and
// switching the active translation context.
type Platform interface {
	InvalidateTLB(vaddr uint64)
	SwitchMM(rootPFN uint64)
}

// Index extracts this level's index bits out of a virtual address.
func Index(vaddr uint64, l Level) uint64 {
	mask := uint64(1)<<l.Bits() - 1
	return (vaddr >> l.Shift()) & mask
}
