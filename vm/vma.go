package vm

import (
	"sync"

	"github.com/novaos-project/novaos/arch"
	"github.com/novaos-project/novaos/mem"
)

// ContentKind classifies what a VMA's pages actually back onto.
type ContentKind int

const (
	ContentUnknown ContentKind = iota
	ContentStack
	ContentFile
	ContentMmap
	ContentDMA
)

// ShareKind governs fork behaviour: Private VMAs are CoW-cloned,
// Shared VMAs have their PTEs copied verbatim onto both sides.
type ShareKind int

const (
	Private ShareKind = iota
	Shared
)

// Verdict is the internal fault-handler outcome enum.
type Verdict int

const (
	VerdictComplete Verdict = iota
	VerdictMapBackingPage
	VerdictMapBackingPageRo
	VerdictCopyBackingPage
	VerdictCannotHandle
)

// Fault describes one page-fault event, filled in by HandleFault and
// consumed by the VMA's handler.
type Fault struct {
	Addr    uint64
	Present bool
	Write   bool
	User    bool
	Exec    bool

	// FaultingPage is read by HandleFault before invoking the handler
	// when the fault was on a present PTE (the handler needs to know
	// what's already mapped to decide CoW vs plain map).
	FaultingPage uint64
	// BackingPage is set by the handler when it returns
	// MapBackingPage[Ro] or CopyBackingPage.
	BackingPage uint64
}

// Handler is the per-VMA fault handler contract.
type Handler interface {
	OnFault(vma *VMA, f *Fault) Verdict
}

// BackingFile is the minimal interface a VMA needs from a file-backed
// mapping's referent: refcounting, plus the writability query mprotect
// asks before granting shared write access. The concrete object
// (vfs.File) lives in another package; vm never imports it, keeping the
// dependency arrow pointing from vfs to vm.
type BackingFile interface {
	Ref()
	Unref()
	// Writable reports whether the file was opened for writing; a
	// shared mapping may only gain write permission when it is.
	Writable() bool
}

// Stats tracks the three ways pages under a VMA got where they are.
type Stats struct {
	Regular   int
	PageCache int
	Cow       int
}

// VMA is a half-open virtual range [Base, Base+NPages*PageSize) within
// one AddressSpace.
type VMA struct {
	mu sync.Mutex

	Base   uint64
	NPages uint64
	Flags  arch.Flags

	Content ContentKind
	Share   ShareKind

	Handler Handler
	Stats   Stats

	// File-backing, only meaningful when Content == ContentFile.
	File     BackingFile
	IOOffset uint64 // byte offset into the file, page-aligned
}

// Lock/Unlock expose the VMA's own lock.
func (v *VMA) Lock()   { v.mu.Lock() }
func (v *VMA) Unlock() { v.mu.Unlock() }

// End returns the first address past the VMA's range.
func (v *VMA) End() uint64 { return v.Base + v.NPages*mem.PageSize }

// Contains reports whether vaddr falls inside this VMA's range.
func (v *VMA) Contains(vaddr uint64) bool {
	return vaddr >= v.Base && vaddr < v.End()
}

// clone produces a shallow copy of the VMA's metadata (not its PTEs);
// callers are responsible for the page-table side of sharing/CoW.
func (v *VMA) clone() *VMA {
	nv := *v
	nv.mu = sync.Mutex{}
	return &nv
}
