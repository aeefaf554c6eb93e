// Package simarch is a reference architecture back-end implementing
// arch.LevelOps: a plain two-level x86-style page table (a "directory"
// level pointing at "table" leaves), used to exercise and test the
// generic walker in package pgtable without committing to any real
// platform's PTE bit layout. It plays the role a concrete arch/amd64 or
// arch/riscv64 back-end would in a full kernel tree.
package simarch

import "github.com/novaos-project/novaos/arch"

const (
	bitPresent = 1 << 0
	bitWrite   = 1 << 1
	bitExec    = 1 << 2
	bitUser    = 1 << 3
	bitGlobal  = 1 << 4
	bitWT      = 1 << 5
	bitCD      = 1 << 6
	bitHuge    = 1 << 7
	pfnShift   = 12
)

func flagsToBits(f arch.Flags) uint64 {
	var b uint64
	if f.Has(arch.Write) {
		b |= bitWrite
	}
	if f.Has(arch.Exec) {
		b |= bitExec
	}
	if f.Has(arch.User) {
		b |= bitUser
	}
	if f.Has(arch.Global) {
		b |= bitGlobal
	}
	if f.Has(arch.WriteThrough) {
		b |= bitWT
	}
	if f.Has(arch.CacheDisable) {
		b |= bitCD
	}
	return b
}

func bitsToFlags(b uint64) arch.Flags {
	var f arch.Flags = arch.Read
	if b&bitWrite != 0 {
		f |= arch.Write
	}
	if b&bitExec != 0 {
		f |= arch.Exec
	}
	if b&bitUser != 0 {
		f |= arch.User
	}
	if b&bitGlobal != 0 {
		f |= arch.Global
	}
	if b&bitWT != 0 {
		f |= arch.WriteThrough
	}
	if b&bitCD != 0 {
		f |= arch.CacheDisable
	}
	return f
}

type entryOps struct{}

func (entryOps) Present(e arch.Entry) bool { return uint64(e)&bitPresent != 0 }

func (entryOps) NextTable(e arch.Entry) uint64 { return uint64(e) >> pfnShift }

func (entryOps) SetNextTable(e *arch.Entry, pfn uint64, flags arch.Flags) {
	*e = arch.Entry(pfn<<pfnShift | flagsToBits(flags) | bitPresent)
}

func (entryOps) GetFlags(e arch.Entry) arch.Flags { return bitsToFlags(uint64(e)) }

func (entryOps) SetFlags(e *arch.Entry, f arch.Flags) {
	pfn := uint64(*e) >> pfnShift
	huge := uint64(*e) & bitHuge
	*e = arch.Entry(pfn<<pfnShift | flagsToBits(f) | bitPresent | huge)
}

func (entryOps) GetPFN(e arch.Entry) uint64 { return uint64(e) >> pfnShift }

func (entryOps) SetPFN(e *arch.Entry, pfn uint64, flags arch.Flags) {
	*e = arch.Entry(pfn<<pfnShift | flagsToBits(flags) | bitPresent)
}

func (entryOps) Clear(e *arch.Entry) { *e = 0 }

func (entryOps) IsHuge(e arch.Entry) bool { return uint64(e)&bitHuge != 0 }

func (entryOps) SetHuge(e *arch.Entry, pfn uint64, flags arch.Flags) {
	*e = arch.Entry(pfn<<pfnShift | flagsToBits(flags) | bitPresent | bitHuge)
}

// directory is the top (non-leaf) level: 9 index bits above the leaf
// level's 21-bit (2 MiB) granularity. Its entries point at leaf tables;
// it does not itself support a huge leaf in this reference back-end
// (a real 3+-level arch would set HasHuge true here for 2 MiB pages).
type directory struct{ entryOps }

func (directory) Shift() uint   { return 21 }
func (directory) Bits() uint    { return 9 }
func (directory) HasHuge() bool { return false }

// table is the leaf (page) level: 9 index bits at 4 KiB granularity.
type table struct{ entryOps }

func (table) Shift() uint   { return 12 }
func (table) Bits() uint    { return 9 }
func (table) HasHuge() bool { return false }

// Levels returns the root-to-leaf chain for this two-level scheme, in
// the order package pgtable's Walker expects.
func Levels() []arch.LevelOps {
	return []arch.LevelOps{directory{}, table{}}
}

// CPU implements arch.Platform for the simulated machine: invalidations
// are counted rather than issued, and SwitchMM just records the active
// root.
type CPU struct {
	activeRoot    uint64
	invalidations uint64
}

func (c *CPU) InvalidateTLB(vaddr uint64) { c.invalidations++ }

func (c *CPU) SwitchMM(rootPFN uint64) { c.activeRoot = rootPFN }

// ActiveRoot reports the page-table root most recently switched to.
func (c *CPU) ActiveRoot() uint64 { return c.activeRoot }

// Invalidations reports how many per-page TLB invalidations were
// issued.
func (c *CPU) Invalidations() uint64 { return c.invalidations }
