// Package mem is the physical memory manager: a flat frame table plus a
// buddy allocator over it, with atomic per-frame reference counting.
package mem

import "sync/atomic"

// PageSize is the native page size every frame, VMA and page-cache entry
// is measured in.
const PageSize = 4096

// MaxOrder bounds the buddy allocator's order range. Orders run 0..25,
// so a single contiguous allocation can reach 2^25 frames (128 GiB at a
// 4 KiB page size) without special-casing huge requests.
const MaxOrder = 25

// FrameState is the tri-state every frame in the table is in.
type FrameState uint8

const (
	// StateReserved frames are carved out at boot and never enter a
	// freelist (firmware-reserved ranges, the frame table itself).
	StateReserved FrameState = iota
	// StateFree frames sit on exactly one order's freelist.
	StateFree
	// StateAllocated frames are owned by a caller; refcount governs
	// when they return to the buddy.
	StateAllocated
)

func (s FrameState) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateFree:
		return "free"
	case StateAllocated:
		return "allocated"
	default:
		return "invalid"
	}
}

// Frame is one record in the physical frame table, one per page of
// physical memory. It is never destroyed once the table is built at
// boot; only its state changes over the kernel's lifetime.
type Frame struct {
	state FrameState
	order uint8
	dirty bool

	refcount atomic.Uint32

	// freeNext/freePrev link this frame into its order's freelist,
	// kept sorted by ascending PFN for deterministic allocation.
	// -1 marks a list end.
	freeNext int64
	freePrev int64
}

// State reports the frame's current lifecycle state.
func (f *Frame) State() FrameState { return f.state }

// Order reports the buddy order this frame currently belongs to. It is
// meaningful only while the frame is Free or immediately after an exact
// allocation (where every returned frame is reset to order 0 so it can
// be freed individually, per the allocator's contract).
func (f *Frame) Order() uint8 { return f.order }

// Refcount returns the frame's current reference count.
func (f *Frame) Refcount() uint32 { return f.refcount.Load() }

// Dirty reports whether the frame is a page-cache page with unflushed
// writes.
func (f *Frame) Dirty() bool { return f.dirty }

// SetDirty marks or clears the page-cache dirty bit. Only meaningful for
// frames owned by an inode page cache.
func (f *Frame) SetDirty(v bool) { f.dirty = v }
