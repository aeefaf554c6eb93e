package mem

import (
	"fmt"
	"sync"

	"github.com/novaos-project/novaos/klog"
)

// Table is the frame table plus the buddy freelists over it. There is
// normally exactly one, spanning every physical frame the platform
// reported at boot.
type Table struct {
	mu sync.Mutex // buddy_lock: guards frames[].state/order/free-links and freeHead

	frames []Frame
	arena  []byte // simulated backing storage, PageSize bytes per frame

	freeHead [MaxOrder + 1]int64

	allocatedFrames uint64
	reservedFrames  uint64
}

func pow2(order int) uint64 { return uint64(1) << uint(order) }

func log2(x uint64) uint {
	if x == 0 {
		return 0
	}
	var n uint
	for x > 1 {
		x >>= 1
		n++
	}
	return n
}

func log2Ceil(x uint64) uint {
	l := log2(x)
	if pow2(int(l)) < x {
		l++
	}
	return l
}

// NewTable builds a frame table covering nframes physical frames, all
// initially Free and seeded into the buddy's freelists from the largest
// possible blocks down, mirroring the boot-time PMM initialisation.
func NewTable(nframes uint64) *Table {
	t := &Table{
		frames: make([]Frame, nframes),
		arena:  make([]byte, nframes*PageSize),
	}
	for i := range t.freeHead {
		t.freeHead[i] = -1
	}
	for i := range t.frames {
		t.frames[i].freeNext = -1
		t.frames[i].freePrev = -1
	}

	t.mu.Lock()
	order := log2(nframes)
	if order > MaxOrder {
		order = MaxOrder
	}
	t.populateFreelist(0, nframes, order)
	t.mu.Unlock()
	return t
}

// NumFrames reports the total number of frames in the table.
func (t *Table) NumFrames() uint64 { return uint64(len(t.frames)) }

// Frame returns the frame record for pfn. Panics if pfn is out of range,
// the same "this is a kernel bug" treatment the source gives an
// out-of-bounds PFN.
func (t *Table) Frame(pfn uint64) *Frame {
	return &t.frames[pfn]
}

// FrameData returns the simulated page content backing pfn.
func (t *Table) FrameData(pfn uint64) []byte {
	return t.arena[pfn*PageSize : (pfn+1)*PageSize]
}

// populateFreelist seeds [start, start+nframes) into freelist[order],
// recursing into the next-lower order for whatever remainder doesn't
// divide evenly.
func (t *Table) populateFreelist(start, nframes uint64, order uint) {
	step := pow2(int(order))
	cur := start
	left := nframes
	for cur+step <= start+nframes {
		f := &t.frames[cur]
		f.state = StateFree
		f.order = uint8(order)
		t.addToFreelist(order, cur)
		cur += step
		left -= step
	}
	if left > 0 {
		t.populateFreelist(cur, left, order-1)
	}
}

func (t *Table) addToFreelist(order uint, pfn uint64) {
	f := &t.frames[pfn]
	f.order = uint8(order)

	head := t.freeHead[order]
	if head == -1 || uint64(head) > pfn {
		f.freeNext = head
		f.freePrev = -1
		if head != -1 {
			t.frames[head].freePrev = int64(pfn)
		}
		t.freeHead[order] = int64(pfn)
		return
	}
	node := head
	for t.frames[node].freeNext != -1 && uint64(t.frames[node].freeNext) < pfn {
		node = t.frames[node].freeNext
	}
	next := t.frames[node].freeNext
	t.frames[node].freeNext = int64(pfn)
	f.freePrev = node
	f.freeNext = next
	if next != -1 {
		t.frames[next].freePrev = int64(pfn)
	}
}

func (t *Table) removeFromFreelist(order uint, pfn uint64) {
	f := &t.frames[pfn]
	if f.freePrev == -1 {
		t.freeHead[order] = f.freeNext
	} else {
		t.frames[f.freePrev].freeNext = f.freeNext
	}
	if f.freeNext != -1 {
		t.frames[f.freeNext].freePrev = f.freePrev
	}
	f.freeNext, f.freePrev = -1, -1
}

func (t *Table) freelistEmpty(order uint) bool { return t.freeHead[order] == -1 }

// breakThisPFN splits the free block starting at pfn (of the given
// order) into two order-1 blocks.
func (t *Table) breakThisPFN(pfn uint64, order uint) {
	t.removeFromFreelist(order, pfn)
	half := pow2(int(order - 1))
	buddyPFN := pfn + half

	t.frames[pfn].state = StateFree
	t.frames[buddyPFN].state = StateFree
	t.addToFreelist(order-1, pfn)
	t.addToFreelist(order-1, buddyPFN)
}

// breakTheOrder finds the smallest order >= order with a free block and
// splits it all the way down until order has a free block, or reports
// that there isn't one (out of memory).
func (t *Table) breakTheOrder(order uint) bool {
	if order > MaxOrder {
		return false
	}
	if t.freelistEmpty(order) {
		if !t.breakTheOrder(order + 1) {
			return false
		}
	}
	if t.freelistEmpty(order) {
		return false
	}
	pfn := uint64(t.freeHead[order])
	t.breakThisPFN(pfn, order)
	return true
}

// extractExactRange pulls exactly nframes frames starting at start out
// of the freelists (splitting blocks as needed) and marks them with
// state, handling the "already reserved at order 0" overlap case the
// same way the source does.
func (t *Table) extractExactRange(start, nframes uint64, state FrameState) {
	var lastNframes uint64 = ^uint64(0)
	for nframes > 0 {
		if lastNframes == nframes {
			f := &t.frames[start]
			if state == StateReserved && f.state == StateReserved {
				start++
				nframes--
				continue
			}
			panic("mem: extractExactRange made no progress")
		}
		lastNframes = nframes

		// One pass walks the orders top-down: a block split at one order
		// leaves its halves on the next lower freelist, which the same
		// pass visits next.
		for order := int(MaxOrder); order >= 0; order-- {
			if t.freelistEmpty(uint(order)) {
				continue
			}
			node := t.freeHead[order]
			for node != -1 {
				startPFN := uint64(node)
				endPFN := startPFN + pow2(order) - 1
				if startPFN == start {
					if pow2(order) <= nframes {
						t.removeFromFreelist(uint(order), startPFN)
						t.frames[startPFN].state = state
						t.frames[startPFN].order = 0
						nframes -= pow2(order)
						start += pow2(order)
					} else {
						t.breakThisPFN(startPFN, uint(order))
					}
					break
				}
				if startPFN <= start && start <= endPFN {
					t.breakThisPFN(startPFN, uint(order))
					break
				}
				node = t.frames[node].freeNext
			}
			if nframes == 0 {
				break
			}
		}
	}
}

// tryMerge attempts to merge the block at pfn (of order) with its buddy,
// recursively climbing orders. Returns true if a merge (of any height)
// happened.
func (t *Table) tryMerge(pfn uint64, order uint) bool {
	if order > MaxOrder {
		return false
	}
	buddyPFN := pfn ^ pow2(int(order))
	if buddyPFN >= uint64(len(t.frames)) {
		return false
	}
	buddy := &t.frames[buddyPFN]
	if buddy.state != StateFree || uint(buddy.order) != order {
		return false
	}

	t.removeFromFreelist(order, buddyPFN)
	lo := pfn
	if buddyPFN < lo {
		lo = buddyPFN
	}
	if !t.tryMerge(lo, order+1) {
		t.frames[lo].state = StateFree
		t.addToFreelist(order+1, lo)
	}
	return true
}

// AllocExact allocates nframes contiguous frames, none of which need be
// a power of two apart from the allocator's own bookkeeping. Every
// returned frame is marked Allocated at order 0 so it can be individually
// freed. Returns the starting PFN, or an error if no block of the
// required order ceiling exists.
func (t *Table) AllocExact(nframes uint64) (uint64, error) {
	if nframes == 0 {
		return 0, fmt.Errorf("mem: AllocExact(0) is invalid")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	order := log2Ceil(nframes)
	if order > MaxOrder {
		return 0, ErrOutOfMemory
	}
	if t.freelistEmpty(order) {
		t.breakTheOrder(order + 1)
	}
	if t.freelistEmpty(order) {
		klog.Warn("pmm out of memory", klog.Fields{"order": order, "nframes": nframes})
		return 0, ErrOutOfMemory
	}

	start := uint64(t.freeHead[order])
	t.extractExactRange(start, nframes, StateAllocated)

	for i := uint64(0); i < nframes; i++ {
		f := &t.frames[start+i]
		f.state = StateAllocated
		f.order = 0
		f.refcount.Store(0)
	}
	t.allocatedFrames += nframes
	return start, nil
}

// Free returns nframes frames starting at pfn to the buddy allocator,
// merging with free buddies as far as possible. It panics if the range
// was not Allocated, the same invariant-violation-is-fatal policy the
// buddy and dentry caches share.
func (t *Table) Free(pfn, nframes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := uint64(0); i < nframes; i++ {
		f := &t.frames[pfn+i]
		if f.state != StateAllocated {
			klog.Emerg("freeing a non-allocated frame", klog.Fields{"pfn": pfn + i})
			panic("mem: Free of a non-allocated frame")
		}
		f.state = StateFree
		if !t.tryMerge(pfn+i, 0) {
			t.addToFreelist(0, pfn+i)
		}
	}
	t.allocatedFrames -= nframes
}

// Reserve carves [pfn, pfn+nframes) out of the freelists permanently,
// marking them Reserved. Used at boot to exclude firmware/MMIO ranges
// and the frame table itself from allocation.
func (t *Table) Reserve(pfn, nframes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extractExactRange(pfn, nframes, StateReserved)
	t.reservedFrames += nframes
}

// AllocatedFrames reports the number of frames currently Allocated.
func (t *Table) AllocatedFrames() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocatedFrames
}

// ReservedFrames reports the number of frames currently Reserved.
func (t *Table) ReservedFrames() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reservedFrames
}

// FreeFrames reports the number of frames currently Free.
func (t *Table) FreeFrames() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(len(t.frames)) - t.allocatedFrames - t.reservedFrames
}

// FreelistCounts reports how many blocks sit on each buddy order's
// freelist, for cmd/novactl's "pmm" introspection subcommand.
func (t *Table) FreelistCounts() [MaxOrder + 1]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var counts [MaxOrder + 1]int
	for order := 0; order <= MaxOrder; order++ {
		for pfn := t.freeHead[order]; pfn != -1; pfn = t.frames[pfn].freeNext {
			counts[order]++
		}
	}
	return counts
}
