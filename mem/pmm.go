package mem

import (
	"errors"

	"github.com/novaos-project/novaos/klog"
	"github.com/novaos-project/novaos/kmetrics"
)

// ErrOutOfMemory is returned by AllocExact when the buddy allocator has
// no block of the required order ceiling left.
var ErrOutOfMemory = errors.New("mem: out of physical memory")

// Region describes a boot-reported contiguous physical range, used only
// to seed the buddy allocator and answer "is this reserved?" queries.
type Region struct {
	PFNStart uint64
	NFrames  uint64
	Reserved bool
	Platform string
}

// Init builds a frame table sized for the highest PFN among regions and
// reserves every region flagged Reserved, mirroring pmm_init's two-pass
// boot sequence (seed the buddy, then carve out firmware ranges).
func Init(regions []Region) *Table {
	var maxPFN uint64
	for _, r := range regions {
		if end := r.PFNStart + r.NFrames; end > maxPFN {
			maxPFN = end
		}
	}
	t := NewTable(maxPFN)
	for _, r := range regions {
		if r.Reserved {
			t.Reserve(r.PFNStart, r.NFrames)
		}
	}
	klog.Info("pmm initialised", klog.Fields{"frames": maxPFN, "regions": len(regions)})
	t.publishMetrics()
	return t
}

// Ref adds n to the reference count of each of n consecutive frames
// starting at pfn. Allocation itself sets refcount to zero; the first
// Ref is what turns a freshly allocated run into something owned by a
// page table mapping or a page cache entry.
func (t *Table) Ref(pfn, nframes uint64) {
	for i := uint64(0); i < nframes; i++ {
		t.frames[pfn+i].refcount.Add(1)
	}
}

// Unref decrements the reference count of each of n consecutive frames
// starting at pfn; any frame whose count reaches zero is returned to the
// buddy allocator.
func (t *Table) Unref(pfn, nframes uint64) {
	for i := uint64(0); i < nframes; i++ {
		f := &t.frames[pfn+i]
		if f.refcount.Load() == 0 {
			panic("mem: Unref of a frame with zero refcount")
		}
		if f.refcount.Add(^uint32(0)) == 0 {
			t.Free(pfn+i, 1)
		}
	}
	t.publishMetrics()
}

// AllocZeroed allocates a single frame and zeroes its backing storage,
// leaving its refcount at zero per the allocator's contract: the first
// Ref is whatever maps it in or inserts it into a page cache. This is
// the path both the zero page and zero-on-demand anonymous faults use.
func (t *Table) AllocZeroed() (uint64, error) {
	pfn, err := t.AllocExact(1)
	if err != nil {
		kmetrics.AllocFailedTotal.Inc()
		return 0, err
	}
	data := t.FrameData(pfn)
	for i := range data {
		data[i] = 0
	}
	kmetrics.AllocTotal.Inc()
	t.publishMetrics()
	return pfn, nil
}

func (t *Table) publishMetrics() {
	kmetrics.FramesFree.Set(float64(t.FreeFrames()))
	kmetrics.FramesAllocated.Set(float64(t.AllocatedFrames()))
}
