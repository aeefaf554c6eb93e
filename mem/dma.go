package mem

// DMABuffer is a contiguous, kernel-mapped run of frames suitable for
// handing to a device driver.
type DMABuffer struct {
	table *Table
	pfn   uint64
	n     uint64
}

// AllocDMA allocates n contiguous, zeroed, referenced frames for device
// I/O. The caller owns the returned buffer until Free is called.
func (t *Table) AllocDMA(n uint64) (*DMABuffer, error) {
	pfn, err := t.AllocExact(n)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		t.Ref(pfn+i, 1)
	}
	for pfn2 := pfn; pfn2 < pfn+n; pfn2++ {
		d := t.FrameData(pfn2)
		for i := range d {
			d[i] = 0
		}
	}
	return &DMABuffer{table: t, pfn: pfn, n: n}, nil
}

// PFN returns the buffer's starting physical frame number.
func (b *DMABuffer) PFN() uint64 { return b.pfn }

// Len returns the buffer's length in frames.
func (b *DMABuffer) Len() uint64 { return b.n }

// Bytes exposes the buffer's contents for programmed I/O.
func (b *DMABuffer) Bytes() []byte {
	return b.table.arena[b.pfn*PageSize : (b.pfn+b.n)*PageSize]
}

// Free drops the DMA buffer's reference, unsharing it back to the
// buddy. A DMA buffer is only ever unshared by the subsystem that
// allocated it; it never crosses into another address space.
func (b *DMABuffer) Free() {
	for pfn := b.pfn; pfn < b.pfn+b.n; pfn++ {
		b.table.Unref(pfn, 1)
	}
}
