package pgtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novaos-project/novaos/arch"
	"github.com/novaos-project/novaos/arch/simarch"
	"github.com/novaos-project/novaos/mem"
)

func newWalker(t *testing.T) (*Walker, uint64) {
	t.Helper()
	tbl := mem.NewTable(4096)
	w := &Walker{Mem: tbl, Levels: simarch.Levels()}
	root, err := w.NewRoot()
	require.NoError(t, err)
	return w, root
}

func TestMapThenGetPFNRoundTrips(t *testing.T) {
	w, root := newWalker(t)
	dataPFN, err := w.Mem.AllocExact(1)
	require.NoError(t, err)

	const vaddr = 0x400000
	require.NoError(t, w.Map(root, vaddr, dataPFN, 1, arch.Read|arch.Write|arch.User, true))

	pfn, ok := w.GetPFN(root, vaddr)
	require.True(t, ok)
	require.Equal(t, dataPFN, pfn)
	require.EqualValues(t, 1, w.Mem.Frame(dataPFN).Refcount())
}

func TestUnmapDropsRefAndPresence(t *testing.T) {
	w, root := newWalker(t)
	dataPFN, err := w.Mem.AllocExact(1)
	require.NoError(t, err)
	const vaddr = 0x800000
	require.NoError(t, w.Map(root, vaddr, dataPFN, 1, arch.Read|arch.Write, true))

	w.Unmap(root, vaddr, 1, true)
	require.False(t, w.IsPresent(root, vaddr))
	require.Equal(t, mem.StateFree, w.Mem.Frame(dataPFN).State())
}

func TestMaskFlagsOnlyClearsRequestedBits(t *testing.T) {
	w, root := newWalker(t)
	dataPFN, err := w.Mem.AllocExact(1)
	require.NoError(t, err)
	const vaddr = 0xc00000
	require.NoError(t, w.Map(root, vaddr, dataPFN, 1, arch.Read|arch.Write|arch.Exec, false))

	w.MaskFlags(root, vaddr, 1, arch.Write)

	flags, ok := w.GetFlags(root, vaddr)
	require.True(t, ok)
	require.False(t, flags.Has(arch.Write))
	require.True(t, flags.Has(arch.Exec))
}

func TestCopyDuplicatesPTEVerbatim(t *testing.T) {
	w, srcRoot := newWalker(t)
	dstRoot, err := w.NewRoot()
	require.NoError(t, err)

	dataPFN, err := w.Mem.AllocExact(1)
	require.NoError(t, err)
	const vaddr = 0x1000000
	require.NoError(t, w.Map(srcRoot, vaddr, dataPFN, 1, arch.Read|arch.User, true))

	w.Copy(srcRoot, dstRoot, vaddr, 1)

	pfn, ok := w.GetPFN(dstRoot, vaddr)
	require.True(t, ok)
	require.Equal(t, dataPFN, pfn)
}

func TestMultiPageMapSpansAcrossDirectoryBoundary(t *testing.T) {
	w, root := newWalker(t)
	const n = 16
	dataPFN, err := w.Mem.AllocExact(n)
	require.NoError(t, err)

	// Pages 500..515 straddle vaddr 0x200000, where the first directory
	// entry's 512-page leaf table ends and the second one's begins.
	const vaddr = 500 * mem.PageSize
	require.NoError(t, w.Map(root, vaddr, dataPFN, n, arch.Read|arch.Write, true))

	for i := uint64(0); i < n; i++ {
		pfn, ok := w.GetPFN(root, vaddr+i*mem.PageSize)
		require.True(t, ok)
		require.Equal(t, dataPFN+i, pfn)
	}
}

// Three-level chain whose middle level supports huge leaves, for
// exercising the walker's early-terminating huge paths.
type testEntryOps struct{}

const (
	tPresent  = 1 << 0
	tWrite    = 1 << 1
	tHuge     = 1 << 7
	tPFNShift = 12
)

func (testEntryOps) Present(e arch.Entry) bool     { return uint64(e)&tPresent != 0 }
func (testEntryOps) NextTable(e arch.Entry) uint64 { return uint64(e) >> tPFNShift }
func (testEntryOps) SetNextTable(e *arch.Entry, pfn uint64, flags arch.Flags) {
	*e = arch.Entry(pfn<<tPFNShift | tPresent)
}
func (testEntryOps) GetFlags(e arch.Entry) arch.Flags {
	f := arch.Read
	if uint64(e)&tWrite != 0 {
		f |= arch.Write
	}
	return f
}
func (testEntryOps) SetFlags(e *arch.Entry, f arch.Flags) {
	pfn := uint64(*e) >> tPFNShift
	huge := uint64(*e) & tHuge
	bits := uint64(tPresent)
	if f.Has(arch.Write) {
		bits |= tWrite
	}
	*e = arch.Entry(pfn<<tPFNShift | bits | huge)
}
func (testEntryOps) GetPFN(e arch.Entry) uint64 { return uint64(e) >> tPFNShift }
func (testEntryOps) SetPFN(e *arch.Entry, pfn uint64, flags arch.Flags) {
	bits := uint64(tPresent)
	if flags.Has(arch.Write) {
		bits |= tWrite
	}
	*e = arch.Entry(pfn<<tPFNShift | bits)
}
func (testEntryOps) Clear(e *arch.Entry)      { *e = 0 }
func (testEntryOps) IsHuge(e arch.Entry) bool { return uint64(e)&tHuge != 0 }
func (testEntryOps) SetHuge(e *arch.Entry, pfn uint64, flags arch.Flags) {
	bits := uint64(tPresent | tHuge)
	if flags.Has(arch.Write) {
		bits |= tWrite
	}
	*e = arch.Entry(pfn<<tPFNShift | bits)
}

type testTop struct{ testEntryOps }

func (testTop) Shift() uint   { return 30 }
func (testTop) Bits() uint    { return 9 }
func (testTop) HasHuge() bool { return false }

type testMid struct{ testEntryOps }

func (testMid) Shift() uint   { return 21 }
func (testMid) Bits() uint    { return 9 }
func (testMid) HasHuge() bool { return true }

type testLeaf struct{ testEntryOps }

func (testLeaf) Shift() uint   { return 12 }
func (testLeaf) Bits() uint    { return 9 }
func (testLeaf) HasHuge() bool { return false }

func newHugeWalker(t *testing.T) (*Walker, uint64) {
	t.Helper()
	tbl := mem.NewTable(4096)
	w := &Walker{Mem: tbl, Levels: []arch.LevelOps{testTop{}, testMid{}, testLeaf{}}}
	root, err := w.NewRoot()
	require.NoError(t, err)
	return w, root
}

func TestHugeLeafShortCircuitsLookups(t *testing.T) {
	w, root := newHugeWalker(t)
	const vaddr = uint64(1) << 30
	const hugePFN = 1024

	require.NoError(t, w.MapHuge(root, vaddr, hugePFN, 1, arch.Read|arch.Write))

	pfn, ok := w.GetPFN(root, vaddr)
	require.True(t, ok)
	require.EqualValues(t, hugePFN, pfn)

	// Pages inside the huge span resolve to consecutive frames.
	pfn, ok = w.GetPFN(root, vaddr+5*mem.PageSize)
	require.True(t, ok)
	require.EqualValues(t, hugePFN+5, pfn)

	flags, ok := w.GetFlags(root, vaddr+17*mem.PageSize)
	require.True(t, ok)
	require.True(t, flags.Has(arch.Write))
	require.True(t, w.IsPresent(root, vaddr))
}

func TestMappingThroughHugeLeafPanics(t *testing.T) {
	w, root := newHugeWalker(t)
	const vaddr = uint64(1) << 30
	require.NoError(t, w.MapHuge(root, vaddr, 1024, 1, arch.Read))

	dataPFN, err := w.Mem.AllocExact(1)
	require.NoError(t, err)
	require.Panics(t, func() {
		_ = w.Map(root, vaddr+mem.PageSize, dataPFN, 1, arch.Read, false)
	})
}

func TestUnmapFreesEmptiedIntermediateTables(t *testing.T) {
	w, root := newWalker(t)
	baseline := w.Mem.FreeFrames() // root table already carved out
	dataPFN, err := w.Mem.AllocExact(1)
	require.NoError(t, err)
	const vaddr = 0x1c00000
	require.NoError(t, w.Map(root, vaddr, dataPFN, 1, arch.Read|arch.Write, true))
	require.NotEqual(t, baseline, w.Mem.FreeFrames())

	// Unmapping the only entry empties the leaf table, which is
	// destroyed on the ascent; every frame the mapping pulled in goes
	// back to the buddy.
	w.Unmap(root, vaddr, 1, true)
	require.Equal(t, baseline, w.Mem.FreeFrames())
	require.False(t, w.IsPresent(root, vaddr))
}

func TestPartialUnmapKeepsPopulatedTable(t *testing.T) {
	w, root := newWalker(t)
	dataPFN, err := w.Mem.AllocExact(2)
	require.NoError(t, err)
	const vaddr = 0x2000000
	require.NoError(t, w.Map(root, vaddr, dataPFN, 2, arch.Read, true))

	w.Unmap(root, vaddr, 1, true)
	require.False(t, w.IsPresent(root, vaddr))
	pfn, ok := w.GetPFN(root, vaddr+mem.PageSize)
	require.True(t, ok)
	require.Equal(t, dataPFN+1, pfn)
}

func TestFreeRootReturnsTheRootFrame(t *testing.T) {
	tbl := mem.NewTable(256)
	w := &Walker{Mem: tbl, Levels: simarch.Levels()}
	baseline := tbl.FreeFrames()
	root, err := w.NewRoot()
	require.NoError(t, err)
	require.Equal(t, baseline-1, tbl.FreeFrames())

	w.FreeRoot(root)
	require.Equal(t, baseline, tbl.FreeFrames())
}
