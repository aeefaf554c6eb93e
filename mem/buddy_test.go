package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuddyReserveThenAllocLandsAfterReservation(t *testing.T) {
	tbl := NewTable(1024)
	tbl.Reserve(0, 16) // PFNs 0..=15

	pfn, err := tbl.AllocExact(17)
	require.NoError(t, err)
	require.EqualValues(t, 16, pfn)

	tbl.Free(pfn, 17)

	pfn2, err := tbl.AllocExact(32)
	require.NoError(t, err)
	require.EqualValues(t, 16, pfn2)
}

func TestAllocExactRoundTripRestoresFreeCount(t *testing.T) {
	tbl := NewTable(1024)
	before := tbl.FreeFrames()

	pfn, err := tbl.AllocExact(200)
	require.NoError(t, err)
	require.NotEqual(t, before, tbl.FreeFrames())

	tbl.Free(pfn, 200)
	require.Equal(t, before, tbl.FreeFrames())
}

func TestAllocExactFailsPastCapacity(t *testing.T) {
	tbl := NewTable(64)
	_, err := tbl.AllocExact(1 << 20)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestFreeOfUnallocatedFramePanics(t *testing.T) {
	tbl := NewTable(64)
	require.Panics(t, func() {
		tbl.Free(0, 1)
	})
}

func TestRefUnrefReturnsFrameToBuddyAtZero(t *testing.T) {
	tbl := NewTable(64)
	pfn, err := tbl.AllocExact(1)
	require.NoError(t, err)

	tbl.Ref(pfn, 1)
	tbl.Ref(pfn, 1)
	require.EqualValues(t, 2, tbl.Frame(pfn).Refcount())

	tbl.Unref(pfn, 1)
	require.Equal(t, StateAllocated, tbl.Frame(pfn).State())

	tbl.Unref(pfn, 1)
	require.Equal(t, StateFree, tbl.Frame(pfn).State())
}

func TestAllocZeroedZeroesBackingStorage(t *testing.T) {
	tbl := NewTable(64)
	pfn, err := tbl.AllocExact(1)
	require.NoError(t, err)
	data := tbl.FrameData(pfn)
	for i := range data {
		data[i] = 0xAA
	}
	tbl.Free(pfn, 1)

	zpfn, err := tbl.AllocZeroed()
	require.NoError(t, err)
	for _, b := range tbl.FrameData(zpfn) {
		require.Zero(t, b)
	}
	require.EqualValues(t, 0, tbl.Frame(zpfn).Refcount())
}
