package vfs_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/ustr"
	"github.com/novaos-project/novaos/vfs"
)

func openScratch(t *testing.T) (*mem.Table, *vfs.File) {
	t.Helper()
	m, mt, root := newKernel(t)
	f, err := vfs.VfsOpenat(mt, root, root, ustr.Ustr("/scratch"), vfs.OpenFlags{Read: true, Write: true, Create: true})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return m, f
}

func TestWriteThenReadAcrossPageBoundary(t *testing.T) {
	_, f := openScratch(t)

	payload := bytes.Repeat([]byte("abcdefgh"), 1024) // 8192 bytes, two pages
	off := int64(mem.PageSize - 100)                  // straddles the first boundary
	_, err := f.Seek(off, 0)
	require.NoError(t, err)
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	_, err = f.Seek(off, 0)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	n, err = f.Read(got)
	require.NoError(t, err)
	require.Equal(t, payload, got[:n])
}

func TestWritePastEOFExtendsSize(t *testing.T) {
	_, f := openScratch(t)

	_, err := f.Seek(3*mem.PageSize, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("tail"))
	require.NoError(t, err)

	require.EqualValues(t, 3*mem.PageSize+4, f.Inode().StatOf().Size)

	// The hole reads back as zeroes.
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, make([]byte, 16), buf)
}

func TestReadClipsAtEOF(t *testing.T) {
	_, f := openScratch(t)
	_, err := f.Write([]byte("short"))
	require.NoError(t, err)

	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	n, err = f.Read(buf)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCacheHoldsOneReferencePerResidentPage(t *testing.T) {
	m, f := openScratch(t)
	_, err := f.Write(make([]byte, 2*mem.PageSize))
	require.NoError(t, err)

	cache := f.Inode().Cache
	pfn0, err := cache.GetForRead(0)
	require.NoError(t, err)
	pfn1, err := cache.GetForRead(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, m.Frame(pfn0).Refcount())
	require.EqualValues(t, 1, m.Frame(pfn1).Refcount())
}

func TestFlushOrDropAllEvictsAndFreesPages(t *testing.T) {
	m, f := openScratch(t)
	_, err := f.Write(make([]byte, 4*mem.PageSize))
	require.NoError(t, err)

	cache := f.Inode().Cache
	pfn0, err := cache.GetForRead(0)
	require.NoError(t, err)

	require.NoError(t, cache.FlushOrDropAll(true))
	require.Equal(t, mem.StateFree, m.Frame(pfn0).State())

	// Size is untouched by eviction; a re-read refills from the
	// filesystem (zeroes, for tmpfs).
	require.EqualValues(t, 4*mem.PageSize, f.Inode().StatOf().Size)
	refilled, err := cache.GetForRead(0)
	require.NoError(t, err)
	require.EqualValues(t, 1, m.Frame(refilled).Refcount())
}
