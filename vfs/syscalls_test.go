package vfs_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novaos-project/novaos/tmpfs"
	"github.com/novaos-project/novaos/ustr"
	"github.com/novaos-project/novaos/vfs"
)

func TestOpenatSymlinkToDirectoryYieldsDirectoryIO(t *testing.T) {
	m, mt, root := newKernel(t)
	mustMkdir(t, mt, root, "/tmp")
	require.NoError(t, vfs.VfsMount(mt, root, ustr.Ustr("/tmp"), tmpfs.New(m), "", ""))

	mustMkdir(t, mt, root, "/tmp/a")
	require.NoError(t, vfs.VfsSymlink(mt, root, root, ustr.Ustr("/tmp/b"), "/tmp/a"))

	f, err := vfs.VfsOpenat(mt, root, root, ustr.Ustr("/tmp/b"), vfs.OpenFlags{Read: true, Dir: true})
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, vfs.KindDir, f.Kind)
	require.Equal(t, vfs.TypeDir, f.Inode().Type)
}

func TestOpenatCreateWriteReadBack(t *testing.T) {
	_, mt, root := newKernel(t)

	f, err := vfs.VfsOpenat(mt, root, root, ustr.Ustr("/hello"), vfs.OpenFlags{Read: true, Write: true, Create: true})
	require.NoError(t, err)
	defer f.Close()

	payload := []byte("the quick brown fox")
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err = f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestOpenatTruncateDiscardsPriorContents(t *testing.T) {
	_, mt, root := newKernel(t)
	f, err := vfs.VfsOpenat(mt, root, root, ustr.Ustr("/f"), vfs.OpenFlags{Write: true, Create: true})
	require.NoError(t, err)
	_, err = f.Write([]byte("old contents"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g, err := vfs.VfsOpenat(mt, root, root, ustr.Ustr("/f"), vfs.OpenFlags{Read: true, Truncate: true})
	require.NoError(t, err)
	defer g.Close()
	require.Zero(t, g.Inode().StatOf().Size)
	buf := make([]byte, 16)
	n, err := g.Read(buf)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestUnlinkedFileStaysReadableWhileOpen(t *testing.T) {
	_, mt, root := newKernel(t)
	f, err := vfs.VfsOpenat(mt, root, root, ustr.Ustr("/victim"), vfs.OpenFlags{Read: true, Write: true, Create: true})
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("still here"))
	require.NoError(t, err)
	ino := f.Inode().StatOf().Ino

	require.NoError(t, vfs.VfsUnlinkat(mt, root, root, ustr.Ustr("/victim")))

	// The name is gone...
	_, err = vfs.VfsFstatat(mt, root, root, ustr.Ustr("/victim"), vfs.ExpectAny, false)
	require.ErrorIs(t, err, vfs.ErrNotFound)

	// ...but the open file still reads its data and keeps its identity.
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "still here", string(buf[:n]))
	require.Equal(t, ino, f.Inode().StatOf().Ino)
	require.Zero(t, f.Inode().StatOf().Nlink)
}

func TestFstatatReportsTypeAndSize(t *testing.T) {
	_, mt, root := newKernel(t)
	mustMkdir(t, mt, root, "/d")
	f, err := vfs.VfsOpenat(mt, root, root, ustr.Ustr("/d/f"), vfs.OpenFlags{Write: true, Create: true})
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 1234))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err := vfs.VfsFstatat(mt, root, root, ustr.Ustr("/d/f"), vfs.ExpectFile, false)
	require.NoError(t, err)
	require.Equal(t, vfs.TypeFile, st.Type)
	require.EqualValues(t, 1234, st.Size)

	st, err = vfs.VfsFstatat(mt, root, root, ustr.Ustr("/d"), vfs.ExpectDir, false)
	require.NoError(t, err)
	require.Equal(t, vfs.TypeDir, st.Type)

	_, err = vfs.VfsFstatat(mt, root, root, ustr.Ustr("/d/f"), vfs.ExpectDir, false)
	require.ErrorIs(t, err, vfs.ErrNotDir)
}

func TestReadlinkatReturnsRawTarget(t *testing.T) {
	_, mt, root := newKernel(t)
	require.NoError(t, vfs.VfsSymlink(mt, root, root, ustr.Ustr("/l"), "/somewhere/else"))
	target, err := vfs.VfsReadlinkat(mt, root, root, ustr.Ustr("/l"))
	require.NoError(t, err)
	require.Equal(t, "/somewhere/else", target)
}

func TestChdiratAndGetcwd(t *testing.T) {
	_, mt, root := newKernel(t)
	mustMkdir(t, mt, root, "/a")
	mustMkdir(t, mt, root, "/a/b")

	cwd, err := vfs.VfsChdirat(mt, root, root, ustr.Ustr("/a/b"))
	require.NoError(t, err)
	require.Equal(t, "/a/b", vfs.VfsGetcwd(cwd, root))
	require.Equal(t, "/", vfs.VfsGetcwd(root, root))

	// Relative resolution starts from the new cwd.
	mustCreate(t, mt, root, "/a/b/f")
	d, err := vfs.Resolve(mt, cwd, root, ustr.Ustr("f"), vfs.ResolveFlags{Existence: vfs.MustExist})
	require.NoError(t, err)
	require.Equal(t, vfs.TypeFile, d.Inode().Type)
}

func TestFchmodatUpdatesPermissions(t *testing.T) {
	_, mt, root := newKernel(t)
	mustCreate(t, mt, root, "/f")
	require.NoError(t, vfs.VfsFchmodat(mt, root, root, ustr.Ustr("/f"), 0600))
	st, err := vfs.VfsFstatat(mt, root, root, ustr.Ustr("/f"), vfs.ExpectFile, false)
	require.NoError(t, err)
	require.EqualValues(t, 0600, st.Perm)
}

func TestListDirStreamsSortedEntries(t *testing.T) {
	_, mt, root := newKernel(t)
	mustMkdir(t, mt, root, "/d")
	mustCreate(t, mt, root, "/d/a")
	mustCreate(t, mt, root, "/d/bb")
	mustMkdir(t, mt, root, "/d/ccc")

	f, err := vfs.VfsOpenat(mt, root, root, ustr.Ustr("/d"), vfs.OpenFlags{Read: true, Dir: true})
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 4096)
	n, err := vfs.VfsListDir(f, buf)
	require.NoError(t, err)

	var names []string
	var types []vfs.InodeType
	rest := buf[:n]
	for len(rest) > 0 {
		reclen := binary.LittleEndian.Uint16(rest[16:18])
		require.NotZero(t, reclen)
		require.NotZero(t, binary.LittleEndian.Uint64(rest[0:8])) // ino
		types = append(types, vfs.InodeType(rest[18]))
		name := string(rest[19 : int(reclen)-1])
		require.Zero(t, rest[int(reclen)-1]) // NUL terminator
		names = append(names, name)
		rest = rest[reclen:]
	}
	require.Equal(t, []string{"a", "bb", "ccc"}, names)
	require.Equal(t, []vfs.InodeType{vfs.TypeFile, vfs.TypeFile, vfs.TypeDir}, types)

	// The stream is positional: a second call resumes past what was
	// already emitted and finds nothing left.
	n, err = vfs.VfsListDir(f, buf)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestUnmountRemovesMountAndRestoresMountpoint(t *testing.T) {
	m, mt, root := newKernel(t)
	mustMkdir(t, mt, root, "/mnt")
	require.NoError(t, vfs.VfsMount(mt, root, ustr.Ustr("/mnt"), tmpfs.New(m), "", ""))
	mustMkdir(t, mt, root, "/mnt/inner")

	require.NoError(t, vfs.VfsUnmount(mt, root, ustr.Ustr("/mnt")))

	// Resolution no longer crosses: the original, empty /mnt is back.
	_, err := vfs.Resolve(mt, root, root, ustr.Ustr("/mnt/inner"), vfs.ResolveFlags{Existence: vfs.MustExist})
	require.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestFsyncFlushesDirtyPages(t *testing.T) {
	_, mt, root := newKernel(t)
	f, err := vfs.VfsOpenat(mt, root, root, ustr.Ustr("/f"), vfs.OpenFlags{Write: true, Create: true})
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(make([]byte, 3*4096))
	require.NoError(t, err)
	require.NoError(t, vfs.VfsFsync(f))
}
