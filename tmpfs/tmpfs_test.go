package tmpfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/vfs"
)

func newRoot(t *testing.T) (*FS, *vfs.Inode) {
	t.Helper()
	fs := New(mem.NewTable(1024))
	root, err := fs.Mount("", "")
	require.NoError(t, err)
	return fs, root
}

func TestCreateThenLookup(t *testing.T) {
	fs, root := newRoot(t)
	created, err := fs.Create(root, "f", 0644)
	require.NoError(t, err)

	found, err := fs.Lookup(root, "f")
	require.NoError(t, err)
	require.Equal(t, created.Ino, found.Ino)
	require.Equal(t, vfs.TypeFile, found.Type)

	_, err = fs.Lookup(root, "missing")
	require.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestCreateDuplicateFails(t *testing.T) {
	fs, root := newRoot(t)
	_, err := fs.Create(root, "f", 0644)
	require.NoError(t, err)
	_, err = fs.Create(root, "f", 0644)
	require.ErrorIs(t, err, vfs.ErrExists)
	_, err = fs.Mkdir(root, "f", 0755)
	require.ErrorIs(t, err, vfs.ErrExists)
}

func TestRmdirRefusesNonEmptyAndNonDir(t *testing.T) {
	fs, root := newRoot(t)
	d, err := fs.Mkdir(root, "d", 0755)
	require.NoError(t, err)
	_, err = fs.Create(d, "child", 0644)
	require.NoError(t, err)

	require.ErrorIs(t, fs.Rmdir(root, "d"), vfs.ErrNotSupported)

	_, err = fs.Create(root, "f", 0644)
	require.NoError(t, err)
	require.ErrorIs(t, fs.Rmdir(root, "f"), vfs.ErrNotDir)

	require.NoError(t, fs.Unlink(d, "child"))
	require.NoError(t, fs.Rmdir(root, "d"))
	_, err = fs.Lookup(root, "d")
	require.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestUnlinkRefusesDirectory(t *testing.T) {
	fs, root := newRoot(t)
	_, err := fs.Mkdir(root, "d", 0755)
	require.NoError(t, err)
	require.ErrorIs(t, fs.Unlink(root, "d"), vfs.ErrIsDir)
}

func TestHardlinkSharesTheInode(t *testing.T) {
	fs, root := newRoot(t)
	n, err := fs.Create(root, "a", 0644)
	require.NoError(t, err)
	require.NoError(t, fs.Hardlink(root, "b", n))

	viaB, err := fs.Lookup(root, "b")
	require.NoError(t, err)
	require.Equal(t, n.Ino, viaB.Ino)

	d, err := fs.Mkdir(root, "d", 0755)
	require.NoError(t, err)
	require.ErrorIs(t, fs.Hardlink(root, "dlink", d), vfs.ErrIsDir)
}

func TestRenameMovesAcrossDirectories(t *testing.T) {
	fs, root := newRoot(t)
	src, err := fs.Mkdir(root, "src", 0755)
	require.NoError(t, err)
	dst, err := fs.Mkdir(root, "dst", 0755)
	require.NoError(t, err)
	n, err := fs.Create(src, "f", 0644)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(src, "f", dst, "g"))
	_, err = fs.Lookup(src, "f")
	require.ErrorIs(t, err, vfs.ErrNotFound)
	moved, err := fs.Lookup(dst, "g")
	require.NoError(t, err)
	require.Equal(t, n.Ino, moved.Ino)
}

func TestSymlinkRoundTrip(t *testing.T) {
	fs, root := newRoot(t)
	n, err := fs.Symlink(root, "l", "/target/path")
	require.NoError(t, err)
	require.Equal(t, vfs.TypeSymlink, n.Type)
	require.EqualValues(t, len("/target/path"), n.Size)

	target, err := fs.Readlink(n)
	require.NoError(t, err)
	require.Equal(t, "/target/path", target)

	f, err := fs.Create(root, "plain", 0644)
	require.NoError(t, err)
	_, err = fs.Readlink(f)
	require.ErrorIs(t, err, vfs.ErrNotSupported)
}

func TestIterateDirYieldsSortedEntries(t *testing.T) {
	fs, root := newRoot(t)
	for _, name := range []string{"zz", "aa", "mm"} {
		_, err := fs.Create(root, name, 0644)
		require.NoError(t, err)
	}
	var names []string
	require.NoError(t, fs.IterateDir(root, func(e vfs.DirEntry) bool {
		names = append(names, e.Name)
		return true
	}))
	require.Equal(t, []string{"aa", "mm", "zz"}, names)
}

func TestFillCacheHandsOutZeroedFrames(t *testing.T) {
	m := mem.NewTable(1024)
	fs := New(m)
	root, err := fs.Mount("", "")
	require.NoError(t, err)
	n, err := fs.Create(root, "f", 0644)
	require.NoError(t, err)

	pfn, err := fs.FillCache(n, 0)
	require.NoError(t, err)
	for _, b := range m.FrameData(pfn) {
		require.Zero(t, b)
	}
}

func TestInoNumbersAreUnique(t *testing.T) {
	fs, root := newRoot(t)
	seen := map[uint64]bool{root.Ino: true}
	for _, name := range []string{"a", "b", "c"} {
		n, err := fs.Create(root, name, 0644)
		require.NoError(t, err)
		require.False(t, seen[n.Ino])
		seen[n.Ino] = true
	}
}
