package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novaos-project/novaos/ustr"
)

func buildChain(t *testing.T) (root, a, b *Dentry) {
	t.Helper()
	root = NewDentry(nil, nil, nil, nil)
	a = NewDentry(root, ustr.Ustr("a"), nil, nil)
	root.insertChild(a)
	b = NewDentry(a, ustr.Ustr("b"), nil, nil)
	a.insertChild(b)
	return root, a, b
}

func TestRefUpToBumpsEveryDentryOnTheChain(t *testing.T) {
	root, a, b := buildChain(t)

	RefUpTo(b, root)
	require.EqualValues(t, 2, b.Refcount())
	require.EqualValues(t, 2, a.Refcount())
	require.EqualValues(t, 2, root.Refcount())

	Unref(b, root)
	require.EqualValues(t, 1, b.Refcount())
	require.EqualValues(t, 1, a.Refcount())
	require.EqualValues(t, 1, root.Refcount())
}

func TestReleaseFreesNegativeChildlessDentriesBottomUp(t *testing.T) {
	root, a, b := buildChain(t)

	// Unref walks the whole chain, dropping the construction
	// references: b goes first (negative, no children), which leaves a
	// childless so it goes too.
	Unref(b, root)
	_, ok := a.lookupChildLocal("b")
	require.False(t, ok)
	_, ok = root.lookupChildLocal("a")
	require.False(t, ok)
}

func TestDentryWithInodeIsNotReleasedAtZero(t *testing.T) {
	root := NewDentry(nil, nil, nil, nil)
	n := &Inode{Type: TypeFile}
	d := NewDentry(root, ustr.Ustr("kept"), n, nil)
	root.insertChild(d)

	tryRelease(d)
	require.EqualValues(t, 0, d.Refcount())

	// Positive dentries stay in the tree even at refcount zero; only
	// negative, childless ones are freed.
	cached, ok := root.lookupChildLocal("kept")
	require.True(t, ok)
	require.Equal(t, n, cached.Inode())
}

func TestDentryWithChildrenIsNotReleased(t *testing.T) {
	root, a, _ := buildChain(t)

	tryRelease(a)
	_, ok := root.lookupChildLocal("a")
	require.True(t, ok)
}
