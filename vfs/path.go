package vfs

import (
	"github.com/novaos-project/novaos/ustr"
)

// Expect constrains what kind of inode the last path segment must name.
type Expect int

const (
	ExpectAny Expect = iota
	ExpectFile
	ExpectDir
)

// Existence constrains whether the last path segment must already
// exist.
type Existence int

const (
	ExistAny Existence = iota
	MustExist
	MustNotExist
)

// ResolveFlags governs path resolution's last-segment policy.
type ResolveFlags struct {
	NoFollowSymlink bool // SYMLINK_NOFOLLOW: don't follow a symlink as the *last* component
	Expect          Expect
	Existence       Existence
}

// maxSymlinkDepth bounds recursive symlink resolution.
const maxSymlinkDepth = 40

// symlinkBufSize is the scratch buffer every readlink is read into. A
// target whose length exactly fills it is reported as NameTooLong, not
// silently truncated.
const symlinkBufSize = 4096

// Resolve walks path starting from startDir, bounded above by root:
// '.' is a no-op, '..' climbs to the parent dentry (or stays at root if
// already there), a mountpoint dentry is transparently substituted by
// the mounted filesystem's root, and symlinks are followed unless
// inhibited.
func Resolve(mt *MountTable, startDir, root *Dentry, path ustr.Ustr, flags ResolveFlags) (*Dentry, error) {
	segs, absolute, trailingSlash := ustr.Components(path)

	cur := startDir
	if absolute {
		cur = root
	}
	cur = crossMountForward(mt, cur)

	d, err := resolveSegments(mt, cur, root, segs, flags, 0)
	if err != nil {
		return nil, err
	}

	if trailingSlash {
		n := d.Inode()
		if n == nil || n.Type != TypeDir {
			return nil, Error{Kind: NotDir}
		}
	}
	switch flags.Existence {
	case MustExist:
		if d.IsNegative() {
			return nil, Error{Kind: NotFound}
		}
	case MustNotExist:
		if !d.IsNegative() {
			return nil, Error{Kind: Exists}
		}
	}
	if !d.IsNegative() {
		switch flags.Expect {
		case ExpectFile:
			if d.Inode().Type == TypeDir {
				return nil, Error{Kind: IsDir}
			}
		case ExpectDir:
			if d.Inode().Type != TypeDir {
				return nil, Error{Kind: NotDir}
			}
		}
	}
	return d, nil
}

func resolveSegments(mt *MountTable, cur, root *Dentry, segs []ustr.Ustr, flags ResolveFlags, depth int) (*Dentry, error) {
	for i, seg := range segs {
		last := i == len(segs)-1

		switch {
		case seg.Isdot():
			continue
		case seg.Isdotdot():
			if cur == root {
				continue
			}
			// A '..' leaving a mounted filesystem's root (the
			// empty-named dentry) jumps back through the mountpoint
			// dentry in the parent filesystem first.
			if len(cur.Name) == 0 {
				if mp := cur.Parent(); mp != nil {
					cur = mp
				}
				if cur == root {
					continue
				}
			}
			p := cur.Parent()
			if p == nil {
				continue
			}
			cur = p
			continue
		}

		child, err := LookupChild(cur, seg)
		if err != nil {
			return nil, err
		}
		cur = child

		if cur.IsNegative() {
			if !last {
				return nil, Error{Kind: NotFound}
			}
			return cur, nil
		}

		if cur.Inode().Type == TypeDir {
			cur = crossMountForward(mt, cur)
		}

		if cur.Inode().Type == TypeSymlink && (!last || !flags.NoFollowSymlink) {
			if depth >= maxSymlinkDepth {
				return nil, Error{Kind: LoopTooDeep}
			}
			target, err := readSymlink(cur)
			if err != nil {
				return nil, err
			}
			tsegs, tabs, _ := ustr.Components(target)
			base := cur.Parent()
			if tabs || base == nil {
				base = root
			}
			next, err := resolveSegments(mt, base, root, tsegs, flags, depth+1)
			if err != nil {
				return nil, err
			}
			cur = next
		}

		if !last && !cur.IsNegative() && cur.Inode().Type != TypeDir {
			return nil, Error{Kind: NotDir}
		}
	}
	return cur, nil
}

// crossMountForward substitutes d for the mounted filesystem's root
// dentry, repeatedly, in case a filesystem is mounted directly on
// another mount's root.
func crossMountForward(mt *MountTable, d *Dentry) *Dentry {
	for {
		m, ok := mt.Lookup(d)
		if !ok {
			return d
		}
		m.Root.refcount.Add(1)
		d = m.Root
	}
}

func readSymlink(d *Dentry) (ustr.Ustr, error) {
	n := d.Inode()
	if n == nil || n.Ops == nil {
		return nil, Error{Kind: IoError}
	}
	target, err := n.Ops.Readlink(n)
	if err != nil {
		return nil, err
	}
	if len(target) >= symlinkBufSize {
		return nil, Error{Kind: NameTooLong}
	}
	return ustr.Ustr(target), nil
}
