package vfs

import (
	"encoding/binary"
	"strings"

	"github.com/novaos-project/novaos/ustr"
)

func lastComponent(path ustr.Ustr) ustr.Ustr {
	segs, _, _ := ustr.Components(path)
	if len(segs) == 0 {
		return ustr.MkUstr()
	}
	return segs[len(segs)-1]
}

// VfsOpenat is vfs_openat: resolve path relative to dirfd
// (bounded by root), creating a new file when O_CREAT is set and the
// name doesn't yet exist.
func VfsOpenat(mt *MountTable, dirfd, root *Dentry, path ustr.Ustr, flags OpenFlags) (*File, error) {
	rf := ResolveFlags{NoFollowSymlink: flags.NoFollow}
	if flags.Dir {
		rf.Expect = ExpectDir
	}
	if !flags.Create {
		rf.Existence = MustExist
	}
	d, err := Resolve(mt, dirfd, root, path, rf)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		if !flags.Create {
			return nil, Error{Kind: NotFound}
		}
		parent := d.Parent()
		pn := parent.Inode()
		if pn == nil || pn.Ops == nil {
			return nil, Error{Kind: NotSupported}
		}
		child, err := pn.Ops.Create(pn, lastComponent(path).String(), 0644)
		if err != nil {
			return nil, err
		}
		d.Bind(child)
	}
	if flags.Truncate {
		flags.Write = true
	}
	return Open(d, flags)
}

// VfsFstatat is vfs_fstatat.
func VfsFstatat(mt *MountTable, dirfd, root *Dentry, path ustr.Ustr, expect Expect, noFollow bool) (Stat, error) {
	d, err := Resolve(mt, dirfd, root, path, ResolveFlags{NoFollowSymlink: noFollow, Expect: expect, Existence: MustExist})
	if err != nil {
		return Stat{}, err
	}
	return d.Inode().StatOf(), nil
}

// VfsReadlinkat is vfs_readlinkat.
func VfsReadlinkat(mt *MountTable, dirfd, root *Dentry, path ustr.Ustr) (string, error) {
	d, err := Resolve(mt, dirfd, root, path, ResolveFlags{NoFollowSymlink: true, Existence: MustExist})
	if err != nil {
		return "", err
	}
	n := d.Inode()
	if n == nil || n.Type != TypeSymlink || n.Ops == nil {
		return "", Error{Kind: NotSupported}
	}
	return n.Ops.Readlink(n)
}

// VfsSymlink is vfs_symlink.
func VfsSymlink(mt *MountTable, dirfd, root *Dentry, path ustr.Ustr, target string) error {
	d, err := Resolve(mt, dirfd, root, path, ResolveFlags{Existence: MustNotExist})
	if err != nil {
		return err
	}
	parent := d.Parent()
	pn := parent.Inode()
	if pn == nil || pn.Ops == nil {
		return Error{Kind: NotSupported}
	}
	child, err := pn.Ops.Symlink(pn, lastComponent(path).String(), target)
	if err != nil {
		return err
	}
	d.Bind(child)
	return nil
}

// VfsMkdir is vfs_mkdir.
func VfsMkdir(mt *MountTable, dirfd, root *Dentry, path ustr.Ustr, perm uint32) error {
	d, err := Resolve(mt, dirfd, root, path, ResolveFlags{Existence: MustNotExist})
	if err != nil {
		return err
	}
	parent := d.Parent()
	pn := parent.Inode()
	if pn == nil || pn.Ops == nil {
		return Error{Kind: NotSupported}
	}
	child, err := pn.Ops.Mkdir(pn, lastComponent(path).String(), perm)
	if err != nil {
		return err
	}
	d.Bind(child)
	return nil
}

// VfsRmdir is vfs_rmdir.
func VfsRmdir(mt *MountTable, dirfd, root *Dentry, path ustr.Ustr) error {
	d, err := Resolve(mt, dirfd, root, path, ResolveFlags{Expect: ExpectDir, Existence: MustExist})
	if err != nil {
		return err
	}
	parent := d.Parent()
	pn := parent.Inode()
	if pn == nil || pn.Ops == nil {
		return Error{Kind: NotSupported}
	}
	name := lastComponent(path).String()
	if err := pn.Ops.Rmdir(pn, name); err != nil {
		return err
	}
	d.Bind(nil)
	tryRelease(d)
	return nil
}

// VfsUnlinkat is vfs_unlinkat.
func VfsUnlinkat(mt *MountTable, dirfd, root *Dentry, path ustr.Ustr) error {
	d, err := Resolve(mt, dirfd, root, path, ResolveFlags{Expect: ExpectFile, Existence: MustExist})
	if err != nil {
		return err
	}
	parent := d.Parent()
	pn := parent.Inode()
	if pn == nil || pn.Ops == nil {
		return Error{Kind: NotSupported}
	}
	n := d.Inode()
	name := lastComponent(path).String()
	if err := pn.Ops.Unlink(pn, name); err != nil {
		return err
	}
	// The inode persists (possibly still mmap'd or open) until its last
	// reference drops, even though the dentry is unlinked from the
	// tree.
	n.mu.Lock()
	if n.Nlink > 0 {
		n.Nlink--
	}
	n.mu.Unlock()
	d.Bind(nil)
	tryRelease(d)
	n.Unref() // the directory entry's own reference
	return nil
}

// VfsChdirat is vfs_chdirat: resolves path and pins a
// reference on the resulting dentry for the caller's new cwd.
func VfsChdirat(mt *MountTable, dirfd, root *Dentry, path ustr.Ustr) (*Dentry, error) {
	d, err := Resolve(mt, dirfd, root, path, ResolveFlags{Expect: ExpectDir, Existence: MustExist})
	if err != nil {
		return nil, err
	}
	d.refcount.Add(1)
	return d, nil
}

// VfsGetcwd is vfs_getcwd: walks cwd's parent chain back
// to root, skipping the empty-named dentries mount crossing leaves
// behind.
func VfsGetcwd(cwd, root *Dentry) string {
	if cwd == root {
		return "/"
	}
	var segs []string
	for cur := cwd; cur != nil && cur != root; cur = cur.Parent() {
		if name := cur.Name.String(); name != "" {
			segs = append([]string{name}, segs...)
		}
	}
	return "/" + strings.Join(segs, "/")
}

// VfsFchmodat is vfs_fchmodat.
func VfsFchmodat(mt *MountTable, dirfd, root *Dentry, path ustr.Ustr, perm uint32) error {
	d, err := Resolve(mt, dirfd, root, path, ResolveFlags{Existence: MustExist})
	if err != nil {
		return err
	}
	n := d.Inode()
	n.mu.Lock()
	n.Perm = perm
	n.mu.Unlock()
	return nil
}

// VfsFsync is vfs_fsync: flushes the file's inode's dirty
// page-cache pages and asks the superblock to sync the inode.
func VfsFsync(f *File) error {
	n := f.Inode()
	if err := n.Cache.FlushOrDropAll(false); err != nil {
		return err
	}
	if n.SB != nil && n.SB.Ops != nil {
		return n.SB.Ops.SyncInode(n)
	}
	return nil
}

// VfsMount is vfs_mount: resolves path to a directory and
// mounts fs on it.
func VfsMount(mt *MountTable, root *Dentry, path ustr.Ustr, fs Filesystem, device, options string) error {
	d, err := Resolve(mt, root, root, path, ResolveFlags{Expect: ExpectDir, Existence: MustExist})
	if err != nil {
		return err
	}
	_, err = mt.Mount(d, fs, device, options)
	return err
}

// VfsUnmount is vfs_unmount: path must resolve to a mount
// root (path resolution already crosses into it automatically).
func VfsUnmount(mt *MountTable, root *Dentry, path ustr.Ustr) error {
	d, err := Resolve(mt, root, root, path, ResolveFlags{Expect: ExpectDir, Existence: MustExist})
	if err != nil {
		return err
	}
	return mt.Unmount(d)
}

const direntHeaderSize = 8 + 8 + 2 + 1 // ino + off + reclen + type

// VfsListDir is vfs_list_dir: serializes directory entries
// starting from the file's current offset into buf as a stream of
// {ino(u64), off(i64), reclen(u16), type(u8), name[NUL]} records,
// stopping once a record wouldn't fit.
func VfsListDir(f *File, buf []byte) (int, error) {
	n := f.Inode()
	if n.Type != TypeDir {
		return 0, Error{Kind: NotDir}
	}
	if n.Ops == nil {
		return 0, Error{Kind: NotSupported}
	}

	start := f.Offset()
	written := 0
	idx := int64(0)
	var iterErr error
	err := n.Ops.IterateDir(n, func(e DirEntry) bool {
		if idx < start {
			idx++
			return true
		}
		reclen := direntHeaderSize + len(e.Name) + 1
		if written+reclen > len(buf) {
			return false
		}
		b := buf[written:]
		binary.LittleEndian.PutUint64(b[0:8], e.Ino)
		binary.LittleEndian.PutUint64(b[8:16], uint64(idx+1))
		binary.LittleEndian.PutUint16(b[16:18], uint16(reclen))
		b[18] = byte(e.Type)
		copy(b[19:], e.Name)
		b[19+len(e.Name)] = 0
		written += reclen
		idx++
		return true
	})
	if err != nil {
		iterErr = err
	}
	f.mu.Lock()
	f.offset = idx
	f.mu.Unlock()
	return written, iterErr
}
