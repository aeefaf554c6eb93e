package vfs

import "time"

// InodeType classifies what an inode represents.
type InodeType int

const (
	TypeFile InodeType = iota
	TypeDir
	TypeSymlink
	TypeDevice
)

// Stat mirrors the attributes exposed at vfs_fstatat.
type Stat struct {
	Ino   uint64
	Type  InodeType
	Perm  uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Nlink uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// DirEntry is one entry of a directory iteration.
type DirEntry struct {
	Ino  uint64
	Name string
	Type InodeType
}

// Filesystem is the contract a concrete backend (tmpfs, cpio-backed
// userfs, sysfs) implements to be mountable.
type Filesystem interface {
	// Mount initializes the filesystem against deviceName with the
	// given options string and returns its root inode.
	Mount(deviceName string, options string) (*Inode, error)
	// Unmount tears the filesystem down. Filesystems that need no
	// teardown return nil.
	Unmount(root *Inode) error
}

// InodeOps is the per-inode operation vtable. A
// filesystem need only implement the subset meaningful to a given
// inode type; operations that don't apply return ErrNotSupported.
type InodeOps interface {
	Lookup(dir *Inode, name string) (*Inode, error)
	Create(dir *Inode, name string, perm uint32) (*Inode, error)
	Mkdir(dir *Inode, name string, perm uint32) (*Inode, error)
	Rmdir(dir *Inode, name string) error
	Symlink(dir *Inode, name, target string) (*Inode, error)
	Hardlink(dir *Inode, name string, target *Inode) error
	Mknod(dir *Inode, name string, perm uint32) (*Inode, error)
	Unlink(dir *Inode, name string) error
	Rename(oldDir *Inode, oldName string, newDir *Inode, newName string) error
	Readlink(n *Inode) (string, error)
	IterateDir(dir *Inode, fn func(DirEntry) bool) error
}

// FileOps is the per-open-file operation vtable.
type FileOps interface {
	Open(n *Inode, flags OpenFlags) error
	Read(f *File, buf []byte) (int, error)
	Write(f *File, buf []byte) (int, error)
	Release(f *File) error
	Seek(f *File, offset int64, whence int) (int64, error)
	Map(f *File, vmaBase uint64, offset uint64) error
	Unmap(f *File, vmaBase uint64) error
}

// InodeCacheOps backs an inode's page cache.
type InodeCacheOps interface {
	FillCache(n *Inode, pgoff uint64) (frame uint64, err error)
	PageWriteBegin(n *Inode, pgoff uint64, frame uint64) error
	PageWriteEnd(n *Inode, pgoff uint64, frame uint64, size int) error
	// FlushPage writes a dirty page back to the backing store.
	// Filesystems with no backing store return nil, which discards
	// the dirty state.
	FlushPage(n *Inode, pgoff uint64, frame uint64) error
}

// SuperblockOps are the whole-filesystem-instance hooks a Superblock
// exposes to the dentry/inode cache.
type SuperblockOps interface {
	DropInode(n *Inode) error
	SyncInode(n *Inode) error
}

// Superblock is one mounted filesystem instance.
type Superblock struct {
	FS  Filesystem
	Ops SuperblockOps
}
