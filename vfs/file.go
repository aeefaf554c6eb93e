package vfs

import (
	"sync"
	"sync/atomic"

	"github.com/novaos-project/novaos/klog"
	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/vm"
)

// IOFlags are the permission/capability bits a File's io wrapper carries.
type IOFlags uint8

const (
	IORead IOFlags = 1 << iota
	IOWrite
	IOSeekable
	IOExecutable
	IOMmapable
)

func (f IOFlags) Has(bit IOFlags) bool { return f&bit != 0 }

// FileKind tags what kind of object a File wraps.
type FileKind int

const (
	KindFile FileKind = iota
	KindDir
	KindNull
)

// OpenFlags mirrors vfs_openat's open_flags.
type OpenFlags struct {
	Read     bool
	Write    bool
	Create   bool
	NoFollow bool
	Dir      bool
	Truncate bool
	Execute  bool
}

// File is an open reference to a dentry: offset, a lock
// covering it, filesystem-private data, and the io flags/type tag
// FileOps and the fault path consult.
type File struct {
	mu      sync.Mutex
	Dentry  *Dentry
	inode   *Inode // pinned at Open so reads survive a concurrent unlink
	offset  int64
	Private any
	IO      IOFlags
	Kind    FileKind

	refcount atomic.Int64
}

// Inode returns the inode this file was opened against. It stays valid
// after the file's name is unlinked; the inode is only dropped when the
// last File reference goes away.
func (f *File) Inode() *Inode { return f.inode }

// Ref/Unref/Writable satisfy vm.BackingFile: a VMA holding a reference
// on a mmap'd file keeps it open even after the opening File is closed,
// and mprotect consults Writable before granting shared write access.
func (f *File) Ref()   { f.refcount.Add(1) }
func (f *File) Unref() {
	if f.refcount.Add(-1) == 0 {
		f.releaseLocked()
	}
}

// Writable reports whether this file was opened for writing.
func (f *File) Writable() bool { return f.IO.Has(IOWrite) }

// Open binds flags to dentry's inode and returns a ready-to-use File
// with refcount 1.
func Open(d *Dentry, flags OpenFlags) (*File, error) {
	n := d.Inode()
	if n == nil {
		return nil, Error{Kind: NotFound}
	}
	if flags.Dir && n.Type != TypeDir {
		return nil, Error{Kind: NotDir}
	}
	if !flags.Dir && n.Type == TypeDir && (flags.Write) {
		return nil, Error{Kind: IsDir}
	}

	var io IOFlags
	if flags.Read || flags.Dir {
		io |= IORead
	}
	if flags.Write {
		io |= IOWrite
	}
	if flags.Execute {
		io |= IOExecutable
	}
	if n.Type != TypeDir {
		io |= IOSeekable | IOMmapable
	}

	kind := KindFile
	if flags.Dir {
		kind = KindDir
	}

	f := &File{Dentry: d, inode: n, IO: io, Kind: kind}
	f.refcount.Store(1)
	d.refcount.Add(1) // one reference attributable to this open
	n.Ref()

	if n.FileOps != nil {
		if err := n.FileOps.Open(n, flags); err != nil {
			n.Unref()
			tryRelease(d)
			return nil, err
		}
	}
	if flags.Truncate && n.Type == TypeFile {
		n.Truncate()
	}
	return f, nil
}

// Offset returns the file's current seek position.
func (f *File) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// Read reads into buf at the file's current offset, advancing it.
func (f *File) Read(buf []byte) (int, error) {
	if !f.IO.Has(IORead) {
		return 0, Error{Kind: NotSupported}
	}
	n := f.inode
	f.mu.Lock()
	off := f.offset
	f.mu.Unlock()

	var got int
	var err error
	if n.FileOps != nil {
		got, err = n.FileOps.Read(f, buf)
	} else {
		got, err = ReadPageCache(n.Cache, buf, uint64(off), len(buf))
	}
	if err != nil {
		return got, err
	}
	f.mu.Lock()
	f.offset += int64(got)
	f.mu.Unlock()
	return got, nil
}

// Write writes buf at the file's current offset, advancing it.
func (f *File) Write(buf []byte) (int, error) {
	if !f.IO.Has(IOWrite) {
		return 0, Error{Kind: NotSupported}
	}
	n := f.inode
	f.mu.Lock()
	off := f.offset
	f.mu.Unlock()

	var got int
	var err error
	if n.FileOps != nil {
		got, err = n.FileOps.Write(f, buf)
	} else {
		got, err = WritePageCache(n.Cache, buf, uint64(off))
	}
	if err != nil {
		return got, err
	}
	f.mu.Lock()
	f.offset += int64(got)
	f.mu.Unlock()
	return got, nil
}

// Seek repositions the file's offset.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if !f.IO.Has(IOSeekable) {
		return 0, Error{Kind: NotSupported}
	}
	n := f.inode
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case 0: // SEEK_SET
		base = 0
	case 1: // SEEK_CUR
		base = f.offset
	case 2: // SEEK_END
		base = int64(n.StatOf().Size)
	default:
		return 0, Error{Kind: NotSupported}
	}
	newOff := base + offset
	if newOff < 0 {
		return 0, Error{Kind: IoError}
	}
	f.offset = newOff
	return newOff, nil
}

// NewFileHandler builds the file-backed VMA fault handler for n,
// backed by its page cache.
func NewFileHandler(n *Inode, m *mem.Table) vm.Handler {
	return &FileHandler{Inode: n, Mem: m}
}

// Close flushes and syncs the inode's dirty pages if the file is
// writable, runs the filesystem's Release hook, and drops the caller's
// reference; the dentry and inode are released with the last reference.
func (f *File) Close() error {
	n := f.inode
	if f.IO.Has(IOWrite) && n != nil {
		if err := n.Cache.FlushOrDropAll(false); err != nil {
			// The close still completes; the unflushed data may be
			// lost.
			klog.Error("page cache flush failed on close", klog.Fields{"ino": n.Ino, "err": err.Error()})
		}
		if n.SB != nil && n.SB.Ops != nil {
			if err := n.SB.Ops.SyncInode(n); err != nil {
				klog.Warn("inode sync failed on close", klog.Fields{"ino": n.Ino, "err": err.Error()})
			}
		}
	}
	if n != nil && n.FileOps != nil {
		if err := n.FileOps.Release(f); err != nil {
			return err
		}
	}
	f.Unref()
	return nil
}

func (f *File) releaseLocked() {
	n := f.inode
	f.inode = nil
	tryRelease(f.Dentry)
	if n != nil {
		n.Unref()
	}
}
