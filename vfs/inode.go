package vfs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/novaos-project/novaos/klog"
	"github.com/novaos-project/novaos/mem"
)

// Inode is one filesystem object's identity plus its operation vtables
// and embedded page cache.
type Inode struct {
	mu sync.Mutex

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

	SB       *Superblock
	Ops      InodeOps
	FileOps  FileOps
	CacheOps InodeCacheOps
	Cache    *PageCache
	refcount atomic.Int64

	// Private carries filesystem-specific state (a directory's child
	// map, a symlink's target) the core never interprets.
	Private any
}

// NewInode builds an inode with refcount 1 (the caller's own reference)
// and wires up its embedded page cache against m.
func NewInode(sb *Superblock, m *mem.Table, ino uint64, typ InodeType, ops InodeOps, fops FileOps, cops InodeCacheOps) *Inode {
	n := &Inode{
		Ino:      ino,
		Type:     typ,
		Nlink:    1,
		SB:       sb,
		Ops:      ops,
		FileOps:  fops,
		CacheOps: cops,
	}
	n.refcount.Store(1)
	n.Cache = NewPageCache(n, m)
	return n
}

// Ref bumps the inode's reference count.
func (n *Inode) Ref() { n.refcount.Add(1) }

// Unref drops the inode's reference count. When it reaches zero and
// Nlink is also zero, the owning superblock is given the chance to
// drop the inode; a directory with children may veto the drop.
func (n *Inode) Unref() {
	if n.refcount.Add(-1) != 0 {
		return
	}
	n.mu.Lock()
	nlink := n.Nlink
	n.mu.Unlock()
	if nlink != 0 {
		return
	}
	if n.SB == nil || n.SB.Ops == nil {
		return
	}
	if err := n.SB.Ops.DropInode(n); err != nil {
		klog.Warn("superblock vetoed inode drop", klog.Fields{"ino": n.Ino, "err": err.Error()})
	}
}

// Refcount reports the inode's current reference count, for
// diagnostics and tests.
func (n *Inode) Refcount() int64 { return n.refcount.Load() }

// SetSize updates the inode's size under its lock, used by the page
// cache's write-past-EOF path.
func (n *Inode) SetSize(size uint64) {
	n.mu.Lock()
	if size > n.Size {
		n.Size = size
	}
	n.mu.Unlock()
}

// Truncate resets the inode's size to zero and evicts whatever pages
// its cache held; the open-with-O_TRUNC path.
func (n *Inode) Truncate() {
	if n.Cache != nil {
		_ = n.Cache.FlushOrDropAll(true)
	}
	n.mu.Lock()
	n.Size = 0
	n.mu.Unlock()
}

// StatOf snapshots the inode's metadata into the syscall-facing Stat
// shape.
func (n *Inode) StatOf() Stat {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stat{
		Ino:   n.Ino,
		Type:  n.Type,
		Perm:  n.Perm,
		UID:   n.UID,
		GID:   n.GID,
		Size:  n.Size,
		Nlink: n.Nlink,
		Atime: n.Atime,
		Mtime: n.Mtime,
		Ctime: n.Ctime,
	}
}
