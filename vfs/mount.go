package vfs

import (
	"sync"

	"github.com/google/uuid"

	"github.com/novaos-project/novaos/klog"
)

// Mount is one mounted filesystem instance: the dentry it's mounted on,
// the mounted filesystem's root dentry, and the superblock/filesystem
// pair backing it.
type Mount struct {
	ID         uuid.UUID // opaque handle, freshly generated by every Mount call
	Mountpoint *Dentry
	Root       *Dentry
	SB         *Superblock
	FS         Filesystem

	refcount int32 // shared-pointer-style refcount; unmount asserts it is 1
}

// MountTable is the global list-plus-map of active mounts: a list for
// iteration order and a map keyed by mountpoint dentry for O(1)
// crossing lookups during path resolution.
type MountTable struct {
	mu    sync.Mutex
	list  []*Mount
	byMnt map[*Dentry]*Mount
	root  *Mount // the global root's self-mount
}

// NewMountTable constructs an empty mount table.
func NewMountTable() *MountTable {
	return &MountTable{byMnt: make(map[*Dentry]*Mount)}
}

// Mount mounts fs's root (via Filesystem.Mount) onto mountpoint,
// requiring an unnamed root dentry, and records it in both the list and
// the lookup map. If mountpoint is nil, this mount becomes the table's
// global root, which is its own mountpoint.
func (mt *MountTable) Mount(mountpoint *Dentry, fs Filesystem, deviceName, options string) (*Mount, error) {
	rootInode, err := fs.Mount(deviceName, options)
	if err != nil {
		return nil, err
	}
	sb := &Superblock{FS: fs}
	rootDentry := NewDentry(nil, nil, rootInode, sb)
	if len(rootDentry.Name) != 0 {
		panic("vfs: filesystem root dentry must be unnamed")
	}

	m := &Mount{ID: uuid.New(), Mountpoint: mountpoint, Root: rootDentry, SB: sb, FS: fs, refcount: 1}

	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mountpoint == nil {
		rootDentry.mounted = m
		mt.root = m
		mt.list = append(mt.list, m)
		klog.Info("global root mounted", klog.Fields{"id": m.ID.String()})
		return m, nil
	}

	mountpoint.mu.Lock()
	mountpoint.mounted = m
	mountpoint.mu.Unlock()
	rootDentry.parent = mountpoint // '..' out of the mount root lands on the mountpoint

	mt.list = append(mt.list, m)
	mt.byMnt[mountpoint] = m
	klog.Info("filesystem mounted", klog.Fields{"id": m.ID.String(), "mountpoint": mountpoint.Name.String()})
	return m, nil
}

// Lookup returns the Mount whose mountpoint is d, if any.
func (mt *MountTable) Lookup(d *Dentry) (*Mount, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	m, ok := mt.byMnt[d]
	return m, ok
}

// GlobalRoot returns the global root mount's root dentry.
func (mt *MountTable) GlobalRoot() *Dentry {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.root == nil {
		return nil
	}
	return mt.root.Root
}

// Unmount is the inverse of Mount: it asserts the mount's reference
// count is exactly one (nothing else still holds it) and unlinks it
// from both the list and the map.
func (mt *MountTable) Unmount(root *Dentry) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	var target *Mount
	for _, m := range mt.list {
		if m.Root == root {
			target = m
			break
		}
	}
	if target == nil {
		return Error{Kind: NotFound}
	}
	if target.refcount != 1 {
		panic("vfs: unmount of a mount with outstanding references")
	}
	if target.Mountpoint != nil {
		target.Mountpoint.mu.Lock()
		target.Mountpoint.mounted = nil
		target.Mountpoint.mu.Unlock()
		delete(mt.byMnt, target.Mountpoint)
	}
	for i, m := range mt.list {
		if m == target {
			mt.list = append(mt.list[:i], mt.list[i+1:]...)
			break
		}
	}
	if target.SB.FS != nil {
		// A backend that needs no teardown just returns nil here.
		if err := target.FS.Unmount(root.Inode()); err != nil {
			return err
		}
	}
	klog.Info("filesystem unmounted", klog.Fields{"id": target.ID.String()})
	return nil
}

// Mounts returns a snapshot of the active mount list, for
// cmd/novactl's "mount" subcommand.
func (mt *MountTable) Mounts() []*Mount {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	out := make([]*Mount, len(mt.list))
	copy(out, mt.list)
	return out
}
