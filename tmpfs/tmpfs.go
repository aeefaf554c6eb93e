// Package tmpfs is an in-memory reference filesystem implementing the
// vfs.Filesystem/InodeOps/FileOps/InodeCacheOps/SuperblockOps contracts
// end to end. It exists to exercise mount/lookup/create/page-cache
// read-write/mmap without committing to a real on-disk format.
package tmpfs

import (
	"sort"
	"sync"
	"time"

	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/vfs"
)

// FS is one tmpfs instance: every inode it creates is backed only by
// mem.Table frames reached through the core page cache, never by a
// disk.
type FS struct {
	mem *mem.Table

	mu      sync.Mutex
	nextIno uint64
	root    *vfs.Inode
}

// New builds an unmounted tmpfs instance backed by m for page frames.
func New(m *mem.Table) *FS {
	return &FS{mem: m, nextIno: 1}
}

type dirData struct {
	mu       sync.Mutex
	children map[string]*vfs.Inode
}

type symlinkData struct {
	target string
}

// Mount implements vfs.Filesystem: it builds a fresh empty root
// directory. deviceName/options are unused (tmpfs has no backing
// device).
func (fs *FS) Mount(deviceName, options string) (*vfs.Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	root := fs.newDirInode(nil, 0755)
	fs.root = root
	return root, nil
}

// Unmount implements vfs.Filesystem; tmpfs needs no teardown.
func (fs *FS) Unmount(root *vfs.Inode) error { return nil }

func (fs *FS) newInode(sb *vfs.Superblock, typ vfs.InodeType, perm uint32) *vfs.Inode {
	ino := fs.nextIno
	fs.nextIno++
	n := vfs.NewInode(sb, fs.mem, ino, typ, fs, fs, fs)
	n.Perm = perm
	n.Nlink = 1
	now := time.Now()
	n.Atime, n.Mtime, n.Ctime = now, now, now
	return n
}

func (fs *FS) newDirInode(sb *vfs.Superblock, perm uint32) *vfs.Inode {
	n := fs.newInode(sb, vfs.TypeDir, perm)
	if sb == nil {
		n.SB = &vfs.Superblock{FS: fs, Ops: fs}
	}
	n.Nlink = 2
	n.Private = &dirData{children: make(map[string]*vfs.Inode)}
	return n
}

func dirOf(n *vfs.Inode) (*dirData, error) {
	dd, ok := n.Private.(*dirData)
	if !ok {
		return nil, vfs.Error{Kind: vfs.NotDir}
	}
	return dd, nil
}

// Lookup implements vfs.InodeOps.
func (fs *FS) Lookup(dir *vfs.Inode, name string) (*vfs.Inode, error) {
	dd, err := dirOf(dir)
	if err != nil {
		return nil, err
	}
	dd.mu.Lock()
	defer dd.mu.Unlock()
	c, ok := dd.children[name]
	if !ok {
		return nil, vfs.Error{Kind: vfs.NotFound}
	}
	c.Ref()
	return c, nil
}

// Create implements vfs.InodeOps.
func (fs *FS) Create(dir *vfs.Inode, name string, perm uint32) (*vfs.Inode, error) {
	dd, err := dirOf(dir)
	if err != nil {
		return nil, err
	}
	dd.mu.Lock()
	defer dd.mu.Unlock()
	if _, exists := dd.children[name]; exists {
		return nil, vfs.Error{Kind: vfs.Exists}
	}
	n := fs.newInode(dir.SB, vfs.TypeFile, perm)
	dd.children[name] = n
	return n, nil
}

// Mkdir implements vfs.InodeOps.
func (fs *FS) Mkdir(dir *vfs.Inode, name string, perm uint32) (*vfs.Inode, error) {
	dd, err := dirOf(dir)
	if err != nil {
		return nil, err
	}
	dd.mu.Lock()
	defer dd.mu.Unlock()
	if _, exists := dd.children[name]; exists {
		return nil, vfs.Error{Kind: vfs.Exists}
	}
	n := fs.newDirInode(dir.SB, perm)
	dd.children[name] = n
	return n, nil
}

// Rmdir implements vfs.InodeOps.
func (fs *FS) Rmdir(dir *vfs.Inode, name string) error {
	dd, err := dirOf(dir)
	if err != nil {
		return err
	}
	dd.mu.Lock()
	defer dd.mu.Unlock()
	c, ok := dd.children[name]
	if !ok {
		return vfs.Error{Kind: vfs.NotFound}
	}
	if c.Type != vfs.TypeDir {
		return vfs.Error{Kind: vfs.NotDir}
	}
	cdd, _ := dirOf(c)
	cdd.mu.Lock()
	n := len(cdd.children)
	cdd.mu.Unlock()
	if n > 0 {
		// The error taxonomy has no ENOTEMPTY case; NotSupported is
		// the closest categorical fit for "can't remove this".
		return vfs.Error{Kind: vfs.NotSupported}
	}
	delete(dd.children, name)
	return nil
}

// Symlink implements vfs.InodeOps.
func (fs *FS) Symlink(dir *vfs.Inode, name, target string) (*vfs.Inode, error) {
	dd, err := dirOf(dir)
	if err != nil {
		return nil, err
	}
	dd.mu.Lock()
	defer dd.mu.Unlock()
	if _, exists := dd.children[name]; exists {
		return nil, vfs.Error{Kind: vfs.Exists}
	}
	n := fs.newInode(dir.SB, vfs.TypeSymlink, 0777)
	n.Private = &symlinkData{target: target}
	n.Size = uint64(len(target))
	dd.children[name] = n
	return n, nil
}

// Hardlink implements vfs.InodeOps.
func (fs *FS) Hardlink(dir *vfs.Inode, name string, target *vfs.Inode) error {
	dd, err := dirOf(dir)
	if err != nil {
		return err
	}
	if target.Type == vfs.TypeDir {
		return vfs.Error{Kind: vfs.IsDir}
	}
	dd.mu.Lock()
	defer dd.mu.Unlock()
	if _, exists := dd.children[name]; exists {
		return vfs.Error{Kind: vfs.Exists}
	}
	target.Ref()
	dd.children[name] = target
	return nil
}

// Mknod implements vfs.InodeOps; tmpfs carries no device nodes.
func (fs *FS) Mknod(dir *vfs.Inode, name string, perm uint32) (*vfs.Inode, error) {
	return nil, vfs.Error{Kind: vfs.NotSupported}
}

// Unlink implements vfs.InodeOps.
func (fs *FS) Unlink(dir *vfs.Inode, name string) error {
	dd, err := dirOf(dir)
	if err != nil {
		return err
	}
	dd.mu.Lock()
	defer dd.mu.Unlock()
	c, ok := dd.children[name]
	if !ok {
		return vfs.Error{Kind: vfs.NotFound}
	}
	if c.Type == vfs.TypeDir {
		return vfs.Error{Kind: vfs.IsDir}
	}
	delete(dd.children, name)
	return nil
}

// Rename implements vfs.InodeOps.
func (fs *FS) Rename(oldDir *vfs.Inode, oldName string, newDir *vfs.Inode, newName string) error {
	odd, err := dirOf(oldDir)
	if err != nil {
		return err
	}
	ndd, err := dirOf(newDir)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	odd.mu.Lock()
	c, ok := odd.children[oldName]
	if ok {
		delete(odd.children, oldName)
	}
	odd.mu.Unlock()
	if !ok {
		return vfs.Error{Kind: vfs.NotFound}
	}
	ndd.mu.Lock()
	ndd.children[newName] = c
	ndd.mu.Unlock()
	return nil
}

// Readlink implements vfs.InodeOps.
func (fs *FS) Readlink(n *vfs.Inode) (string, error) {
	sd, ok := n.Private.(*symlinkData)
	if !ok {
		return "", vfs.Error{Kind: vfs.NotSupported}
	}
	return sd.target, nil
}

// IterateDir implements vfs.InodeOps, yielding entries in stable,
// sorted-by-name order.
func (fs *FS) IterateDir(dir *vfs.Inode, fn func(vfs.DirEntry) bool) error {
	dd, err := dirOf(dir)
	if err != nil {
		return err
	}
	dd.mu.Lock()
	entries := make([]vfs.DirEntry, 0, len(dd.children))
	for name, n := range dd.children {
		entries = append(entries, vfs.DirEntry{Ino: n.Ino, Name: name, Type: n.Type})
	}
	dd.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for _, e := range entries {
		if !fn(e) {
			break
		}
	}
	return nil
}

// Open implements vfs.FileOps; tmpfs needs no per-open setup.
func (fs *FS) Open(n *vfs.Inode, flags vfs.OpenFlags) error { return nil }

// Read implements vfs.FileOps via the generic page-cache read path.
func (fs *FS) Read(f *vfs.File, buf []byte) (int, error) { return vfs.GenericRead(f, buf) }

// Write implements vfs.FileOps via the generic page-cache write path.
func (fs *FS) Write(f *vfs.File, buf []byte) (int, error) { return vfs.GenericWrite(f, buf) }

// Release implements vfs.FileOps; nothing to do beyond the core's own
// close-time flush/sync.
func (fs *FS) Release(f *vfs.File) error { return nil }

// Seek implements vfs.FileOps by delegating to the core's default
// offset arithmetic.
func (fs *FS) Seek(f *vfs.File, offset int64, whence int) (int64, error) {
	return f.Seek(offset, whence)
}

// Map implements vfs.FileOps; tmpfs has no extra bookkeeping for mmap
// beyond what vfs.VfsMmapFile already does.
func (fs *FS) Map(f *vfs.File, vmaBase uint64, offset uint64) error { return nil }

// Unmap implements vfs.FileOps.
func (fs *FS) Unmap(f *vfs.File, vmaBase uint64) error { return nil }

// FillCache implements vfs.InodeCacheOps: tmpfs pages have no backing
// store, so a miss is simply a fresh zeroed frame (anonymous-memory
// semantics, same allocator path as zero-on-demand).
func (fs *FS) FillCache(n *vfs.Inode, pgoff uint64) (uint64, error) {
	return fs.mem.AllocZeroed()
}

// PageWriteBegin implements vfs.InodeCacheOps; nothing to prepare.
func (fs *FS) PageWriteBegin(n *vfs.Inode, pgoff uint64, frame uint64) error {
	return vfs.SimplePageWriteBegin(n, pgoff, frame)
}

// PageWriteEnd implements vfs.InodeCacheOps, extending size past EOF.
func (fs *FS) PageWriteEnd(n *vfs.Inode, pgoff uint64, frame uint64, size int) error {
	return vfs.SimplePageWriteEnd(n, pgoff, frame, size)
}

// FlushPage implements vfs.InodeCacheOps; tmpfs has nowhere to flush
// to, so dirty pages simply stay resident in the frame they already
// occupy.
func (fs *FS) FlushPage(n *vfs.Inode, pgoff uint64, frame uint64) error { return nil }

// DropInode implements vfs.SuperblockOps; tmpfs holds no extra state
// per inode beyond what the Go garbage collector already reclaims.
func (fs *FS) DropInode(n *vfs.Inode) error { return nil }

// SyncInode implements vfs.SuperblockOps; tmpfs has nothing to flush to
// a backing device.
func (fs *FS) SyncInode(n *vfs.Inode) error { return nil }
