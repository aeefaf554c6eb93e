package vfs

import "github.com/novaos-project/novaos/mem"

// GenericRead is vfs_generic_read: a default FileOps.Read
// for filesystems that want nothing smarter than the page cache.
func GenericRead(f *File, buf []byte) (int, error) {
	return ReadPageCache(f.Inode().Cache, buf, uint64(f.Offset()), len(buf))
}

// GenericWrite is vfs_generic_write: a default
// FileOps.Write symmetric with GenericRead.
func GenericWrite(f *File, buf []byte) (int, error) {
	return WritePageCache(f.Inode().Cache, buf, uint64(f.Offset()))
}

// SimplePageWriteBegin is a no-op InodeCacheOps.PageWriteBegin for
// filesystems whose pages need no preparation beyond what FillCache
// already did.
func SimplePageWriteBegin(n *Inode, pgoff uint64, frame uint64) error {
	return nil
}

// SimplePageWriteEnd is a default InodeCacheOps.PageWriteEnd that
// extends the inode's size when the write reached past its current EOF.
// The page cache's own WriteEnd already does this
// bookkeeping on the core side; filesystems that hand-roll their own
// page cache ops without going through vfs.PageCache can call this to
// get the same behaviour.
func SimplePageWriteEnd(n *Inode, pgoff uint64, frame uint64, size int) error {
	n.SetSize(pgoff*mem.PageSize + uint64(size))
	return nil
}
