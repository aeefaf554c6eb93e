package vfs

import (
	"sync"

	"github.com/novaos-project/novaos/kmetrics"
	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/util"
)

// PageCache is the per-inode mapping from page index to frame. Its
// lock is a mutex, not a spinlock: filling a miss may call into a
// filesystem upcall that blocks.
type PageCache struct {
	mu    sync.Mutex
	owner *Inode
	mem   *mem.Table
	pages map[uint64]uint64 // pgoff -> frame PFN
}

// NewPageCache builds an empty page cache for owner, backed by m for
// frame refcounting.
func NewPageCache(owner *Inode, m *mem.Table) *PageCache {
	return &PageCache{owner: owner, mem: m, pages: make(map[uint64]uint64)}
}

// fillLocked looks up pgoff, filling it via the owning inode's cache
// ops on a miss. Every insertion holds exactly one reference on the
// frame attributable to the cache.
func (c *PageCache) fillLocked(pgoff uint64) (uint64, error) {
	if pfn, ok := c.pages[pgoff]; ok {
		kmetrics.PageCacheHits.Inc()
		return pfn, nil
	}
	kmetrics.PageCacheMisses.Inc()
	if c.owner.CacheOps == nil {
		return 0, Error{Kind: NotSupported}
	}
	pfn, err := c.owner.CacheOps.FillCache(c.owner, pgoff)
	if err != nil {
		return 0, err
	}
	c.mem.Ref(pfn, 1)
	c.pages[pgoff] = pfn
	return pfn, nil
}

// GetForRead returns the frame backing pgoff, filling it on miss.
func (c *PageCache) GetForRead(pgoff uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fillLocked(pgoff)
}

// GetForWrite is like GetForRead but marks the returned frame dirty,
// since the caller intends to mutate it.
func (c *PageCache) GetForWrite(pgoff uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pfn, err := c.fillLocked(pgoff)
	if err != nil {
		return 0, err
	}
	c.mem.Frame(pfn).SetDirty(true)
	return pfn, nil
}

// WriteBegin brackets a write of size bytes at offset: it fills/dirties
// the covered page and lets the filesystem prepare it (e.g. zero a
// newly extended region), returning the frame and the in-page byte
// offset the caller should start copying at.
func (c *PageCache) WriteBegin(offset uint64, size int) (pfn uint64, pageOffset int, err error) {
	pgoff := offset / mem.PageSize
	pfn, err = c.GetForWrite(pgoff)
	if err != nil {
		return 0, 0, err
	}
	pageOffset = int(offset % mem.PageSize)
	if c.owner.CacheOps != nil {
		if err := c.owner.CacheOps.PageWriteBegin(c.owner, pgoff, pfn); err != nil {
			return 0, 0, err
		}
	}
	return pfn, pageOffset, nil
}

// WriteEnd closes out a WriteBegin: it bumps the inode's size when the
// write extended past EOF and lets the filesystem commit the page.
func (c *PageCache) WriteEnd(offset uint64, n int) error {
	pgoff := offset / mem.PageSize
	c.mu.Lock()
	pfn := c.pages[pgoff]
	c.mu.Unlock()

	c.owner.SetSize(offset + uint64(n))
	if c.owner.CacheOps != nil {
		return c.owner.CacheOps.PageWriteEnd(c.owner, pgoff, pfn, n)
	}
	return nil
}

// FlushOrDrop flushes n pages starting at pgoff via the filesystem's
// FlushPage hook (a missing hook is a no-op "discard"), and, if drop is
// true, evicts them from the map and drops the cache's reference on
// each.
func (c *PageCache) FlushOrDrop(pgoff, n uint64, drop bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for i := uint64(0); i < n; i++ {
		pfn, ok := c.pages[pgoff+i]
		if !ok {
			continue
		}
		if c.mem.Frame(pfn).Dirty() && c.owner.CacheOps != nil {
			if err := c.owner.CacheOps.FlushPage(c.owner, pgoff+i, pfn); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				c.mem.Frame(pfn).SetDirty(false)
			}
		}
		if drop {
			delete(c.pages, pgoff+i)
			c.mem.Unref(pfn, 1)
		}
	}
	return firstErr
}

// FlushOrDropAll applies FlushOrDrop across the full resident set.
func (c *PageCache) FlushOrDropAll(drop bool) error {
	c.mu.Lock()
	offs := make([]uint64, 0, len(c.pages))
	for pgoff := range c.pages {
		offs = append(offs, pgoff)
	}
	c.mu.Unlock()

	var firstErr error
	for _, pgoff := range offs {
		if err := c.FlushOrDrop(pgoff, 1, drop); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadPageCache copies size bytes starting at offset from c into buf,
// advancing through successive pages and the offset%PAGE split at the
// first one, clipped to the inode's current size.
func ReadPageCache(c *PageCache, buf []byte, offset uint64, size int) (int, error) {
	avail := c.owner.StatOf().Size
	if offset >= avail {
		return 0, nil
	}
	if uint64(size) > avail-offset {
		size = int(avail - offset)
	}
	n := 0
	for n < size {
		pgoff := (offset + uint64(n)) / mem.PageSize
		inPage := int((offset + uint64(n)) % mem.PageSize)
		pfn, err := c.GetForRead(pgoff)
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		chunk := util.Min(size-n, int(mem.PageSize)-inPage)
		copy(buf[n:n+chunk], c.mem.FrameData(pfn)[inPage:inPage+chunk])
		n += chunk
	}
	return n, nil
}

// WritePageCache is ReadPageCache's symmetric write path, bracketing
// each page touched with WriteBegin/WriteEnd.
func WritePageCache(c *PageCache, buf []byte, offset uint64) (int, error) {
	n := 0
	for n < len(buf) {
		off := offset + uint64(n)
		pfn, inPage, err := c.WriteBegin(off, len(buf)-n)
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		chunk := util.Min(len(buf)-n, int(mem.PageSize)-inPage)
		copy(c.mem.FrameData(pfn)[inPage:inPage+chunk], buf[n:n+chunk])
		c.mem.Frame(pfn).SetDirty(true)
		if err := c.WriteEnd(off, chunk); err != nil {
			return n, err
		}
		n += chunk
	}
	return n, nil
}
