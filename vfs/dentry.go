package vfs

import (
	"sync"
	"sync/atomic"

	"github.com/novaos-project/novaos/klog"
	"github.com/novaos-project/novaos/ustr"
)

// Dentry is a name node in the path tree. It may be positive (has an
// inode) or negative (a cached "doesn't exist" lookup). Its parent
// pointer is non-owning: the parent owns the child via the children
// map, never the reverse.
type Dentry struct {
	mu sync.Mutex // guards children, inode, parent and mounted

	Name     ustr.Ustr
	parent   *Dentry
	children map[string]*Dentry

	inode *Inode
	SB    *Superblock

	// mounted is non-nil when this dentry is a mountpoint: descending
	// through it during resolution substitutes mounted.Root instead.
	mounted *Mount

	refcount atomic.Int64
}

// NewDentry builds a dentry under parent with the given name, holding
// one reference for the caller. A nil inode makes it negative.
func NewDentry(parent *Dentry, name ustr.Ustr, inode *Inode, sb *Superblock) *Dentry {
	d := &Dentry{
		Name:   name,
		parent: parent,
		inode:  inode,
		SB:     sb,
	}
	d.refcount.Store(1)
	return d
}

// Inode returns the dentry's bound inode, or nil if negative.
func (d *Dentry) Inode() *Inode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inode
}

// IsNegative reports whether the dentry has no inode bound.
func (d *Dentry) IsNegative() bool { return d.Inode() == nil }

// Bind attaches an inode to a previously negative dentry (e.g. after a
// successful create).
func (d *Dentry) Bind(n *Inode) {
	d.mu.Lock()
	d.inode = n
	d.mu.Unlock()
}

// Parent returns the dentry's non-owning parent pointer, or nil for the
// global root.
func (d *Dentry) Parent() *Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent
}

// IsMountpoint reports whether a filesystem is mounted on this dentry.
func (d *Dentry) IsMountpoint() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mounted != nil
}

// Refcount reports the dentry's current reference count.
func (d *Dentry) Refcount() int64 { return d.refcount.Load() }

// lookupChildLocal consults the in-memory children list only; it does
// not fall through to the filesystem.
func (d *Dentry) lookupChildLocal(name string) (*Dentry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.children[name]
	return c, ok
}

func (d *Dentry) insertChild(c *Dentry) {
	d.mu.Lock()
	if d.children == nil {
		d.children = make(map[string]*Dentry)
	}
	d.children[c.Name.String()] = c
	d.mu.Unlock()
}

func (d *Dentry) removeChild(name string) {
	d.mu.Lock()
	delete(d.children, name)
	d.mu.Unlock()
}

func (d *Dentry) childCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.children)
}

// LookupChild resolves one path component under parent:
// a hit in the in-memory children list is returned as-is; a miss falls
// through to inode_ops.Lookup, which fills in the returned dentry's
// inode if the name exists. A negative result (no inode) is returned
// without bumping its reference so callers can tell existence from a
// raw lookup without leaking a ref on ENOENT.
func LookupChild(parent *Dentry, name ustr.Ustr) (*Dentry, error) {
	key := name.String()
	if c, ok := parent.lookupChildLocal(key); ok {
		return c, nil
	}
	pn := parent.Inode()
	if pn == nil || pn.Ops == nil {
		return nil, Error{Kind: NotFound}
	}
	child, err := pn.Ops.Lookup(pn, key)
	var d *Dentry
	if err != nil {
		d = NewDentry(parent, name, nil, parent.SB)
	} else {
		d = NewDentry(parent, name, child, parent.SB)
	}
	parent.insertChild(d)
	return d, nil
}

// RefUpTo increments the reference count of every dentry on the chain
// from d up to and including root, crossing into a mounted
// filesystem's mountpoint dentry whenever the chain passes through that
// filesystem's empty-named mount root.
func RefUpTo(d, root *Dentry) {
	cur := d
	for cur != nil {
		cur.refcount.Add(1)
		if cur == root {
			return
		}
		cur = cur.Parent()
	}
}

// Unref walks the same chain RefUpTo would have walked, releasing each
// dentry and attempting to free it once its refcount reaches zero.
func Unref(d, root *Dentry) {
	cur := d
	for cur != nil {
		next := cur.Parent()
		done := cur == root
		tryRelease(cur)
		if done {
			return
		}
		cur = next
	}
}

// tryRelease drops one reference and, if the dentry is now at refcount
// zero with no inode and no children, frees it from its parent's
// children map.
func tryRelease(d *Dentry) {
	if d.refcount.Add(-1) != 0 {
		return
	}
	if !d.IsNegative() || d.childCount() != 0 {
		return
	}
	p := d.Parent()
	if p != nil {
		p.removeChild(d.Name.String())
	}
	klog.Info("dentry released", klog.Fields{"name": d.Name.String()})
}
