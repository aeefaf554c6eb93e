// Package vfs is the virtual file system core: the dentry/inode cache,
// mount table, per-inode page cache, and the file object that glues
// file I/O to the page fault path in package vm.
package vfs

import (
	"errors"

	"github.com/novaos-project/novaos/vm"
)

// Error is the VFS's categorical error sum type.
type Error struct {
	Kind ErrorKind
}

// ErrorKind enumerates vfs.Error's cases.
type ErrorKind int

const (
	NotFound ErrorKind = iota
	Exists
	IsDir
	NotDir
	NameTooLong
	LoopTooDeep
	IoError
	ReadOnly
	NotSupported
)

func (e Error) Error() string {
	switch e.Kind {
	case NotFound:
		return "vfs: no such file or directory"
	case Exists:
		return "vfs: file exists"
	case IsDir:
		return "vfs: is a directory"
	case NotDir:
		return "vfs: not a directory"
	case NameTooLong:
		return "vfs: name too long"
	case LoopTooDeep:
		return "vfs: too many levels of symbolic links"
	case IoError:
		return "vfs: I/O error"
	case ReadOnly:
		return "vfs: read-only file system"
	case NotSupported:
		return "vfs: operation not supported"
	default:
		return "vfs: unknown error"
	}
}

// Is lets errors.Is compare categorically on Kind.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.Kind == e.Kind
}

// POSIX error numbers reported at the syscall boundary.
const (
	ENOENT       = 2
	EIO          = 5
	EBADF        = 9
	ENOMEM       = 12
	EACCES       = 13
	EBUSY        = 16
	EEXIST       = 17
	ENOTDIR      = 20
	EISDIR       = 21
	EINVAL       = 22
	ETXTBSY      = 26
	EROFS        = 30
	ENAMETOOLONG = 36
	ELOOP        = 40
	ENOTSUP      = 95
)

// Errno maps a kernel error onto the POSIX code the syscall boundary
// reports for it. Unknown errors surface as EIO.
func Errno(err error) int {
	var fe Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case NotFound:
			return ENOENT
		case Exists:
			return EEXIST
		case IsDir:
			return EISDIR
		case NotDir:
			return ENOTDIR
		case NameTooLong:
			return ENAMETOOLONG
		case LoopTooDeep:
			return ELOOP
		case ReadOnly:
			return EROFS
		case NotSupported:
			return ENOTSUP
		case IoError:
			return EIO
		}
	}
	var ve vm.Error
	if errors.As(err, &ve) {
		switch ve.Kind {
		case vm.OutOfPhysical, vm.OutOfVirtual:
			return ENOMEM
		case vm.Overlap:
			return EINVAL
		case vm.PermissionDenied:
			return EACCES
		}
	}
	return EIO
}

var (
	ErrNotFound     = Error{Kind: NotFound}
	ErrExists       = Error{Kind: Exists}
	ErrIsDir        = Error{Kind: IsDir}
	ErrNotDir       = Error{Kind: NotDir}
	ErrNameTooLong  = Error{Kind: NameTooLong}
	ErrLoopTooDeep  = Error{Kind: LoopTooDeep}
	ErrIO           = Error{Kind: IoError}
	ErrReadOnly     = Error{Kind: ReadOnly}
	ErrNotSupported = Error{Kind: NotSupported}
)
