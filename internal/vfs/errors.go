// Package vfs implements the composite base/mods/overwrite overlay
// filesystem: the tree model, the inode table, the FUSE handler table, the
// copy-on-write staging/overwrite protocol, and the mount lifecycle.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"mo2vfs/internal/logging"
)

var errLogger = logging.GetLogger().WithPrefix("error")

// Kind classifies an Error at the VFS request boundary (see spec §7).
type Kind int

const (
	// KindNotFound: lookup/getattr/readdir/open/unlink of a missing path.
	KindNotFound Kind = iota
	// KindNotWritable: write/create/setattr when staging can't be materialised.
	KindNotWritable
	// KindIoError: a direct syscall failure on the physical backing.
	KindIoError
	// KindConflict: create/mkdir on an existing name.
	KindConflict
	// KindInternal: unknown inode, corrupted tree — fatal to the operation,
	// not to the mount.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindNotWritable:
		return "not-writable"
	case KindIoError:
		return "io-error"
	case KindConflict:
		return "conflict"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps a filesystem operation failure with the operation name, the
// affected mount path, and a Kind used to pick the syscall errno returned
// to the kernel.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error, defaulting Err to a stock message for the Kind
// when none is supplied.
func NewError(op, path string, kind Kind, err error) *Error {
	if err == nil {
		err = errors.New(kind.String())
	}
	fsErr := &Error{Op: op, Path: path, Kind: kind, Err: err}
	errLogger.Debug("%v", fsErr)
	return fsErr
}

// ToErrno converts an Error (or a bare I/O error) into the syscall errno
// the kernel expects back from a FUSE callback.
func ToErrno(err error) error {
	if err == nil {
		return nil
	}

	var fsErr *Error
	if errors.As(err, &fsErr) {
		switch fsErr.Kind {
		case KindNotFound:
			return syscall.ENOENT
		case KindNotWritable:
			return syscall.EROFS
		case KindConflict:
			return syscall.EEXIST
		case KindIoError:
			return errnoOf(fsErr.Err)
		case KindInternal:
			errLogger.Error("internal error surfaced as EIO: %v", fsErr)
			return syscall.EIO
		default:
			return syscall.EIO
		}
	}

	return errnoOf(err)
}

// errnoOf best-efforts a raw error down to a syscall.Errno, defaulting to
// EIO when the underlying cause isn't one the kernel already understands.
func errnoOf(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	default:
		return syscall.EIO
	}
}

// Operation names used consistently across logging and Error values.
const (
	OpLookup  = "lookup"
	OpGetattr = "getattr"
	OpReadDir = "readdir"
	OpOpen    = "open"
	OpRead    = "read"
	OpWrite   = "write"
	OpCreate  = "create"
	OpMkdir   = "mkdir"
	OpUnlink  = "unlink"
	OpRename  = "rename"
	OpSetattr = "setattr"
	OpRelease = "release"
)

// LifecycleKind classifies a mount-boundary failure (see spec §7).
type LifecycleKind int

const (
	KindStaleMount LifecycleKind = iota
	KindSessionCreate
	KindMountFailed
	KindHelperStartFailed
	KindHelperProtocolError
)

func (k LifecycleKind) String() string {
	switch k {
	case KindStaleMount:
		return "stale-mount"
	case KindSessionCreate:
		return "session-create"
	case KindMountFailed:
		return "mount-failed"
	case KindHelperStartFailed:
		return "helper-start-failed"
	case KindHelperProtocolError:
		return "helper-protocol-error"
	default:
		return "unknown"
	}
}

// LifecycleError reports a fatal failure of mount setup/teardown. Lifecycle
// failures are always reported to the caller with every resource acquired
// so far released.
type LifecycleError struct {
	Kind LifecycleKind
	Err  error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

func NewLifecycleError(kind LifecycleKind, err error) *LifecycleError {
	return &LifecycleError{Kind: kind, Err: err}
}
