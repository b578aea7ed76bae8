package openfile

import (
	"context"
	"time"
)

// Stat is the subset of filesystem metadata the arbitration core needs to
// resolve a FileId, check existence, and classify a path as a directory.
// Fields mirror a POSIX stat(2) result rather than any wire ACL/attribute
// encoding, which stays outside this package's boundary.
type Stat struct {
	FileID      FileId
	Size        uint64
	IsDirectory bool
	Attributes  FileAttributes
	ModTime     time.Time
	Nlink       uint32
}

// SecurityDescriptor is an opaque NT security descriptor blob. The
// arbitration core only reads and writes it as bytes; interpreting its ACEs
// is the ACL layer's job, not this package's.
type SecurityDescriptor []byte

// StreamInfo describes one named data stream on a file.
type StreamInfo struct {
	Name string
	Size uint64
}

// VFS is the filesystem backend the orchestrator drives. Implementations
// translate these calls into actual filesystem operations (or into a test
// double); the arbitration core depends only on this interface, never on a
// concrete backend, so the arbitration logic can be exercised without
// touching a disk.
//
// Every method that would block on I/O takes a context so callers can
// bound or cancel a stalled backend without leaking the arbitration
// goroutine.
type VFS interface {
	// Stat resolves path to its current on-disk metadata. Returns a
	// *StatusError wrapping StatusObjectNameNotFound if no such path
	// exists, or StatusObjectPathNotFound if an intermediate directory
	// component is missing.
	Stat(ctx context.Context, path PathName) (Stat, error)

	// Lstat is Stat without following a trailing symlink, used by the
	// POSIX-semantics paths that must see the link itself.
	Lstat(ctx context.Context, path PathName) (Stat, error)

	// Open opens path with the given POSIX-level access/create flags and
	// returns a file descriptor. mode is the permission bits to apply when
	// create is true.
	Open(ctx context.Context, path PathName, flags OpenFlags, mode uint32) (fd int, st Stat, err error)

	// Close releases fd.
	Close(ctx context.Context, fd int) error

	// Fstat re-stats an already-open fd, used after a write or truncate to
	// refresh size/mtime without a second path lookup.
	Fstat(ctx context.Context, fd int) (Stat, error)

	// Ftruncate resizes the file behind fd.
	Ftruncate(ctx context.Context, fd int, size uint64) error

	// Mkdir creates path as a directory with the given permission bits.
	Mkdir(ctx context.Context, path PathName, mode uint32) error

	// Unlink removes a non-directory path. Used by the delete-then-recreate
	// branch of SUPERSEDE handling.
	Unlink(ctx context.Context, path PathName) error

	// Chmod/Fchmod/Chown/Fchown adjust POSIX permission/ownership bits;
	// SMB SET_INFO requests that touch basic attributes resolve to these.
	Chmod(ctx context.Context, path PathName, mode uint32) error
	Fchmod(ctx context.Context, fd int, mode uint32) error
	Chown(ctx context.Context, path PathName, uid, gid uint32) error
	Fchown(ctx context.Context, fd int, uid, gid uint32) error

	// GetNTACL reads the stored NT security descriptor for path, or nil
	// if none has ever been set.
	GetNTACL(ctx context.Context, path PathName) (SecurityDescriptor, error)

	// FSetNTACL writes sd as the security descriptor for the file behind fd.
	FSetNTACL(ctx context.Context, fd int, sd SecurityDescriptor) error

	// StreamInfo lists the named data streams present on path, excluding
	// the unnamed default stream.
	StreamInfo(ctx context.Context, path PathName) ([]StreamInfo, error)

	// KernelFlock acquires or releases a whole-file advisory lock on fd,
	// used to keep this process's view of a file consistent with other
	// processes on the same host sharing the same backing store.
	KernelFlock(ctx context.Context, fd int, exclusive, block bool) error
	KernelFlockRelease(ctx context.Context, fd int) error
}

// OpenFlags are POSIX-level open(2) flags, distinct from the protocol-level
// AccessMask/CreateOptions the orchestrator resolves them from.
type OpenFlags uint32

const (
	OpenReadOnly  OpenFlags = 0x0
	OpenWriteOnly OpenFlags = 0x1
	OpenReadWrite OpenFlags = 0x2
	OpenCreate    OpenFlags = 0x0100
	OpenExclusive OpenFlags = 0x0200
	OpenTruncate  OpenFlags = 0x0400
	OpenDirectory OpenFlags = 0x10000
)

func (f OpenFlags) Has(want OpenFlags) bool { return f&want == want }
