// Package localvfs implements openfile.VFS against a real POSIX filesystem
// rooted at a configured directory, grounded on the stat/fstat/flock/xattr
// calling conventions gvisor's pkg/sentry/fsimpl/host package uses around
// golang.org/x/sys/unix, adapted from FUSE-style host-passthrough code to
// fenwickd's share-relative PathName/FileId vocabulary.
package localvfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fenwickfs/fenwick/pkg/openfile"
)

// VFS roots all paths under Root, so every PathName the arbitration core
// passes in is treated as share-relative.
type VFS struct {
	Root string
}

// New returns a VFS rooted at root. root must already exist.
func New(root string) (*VFS, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("localvfs: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("localvfs: root %q is not a directory", root)
	}
	return &VFS{Root: root}, nil
}

// resolve maps a share-relative PathName to a real filesystem path. A named
// stream is stored as a sidecar file beside its base, named
// "<base>:<stream>", matching NTFS's own on-the-wire naming so the mapping
// is reversible without a side table.
func (v *VFS) resolve(path openfile.PathName) string {
	clean := filepath.Clean("/" + path.Base)
	full := filepath.Join(v.Root, clean)
	if path.Stream != "" {
		full += ":" + path.Stream
	}
	return full
}

func (v *VFS) statAt(fullPath string) (openfile.Stat, error) {
	var st unix.Stat_t
	if err := unix.Stat(fullPath, &st); err != nil {
		return openfile.Stat{}, translateErrno(err, fullPath)
	}
	return statFromUnix(&st), nil
}

func statFromUnix(st *unix.Stat_t) openfile.Stat {
	isDir := st.Mode&unix.S_IFMT == unix.S_IFDIR
	attrs := openfile.FileAttributes(0)
	if isDir {
		attrs |= openfile.FileAttributeDirectory
	} else {
		attrs |= openfile.FileAttributeNormal
	}
	if st.Mode&0o200 == 0 {
		attrs |= openfile.FileAttributeReadonly
	}
	return openfile.Stat{
		FileID: openfile.FileId{
			Device: uint64(st.Dev),
			Inode:  st.Ino,
		},
		Size:        uint64(st.Size),
		IsDirectory: isDir,
		Attributes:  attrs,
		ModTime:     time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Nlink:       uint32(st.Nlink),
	}
}

// Stat implements openfile.VFS.
func (v *VFS) Stat(ctx context.Context, path openfile.PathName) (openfile.Stat, error) {
	if err := ctx.Err(); err != nil {
		return openfile.Stat{}, err
	}
	return v.statAt(v.resolve(path))
}

// Lstat implements openfile.VFS.
func (v *VFS) Lstat(ctx context.Context, path openfile.PathName) (openfile.Stat, error) {
	if err := ctx.Err(); err != nil {
		return openfile.Stat{}, err
	}
	fullPath := v.resolve(path)
	var st unix.Stat_t
	if err := unix.Lstat(fullPath, &st); err != nil {
		return openfile.Stat{}, translateErrno(err, fullPath)
	}
	return statFromUnix(&st), nil
}

func toUnixFlags(flags openfile.OpenFlags) int {
	var out int
	switch {
	case flags.Has(openfile.OpenReadWrite):
		out |= unix.O_RDWR
	case flags.Has(openfile.OpenWriteOnly):
		out |= unix.O_WRONLY
	default:
		out |= unix.O_RDONLY
	}
	if flags.Has(openfile.OpenCreate) {
		out |= unix.O_CREAT
	}
	if flags.Has(openfile.OpenExclusive) {
		out |= unix.O_EXCL
	}
	if flags.Has(openfile.OpenTruncate) {
		out |= unix.O_TRUNC
	}
	if flags.Has(openfile.OpenDirectory) {
		out |= unix.O_DIRECTORY
	}
	return out
}

// Open implements openfile.VFS.
func (v *VFS) Open(ctx context.Context, path openfile.PathName, flags openfile.OpenFlags, mode uint32) (int, openfile.Stat, error) {
	if err := ctx.Err(); err != nil {
		return -1, openfile.Stat{}, err
	}
	fullPath := v.resolve(path)
	fd, err := unix.Open(fullPath, toUnixFlags(flags), mode)
	if err != nil {
		return -1, openfile.Stat{}, translateErrno(err, fullPath)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return -1, openfile.Stat{}, translateErrno(err, fullPath)
	}
	return fd, statFromUnix(&st), nil
}

// Close implements openfile.VFS.
func (v *VFS) Close(ctx context.Context, fd int) error {
	return unix.Close(fd)
}

// Fstat implements openfile.VFS.
func (v *VFS) Fstat(ctx context.Context, fd int) (openfile.Stat, error) {
	if err := ctx.Err(); err != nil {
		return openfile.Stat{}, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return openfile.Stat{}, translateErrno(err, "")
	}
	return statFromUnix(&st), nil
}

// Ftruncate implements openfile.VFS.
func (v *VFS) Ftruncate(ctx context.Context, fd int, size uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translateErrno(unix.Ftruncate(fd, int64(size)), "")
}

// Mkdir implements openfile.VFS.
func (v *VFS) Mkdir(ctx context.Context, path openfile.PathName, mode uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath := v.resolve(path)
	return translateErrno(unix.Mkdir(fullPath, mode), fullPath)
}

// Unlink implements openfile.VFS.
func (v *VFS) Unlink(ctx context.Context, path openfile.PathName) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath := v.resolve(path)
	return translateErrno(unix.Unlink(fullPath), fullPath)
}

// Chmod implements openfile.VFS.
func (v *VFS) Chmod(ctx context.Context, path openfile.PathName, mode uint32) error {
	fullPath := v.resolve(path)
	return translateErrno(unix.Chmod(fullPath, mode), fullPath)
}

// Fchmod implements openfile.VFS.
func (v *VFS) Fchmod(ctx context.Context, fd int, mode uint32) error {
	return translateErrno(unix.Fchmod(fd, mode), "")
}

// Chown implements openfile.VFS.
func (v *VFS) Chown(ctx context.Context, path openfile.PathName, uid, gid uint32) error {
	fullPath := v.resolve(path)
	return translateErrno(unix.Chown(fullPath, int(uid), int(gid)), fullPath)
}

// Fchown implements openfile.VFS.
func (v *VFS) Fchown(ctx context.Context, fd int, uid, gid uint32) error {
	return translateErrno(unix.Fchown(fd, int(uid), int(gid)), "")
}

// ntACLXattr is the extended attribute name the NT security descriptor
// is stashed under. The descriptor is an opaque blob here; interpreting
// it is the ACL layer's job.
const ntACLXattr = "user.fenwickd.nt_sd"

// GetNTACL implements openfile.VFS.
func (v *VFS) GetNTACL(ctx context.Context, path openfile.PathName) (openfile.SecurityDescriptor, error) {
	fullPath := v.resolve(path)
	size, err := unix.Getxattr(fullPath, ntACLXattr, nil)
	if err != nil {
		if err == unix.ENODATA {
			return nil, nil
		}
		return nil, translateErrno(err, fullPath)
	}
	buf := make([]byte, size)
	if _, err := unix.Getxattr(fullPath, ntACLXattr, buf); err != nil {
		return nil, translateErrno(err, fullPath)
	}
	return openfile.SecurityDescriptor(buf), nil
}

// FSetNTACL implements openfile.VFS.
func (v *VFS) FSetNTACL(ctx context.Context, fd int, sd openfile.SecurityDescriptor) error {
	return translateErrno(unix.Fsetxattr(fd, ntACLXattr, sd, 0), "")
}

// StreamInfo implements openfile.VFS by listing sidecar "<name>:<stream>"
// files beside the base file, per the naming resolve uses.
func (v *VFS) StreamInfo(ctx context.Context, path openfile.PathName) ([]openfile.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := v.resolve(openfile.PathName{Base: path.Base})
	dir, name := filepath.Split(base)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, translateErrno(err, dir)
	}

	var streams []openfile.StreamInfo
	prefix := name + ":"
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		streams = append(streams, openfile.StreamInfo{
			Name: strings.TrimPrefix(entry.Name(), prefix),
			Size: uint64(info.Size()),
		})
	}
	return streams, nil
}

// KernelFlock implements openfile.VFS.
func (v *VFS) KernelFlock(ctx context.Context, fd int, exclusive, block bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if !block {
		how |= unix.LOCK_NB
	}
	return translateErrno(unix.Flock(fd, how), "")
}

// KernelFlockRelease implements openfile.VFS.
func (v *VFS) KernelFlockRelease(ctx context.Context, fd int) error {
	return translateErrno(unix.Flock(fd, unix.LOCK_UN), "")
}

func translateErrno(err error, path string) error {
	if err == nil {
		return nil
	}
	switch err {
	case unix.ENOENT:
		return openfile.NewStatusError(openfile.StatusObjectNameNotFound, path)
	case unix.ENOTDIR:
		return openfile.NewStatusError(openfile.StatusObjectPathNotFound, path)
	case unix.EISDIR:
		return openfile.NewStatusError(openfile.StatusFileIsADirectory, path)
	case unix.EACCES, unix.EPERM:
		return openfile.NewStatusError(openfile.StatusAccessDenied, path)
	case unix.EEXIST:
		return openfile.NewStatusError(openfile.StatusObjectNameCollision, path)
	case unix.ENOSPC:
		return openfile.NewStatusError(openfile.StatusDiskFull, path)
	case unix.ENOTEMPTY:
		return openfile.NewStatusError(openfile.StatusDirectoryNotEmpty, path)
	default:
		return openfile.NewStatusError(openfile.StatusInternalError, path)
	}
}

var _ openfile.VFS = (*VFS)(nil)
