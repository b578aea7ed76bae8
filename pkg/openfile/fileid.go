package openfile

import "fmt"

// FileId identifies the underlying filesystem object a PathName resolves
// to. It is stable across renames: two opens of the same path resolve to
// the same FileId, and so do two hard links to the same inode.
type FileId struct {
	Device uint64
	Inode  uint64
	// ExtID disambiguates filesystems (e.g. Btrfs subvolumes, network
	// filesystems re-using device numbers) where device+inode alone is
	// not unique. Zero when not needed.
	ExtID uint64
}

// String renders the FileId as a stable, comparable key suitable for use
// in maps and as a ShareStore key.
func (id FileId) String() string {
	if id.ExtID == 0 {
		return fmt.Sprintf("%016x:%016x", id.Device, id.Inode)
	}
	return fmt.Sprintf("%016x:%016x:%016x", id.Device, id.Inode, id.ExtID)
}

// Bytes returns a fixed-width big-endian encoding of the FileId, used as
// the key in persistent ShareStore backends.
func (id FileId) Bytes() []byte {
	b := make([]byte, 24)
	putUint64(b[0:8], id.Device)
	putUint64(b[8:16], id.Inode)
	putUint64(b[16:24], id.ExtID)
	return b
}

// IsZero reports whether id is the zero value, used as a sentinel for "not
// yet resolved" in code paths that stat a file before it's opened.
func (id FileId) IsZero() bool {
	return id == FileId{}
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
