package openfile

import "time"

// ShareEntry is one record per active open anywhere in the cluster — the
// unit of cross-process state stored in a ShareModeSet.
type ShareEntry struct {
	ServerProcessID uint32
	HandleID        uint64
	AccessMask      AccessMask
	ShareAccess     ShareAccess
	PrivateOptions  PrivateOptions
	OplockType      OplockType
	// OpMid correlates a pending break reply back to the request that
	// triggered it; zero when no break is outstanding against this entry.
	OpMid    uint64
	FileID   FileId
	OpenTime time.Time
}

// IsDeferred reports whether this entry is a placeholder for a parked
// request rather than a live open.
func (e *ShareEntry) IsDeferred() bool { return e.OplockType == OplockDeferred }

// FSP (file-system-process handle) is the per-process record of one open
// handle.
type FSP struct {
	FileID          FileId
	ServerProcessID uint32
	Path            PathName
	// ConnectPath is the share root the handle was opened through, used
	// by rename-notification fan-out to match handles on the same share.
	ConnectPath string
	// FD is the underlying VFS file descriptor; -1 marks a handle whose fd
	// has been closed (the base-file handle kept for a stream open). Stat
	// opens also go through the VFS open and hold a real fd.
	FD int

	AccessMask     AccessMask
	ShareAccess    ShareAccess
	PrivateOptions PrivateOptions

	OplockType      OplockType
	SentOplockBreak bool

	CanRead  bool
	CanWrite bool
	CanLock  bool

	IsDirectory bool
	PosixOpen   bool

	InitialDeleteOnClose  bool
	InitialAllocationSize uint64

	VUID     uint64
	PID      uint32
	OpenTime time.Time

	// BaseFSP is set for a stream open: the FSP for the stream's base
	// file, kept open so the stream inherits the base's lifetime. For an
	// FCB/DENY_DOS duplicate it is the handle whose fd was duplicated.
	BaseFSP *FSP

	HandleID uint64
}

// DeferredOpenRecord is a parked request awaiting replay. It lives
// simultaneously in the process-local DeferredQueue and as a
// placeholder ShareEntry (OplockType == OplockDeferred) in the
// ShareModeSet for FileID.
type DeferredOpenRecord struct {
	Mid               uint64
	FileID            FileId
	RequestTime       time.Time
	Timeout           time.Duration
	DelayedForOplocks bool
}

// TimedOut reports whether the record's absolute deadline has passed as
// of now.
func (r *DeferredOpenRecord) TimedOut(now time.Time) bool {
	return now.After(r.RequestTime.Add(r.Timeout))
}
