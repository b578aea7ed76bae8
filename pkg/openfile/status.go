package openfile

import "fmt"

// Status is an NT status code, [MS-ERREF] 2.3. Values are copied verbatim
// from the protocol's own constant space so that a transport layer can
// relay them on the wire unchanged; decoding/encoding the wire form itself
// is out of scope for this package.
type Status uint32

const (
	StatusSuccess             Status = 0x00000000
	StatusInvalidParameter    Status = 0xC000000D
	StatusAccessDenied        Status = 0xC0000022
	StatusObjectNameInvalid   Status = 0xC0000033
	StatusObjectNameNotFound  Status = 0xC0000034
	StatusObjectNameCollision Status = 0xC0000035
	StatusObjectPathNotFound  Status = 0xC000003A
	StatusSharingViolation    Status = 0xC0000043
	StatusDeletePending       Status = 0xC0000056
	StatusNotADirectory       Status = 0xC0000103
	StatusFileIsADirectory    Status = 0xC00000BA
	StatusInternalError       Status = 0xC00000E5
	StatusDiskFull            Status = 0xC000007F
	StatusPrivilegeNotHeld    Status = 0xC0000061
	StatusDirectoryNotEmpty   Status = 0xC0000101

	// StatusOplockNotGranted is an internal-only bookkeeping status: the
	// arbitrator returned a defer decision rather than a grant. Never surfaced to a
	// transport. No code path in this package returns it: the orchestrator
	// reports a defer decision directly as StatusSharingViolation plus a
	// deferred-open record.
	StatusOplockNotGranted Status = 0xE0000001

	// StatusRetry is an internal-only signal meaning "re-enter CreateFile
	// from the top". No code path in this package returns it; the
	// create-race path re-runs against the existing file directly.
	StatusRetry Status = 0xE0000002
)

// String gives a human-readable name for logging and error text.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusInvalidParameter:
		return "INVALID_PARAMETER"
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	case StatusObjectNameInvalid:
		return "OBJECT_NAME_INVALID"
	case StatusObjectNameNotFound:
		return "OBJECT_NAME_NOT_FOUND"
	case StatusObjectNameCollision:
		return "OBJECT_NAME_COLLISION"
	case StatusObjectPathNotFound:
		return "OBJECT_PATH_NOT_FOUND"
	case StatusSharingViolation:
		return "SHARING_VIOLATION"
	case StatusDeletePending:
		return "DELETE_PENDING"
	case StatusNotADirectory:
		return "NOT_A_DIRECTORY"
	case StatusFileIsADirectory:
		return "FILE_IS_A_DIRECTORY"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusDiskFull:
		return "DISK_FULL"
	case StatusPrivilegeNotHeld:
		return "PRIVILEGE_NOT_HELD"
	case StatusDirectoryNotEmpty:
		return "DIRECTORY_NOT_EMPTY"
	case StatusOplockNotGranted:
		return "OPLOCK_NOT_GRANTED(internal)"
	case StatusRetry:
		return "RETRY(internal)"
	default:
		return fmt.Sprintf("STATUS(0x%08X)", uint32(s))
	}
}

// IsSuccess reports whether s represents NT_STATUS_SUCCESS.
func (s Status) IsSuccess() bool { return s == StatusSuccess }

// StatusError wraps a Status as a Go error, optionally carrying the path
// the failure pertains to.
type StatusError struct {
	Status Status
	Path   string
}

func (e *StatusError) Error() string {
	if e.Path != "" {
		return e.Status.String() + ": " + e.Path
	}
	return e.Status.String()
}

// NewStatusError builds a *StatusError for the given status and path.
func NewStatusError(status Status, path string) *StatusError {
	return &StatusError{Status: status, Path: path}
}

// StatusOf unwraps err to its Status if it is (or wraps) a *StatusError,
// or StatusInternalError otherwise.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	if se, ok := err.(*StatusError); ok {
		return se.Status
	}
	return StatusInternalError
}
