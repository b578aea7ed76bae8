package logger

import (
	"fmt"
	"log/slog"
	"time"
)

// Standard field keys for structured logging. Use these consistently so
// log aggregation can query by key across the daemon.
const (
	// Distributed tracing
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// Request identity
	KeyOperation = "operation" // create_file, close_file, oplock_break, audit
	KeyMid       = "mid"       // message id correlating a deferred open to its replay
	KeyPID       = "pid"       // requesting process id (server_process_id)
	KeyVUID      = "vuid"      // requesting session/user id

	// File identity
	KeyPath   = "path"    // share-relative path, with stream suffix if any
	KeyShare  = "share"   // share root (connect path)
	KeyFileID = "file_id" // FileId of the ShareModeSet under arbitration
	KeyHandle = "handle"  // opaque handle id, hex when raw bytes

	// Arbitration state
	KeyOplock      = "oplock"      // oplock type granted or broken
	KeyDisposition = "disposition" // create disposition of the request
	KeyStatus      = "status"      // NT status of the outcome
	KeyInfo        = "info"        // created/opened/overwritten/superseded

	// Generic
	KeyError    = "error"
	KeyErrCode  = "error_code"
	KeyDuration = "duration_ms"
	KeyBackend  = "backend" // share-mode store backend
	KeyCount    = "count"
)

// Operation returns a slog.Attr for the operation name
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Mid returns a slog.Attr for a message id
func Mid(mid uint64) slog.Attr {
	return slog.Uint64(KeyMid, mid)
}

// PID returns a slog.Attr for a requesting process id
func PID(pid uint32) slog.Attr {
	return slog.Any(KeyPID, pid)
}

// VUID returns a slog.Attr for a requesting session/user id
func VUID(vuid uint64) slog.Attr {
	return slog.Uint64(KeyVUID, vuid)
}

// Path returns a slog.Attr for a share-relative path
func Path(path string) slog.Attr {
	return slog.String(KeyPath, path)
}

// Share returns a slog.Attr for a share root
func Share(share string) slog.Attr {
	return slog.String(KeyShare, share)
}

// FileID returns a slog.Attr for the FileId under arbitration
func FileID(id string) slog.Attr {
	return slog.String(KeyFileID, id)
}

// Handle returns a slog.Attr for an opaque handle, hex-encoded
func Handle(handle []byte) slog.Attr {
	return slog.String(KeyHandle, fmt.Sprintf("%x", handle))
}

// HandleID returns a slog.Attr for a numeric handle id
func HandleID(id uint64) slog.Attr {
	return slog.Uint64(KeyHandle, id)
}

// Oplock returns a slog.Attr for an oplock type
func Oplock(t string) slog.Attr {
	return slog.String(KeyOplock, t)
}

// Disposition returns a slog.Attr for a create disposition
func Disposition(d string) slog.Attr {
	return slog.String(KeyDisposition, d)
}

// Status returns a slog.Attr for an NT status rendering
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Err returns a slog.Attr for an error, or an empty attr for nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a numeric error code
func ErrorCode(code int) slog.Attr {
	return slog.Int(KeyErrCode, code)
}

// Duration returns a slog.Attr for an elapsed time in milliseconds
func Duration(d time.Duration) slog.Attr {
	return slog.Float64(KeyDuration, float64(d.Nanoseconds())/1e6)
}

// Backend returns a slog.Attr for the share-mode store backend
func Backend(name string) slog.Attr {
	return slog.String(KeyBackend, name)
}

// Count returns a slog.Attr for a generic count
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}
