package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for open-arbitration spans, all under an "openfile."
// prefix.
const (
	AttrOperation    = "openfile.operation"     // create_file, close_file, oplock_break
	AttrFileID       = "openfile.file_id"        // FileId of the target
	AttrPath         = "openfile.path"           // requested path
	AttrMid          = "openfile.mid"            // message id
	AttrPID          = "openfile.pid"            // server_process_id
	AttrVUID         = "openfile.vuid"           // session/user id
	AttrDisposition  = "openfile.disposition"    // create disposition
	AttrAccessMask   = "openfile.access_mask"    // requested access mask
	AttrShareAccess  = "openfile.share_access"   // requested share access bits
	AttrOplockReq    = "openfile.oplock_requested"
	AttrOplockGrant  = "openfile.oplock_granted"
	AttrStatus       = "openfile.status"      // resulting NT status code
	AttrInfo         = "openfile.info"        // create_action / info code
	AttrDeferred     = "openfile.deferred"    // true if the open was parked for a break
	AttrConflictWith = "openfile.conflict_pid" // server_process_id of the blocking entry
)

// Span names for open-arbitration operations.
const (
	SpanCreateFile    = "openfile.create_file"
	SpanCloseFile     = "openfile.close_file"
	SpanOplockBreak   = "openfile.oplock_break"
	SpanShareConflict = "openfile.share_conflict"
	SpanDeferredRetry = "openfile.deferred_retry"
	SpanAudit         = "openfile.audit"
)

// Operation returns an attribute for the operation name.
func Operation(op string) attribute.KeyValue {
	return attribute.String(AttrOperation, op)
}

// FileID returns an attribute for a FileId string.
func FileID(id string) attribute.KeyValue {
	return attribute.String(AttrFileID, id)
}

// Path returns an attribute for a request path.
func Path(p string) attribute.KeyValue {
	return attribute.String(AttrPath, p)
}

// Mid returns an attribute for a message id.
func Mid(mid uint64) attribute.KeyValue {
	return attribute.Int64(AttrMid, int64(mid))
}

// PID returns an attribute for a server_process_id.
func PID(pid uint32) attribute.KeyValue {
	return attribute.Int64(AttrPID, int64(pid))
}

// VUID returns an attribute for a session/user id.
func VUID(vuid uint64) attribute.KeyValue {
	return attribute.Int64(AttrVUID, int64(vuid))
}

// Disposition returns an attribute for the create disposition.
func Disposition(d uint32) attribute.KeyValue {
	return attribute.Int64(AttrDisposition, int64(d))
}

// AccessMask returns an attribute for the requested access mask.
func AccessMask(mask uint32) attribute.KeyValue {
	return attribute.Int64(AttrAccessMask, int64(mask))
}

// ShareAccess returns an attribute for the requested share access bits.
func ShareAccess(bits uint32) attribute.KeyValue {
	return attribute.Int64(AttrShareAccess, int64(bits))
}

// Status returns an attribute for the resulting NT status code.
func Status(status uint32) attribute.KeyValue {
	return attribute.Int64(AttrStatus, int64(status))
}

// Info returns an attribute for the create_action/info code.
func Info(info uint32) attribute.KeyValue {
	return attribute.Int64(AttrInfo, int64(info))
}

// Deferred returns an attribute marking an open as parked for an oplock break.
func Deferred(deferred bool) attribute.KeyValue {
	return attribute.Bool(AttrDeferred, deferred)
}

// ConflictWith returns an attribute for the server_process_id that caused a
// share-mode conflict.
func ConflictWith(pid uint32) attribute.KeyValue {
	return attribute.Int64(AttrConflictWith, int64(pid))
}

// StartCreateFileSpan starts the root span for one CreateFile arbitration.
func StartCreateFileSpan(ctx context.Context, path string, mid uint64, pid uint32, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{Path(path), Mid(mid), PID(pid)}, attrs...)
	return StartSpan(ctx, SpanCreateFile, trace.WithAttributes(allAttrs...))
}

// StartCloseFileSpan starts a span for a CloseFile call.
func StartCloseFileSpan(ctx context.Context, fileID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{FileID(fileID)}, attrs...)
	return StartSpan(ctx, SpanCloseFile, trace.WithAttributes(allAttrs...))
}

// StartOplockBreakSpan starts a span for sending an oplock break to a client.
func StartOplockBreakSpan(ctx context.Context, fileID string, targetPID uint32, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{FileID(fileID), PID(targetPID)}, attrs...)
	return StartSpan(ctx, SpanOplockBreak, trace.WithAttributes(allAttrs...))
}

// StartAuditSpan starts a span for an invariant audit pass over a ShareModeSet.
func StartAuditSpan(ctx context.Context, fileID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{FileID(fileID)}, attrs...)
	return StartSpan(ctx, SpanAudit, trace.WithAttributes(allAttrs...))
}
