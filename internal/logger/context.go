package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for one CreateFile call.
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	Operation string    // "create_file", "close_file", "oplock_break", etc.
	FileID    string    // FileId.String() of the target, once resolved
	Mid       uint64    // message id correlating a request to its replay
	PID       uint32    // requesting process id
	VUID      uint64    // requesting session/user id
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for operation.
func NewLogContext(operation string) *LogContext {
	return &LogContext{
		Operation: operation,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:   lc.TraceID,
		SpanID:    lc.SpanID,
		Operation: lc.Operation,
		FileID:    lc.FileID,
		Mid:       lc.Mid,
		PID:       lc.PID,
		VUID:      lc.VUID,
		StartTime: lc.StartTime,
	}
}

// WithFileID returns a copy with the resolved FileId string set.
func (lc *LogContext) WithFileID(fileID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.FileID = fileID
	}
	return clone
}

// WithRequest returns a copy with mid/pid/vuid set.
func (lc *LogContext) WithRequest(mid uint64, pid uint32, vuid uint64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Mid = mid
		clone.PID = pid
		clone.VUID = vuid
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
