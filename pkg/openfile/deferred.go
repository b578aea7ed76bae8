package openfile

import (
	"fmt"
	"sync"
	"time"
)

// DeferredQueue is the per-process map from mid to a parked request.
// Re-deferring the same mid must preserve the original RequestTime so a
// request's absolute deadline survives multiple retry passes;
// attempting to defer an already-deferred mid within the same pass is a
// programming error, not a retryable condition.
type DeferredQueue struct {
	mu      sync.Mutex
	records map[uint64]*DeferredOpenRecord
}

// NewDeferredQueue returns an empty deferred-open queue.
func NewDeferredQueue() *DeferredQueue {
	return &DeferredQueue{records: make(map[uint64]*DeferredOpenRecord)}
}

// Defer parks mid for fileID with the given timeout, starting its
// request_time clock at now unless a record for mid already exists, in
// which case the existing request_time is kept and DelayedForOplocks is
// OR'd in. Returns an error if mid is already parked for a *different*
// fileID, which would mean two distinct requests collided on one mid — a
// transport-level bug, not a valid defer-again.
func (q *DeferredQueue) Defer(mid uint64, fileID FileId, now time.Time, timeout time.Duration, delayedForOplocks bool) (*DeferredOpenRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.records[mid]; ok {
		if existing.FileID != fileID {
			return nil, fmt.Errorf("mid %d already deferred against a different file", mid)
		}
		existing.Timeout = timeout
		existing.DelayedForOplocks = existing.DelayedForOplocks || delayedForOplocks
		return existing, nil
	}
	rec := &DeferredOpenRecord{
		Mid:               mid,
		FileID:            fileID,
		RequestTime:       now,
		Timeout:           timeout,
		DelayedForOplocks: delayedForOplocks,
	}
	q.records[mid] = rec
	return rec, nil
}

// Lookup returns the parked record for mid, if any — how the orchestrator
// detects a replay and reuses the original request time.
func (q *DeferredQueue) Lookup(mid uint64) (*DeferredOpenRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[mid]
	return rec, ok
}

// Remove clears mid's parked record, on successful replay, explicit
// cancellation, or timeout.
func (q *DeferredQueue) Remove(mid uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.records, mid)
}

// TimedOut returns every parked record whose deadline has passed as of
// now, for the timer sweep that triggers a forced replay/failure.
func (q *DeferredQueue) TimedOut(now time.Time) []*DeferredOpenRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*DeferredOpenRecord
	for _, rec := range q.records {
		if rec.TimedOut(now) {
			out = append(out, rec)
		}
	}
	return out
}
