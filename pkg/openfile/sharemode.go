package openfile

import (
	"fmt"
	"time"
)

// conflictMask is the set of access bits that participate in share-mode
// arbitration at all; a request touching none of these (a stat open)
// skips the conflict predicate entirely.
const conflictMask = FileReadData | FileWriteData | FileAppendData | FileExecute | DeleteAccess

// ShareModeSet is the cross-process arbitration state for one FileId.
// A single instance is owned by whichever goroutine currently holds its
// lease; callers serialize access to a given FileId's ShareModeSet through
// the ShareStore (see store.go), not through a lock embedded here — this
// type itself is a plain value the store reads, mutates, and persists.
type ShareModeSet struct {
	FileID        FileId
	Entries       []ShareEntry
	DeleteOnClose bool
	LastWriteTime time.Time
}

// NewShareModeSet returns an empty set for id, as created lazily on the
// first open of that file.
func NewShareModeSet(id FileId) *ShareModeSet {
	return &ShareModeSet{FileID: id}
}

// IsEmpty reports whether the set has no entries left, the trigger for
// the store to destroy it.
func (s *ShareModeSet) IsEmpty() bool { return len(s.Entries) == 0 }

// checkInvariants validates the oplock structural rules against the full
// entry vector: at most one exclusive-like holder, and never an
// exclusive-like holder alongside a LevelII one. Used by tests; the audit
// capability (audit.go) applies the same rules in its own checks, and Add
// does not check them.
func (s *ShareModeSet) checkInvariants() error {
	exclusiveLike := 0
	hasLevelII := false
	hasExclusiveLike := false
	for _, e := range s.Entries {
		if e.OplockType.IsExclusiveLike() {
			exclusiveLike++
			hasExclusiveLike = true
		}
		if e.OplockType == OplockLevelII || e.OplockType == OplockFakeLevelII {
			hasLevelII = true
		}
	}
	if exclusiveLike > 1 {
		return fmt.Errorf("%d exclusive/batch entries on %s, expected at most one", exclusiveLike, s.FileID)
	}
	if hasExclusiveLike && hasLevelII {
		return fmt.Errorf("exclusive/batch coexists with LevelII on %s", s.FileID)
	}
	return nil
}

// Add appends a new entry. A set marked delete-on-close admits no new
// entries. Callers must have already resolved any share-mode conflict
// against the existing entries before calling Add.
func (s *ShareModeSet) Add(e ShareEntry) error {
	if s.DeleteOnClose {
		return NewStatusError(StatusDeletePending, "")
	}
	s.Entries = append(s.Entries, e)
	return nil
}

// Remove deletes the entry identified by (serverProcessID, handleID).
// Returns false if no matching entry was found, which callers should treat as a bug in the
// registry rather than a benign no-op.
func (s *ShareModeSet) Remove(serverProcessID uint32, handleID uint64) bool {
	for i, e := range s.Entries {
		if e.ServerProcessID == serverProcessID && e.HandleID == handleID {
			s.Entries = append(s.Entries[:i], s.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// AddDeferred parks a placeholder entry for mid, carrying the requester's
// process id so the placeholder can be attributed. Placeholders are not
// live opens, so the delete-pending gate does not apply to them; a
// delete-pending set fails the open before arbitration gets to defer it.
func (s *ShareModeSet) AddDeferred(mid uint64, serverProcessID uint32, requestTime time.Time) error {
	s.Entries = append(s.Entries, ShareEntry{
		ServerProcessID: serverProcessID,
		OplockType:      OplockDeferred,
		OpMid:           mid,
		FileID:          s.FileID,
		OpenTime:        requestTime,
	})
	return nil
}

// DelDeferred removes the placeholder entry for mid, if present.
func (s *ShareModeSet) DelDeferred(mid uint64) bool {
	if _, idx, found := s.FindDeferred(mid); found {
		s.RemoveAt(idx)
		return true
	}
	return false
}

// FindDeferred returns the placeholder entry for mid, if one is parked in
// this set, and its index.
func (s *ShareModeSet) FindDeferred(mid uint64) (ShareEntry, int, bool) {
	for i, e := range s.Entries {
		if e.IsDeferred() && e.OpMid == mid {
			return e, i, true
		}
	}
	return ShareEntry{}, -1, false
}

// RemoveAt deletes the entry at index i, used to clear a deferred
// placeholder once its retry resolves (successfully or not).
func (s *ShareModeSet) RemoveAt(i int) {
	s.Entries = append(s.Entries[:i], s.Entries[i+1:]...)
}

// wantsConflictBits reports whether mask touches any bit the share-mode
// predicate cares about; a mask with none of them is a stat open and
// bypasses conflict checking entirely.
func wantsConflictBits(mask AccessMask) bool {
	return mask.Any(conflictMask)
}

// conflicts implements the share-conflict predicate for one existing
// entry E against a prospective new request N. Returns true iff the pair
// conflicts.
func conflicts(e ShareEntry, reqAccess AccessMask, reqShare ShareAccess, entryShare ShareAccess) bool {
	if !wantsConflictBits(e.AccessMask) && !wantsConflictBits(reqAccess) {
		return false
	}
	writeLike := FileWriteData | FileAppendData
	readLike := FileReadData | FileExecute

	// 1: E wants WRITE/APPEND and N doesn't share WRITE.
	if e.AccessMask.Any(writeLike) && !reqShare.Has(FileShareWrite) {
		return true
	}
	// 2: N wants WRITE/APPEND and E doesn't share WRITE.
	if reqAccess.Any(writeLike) && !entryShare.Has(FileShareWrite) {
		return true
	}
	// 3: E wants READ/EXECUTE and N doesn't share READ.
	if e.AccessMask.Any(readLike) && !reqShare.Has(FileShareRead) {
		return true
	}
	// 4: N wants READ/EXECUTE and E doesn't share READ.
	if reqAccess.Any(readLike) && !entryShare.Has(FileShareRead) {
		return true
	}
	// 5: E wants DELETE and N doesn't share DELETE.
	if e.AccessMask.Has(DeleteAccess) && !reqShare.Has(FileShareDelete) {
		return true
	}
	// 6: N wants DELETE and E doesn't share DELETE.
	if reqAccess.Has(DeleteAccess) && !entryShare.Has(FileShareDelete) {
		return true
	}
	return false
}

// ConflictingEntry is the first existing entry found to conflict with a
// prospective request, returned so callers can drive FCB/DENY_DOS
// duplication and access-probe downgrade logic against it.
type ConflictingEntry struct {
	Entry ShareEntry
}

// CheckConflict evaluates the new request (reqAccess, reqShare) against
// every live (non-deferred) entry in s and returns the first conflict
// found. A stat-open request (no conflict bits) always passes.
// delete_on_close is checked by the caller via Add, not here.
func (s *ShareModeSet) CheckConflict(reqAccess AccessMask, reqShare ShareAccess) (ConflictingEntry, bool) {
	if !wantsConflictBits(reqAccess) {
		return ConflictingEntry{}, false
	}
	for _, e := range s.Entries {
		if e.IsDeferred() {
			continue
		}
		if conflicts(e, reqAccess, reqShare, e.ShareAccess) {
			return ConflictingEntry{Entry: e}, true
		}
	}
	return ConflictingEntry{}, false
}
