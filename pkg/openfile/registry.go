package openfile

import "sync"

// dupKey is the (vuid, pid, base_name, stream_name) index key for
// FCB/DENY_DOS handle duplication lookups.
type dupKey struct {
	VUID   uint64
	PID    uint32
	Base   string
	Stream string
}

// Registry is the in-process handle table. It indexes live FSPs by
// FileId for share-entry validation and rename-notification fan-out, and
// by (vuid, pid, base_name, stream_name) for FCB/DENY_DOS duplication
// lookups. It never crosses a process boundary; cross-process identity is
// carried separately as (server_process_id, handle_id) on the ShareEntry.
type Registry struct {
	mu       sync.RWMutex
	byFile   map[FileId][]*FSP
	byDupKey map[dupKey][]*FSP
	byHandle map[uint64]*FSP
	nextID   uint64
}

// NewRegistry returns an empty handle registry.
func NewRegistry() *Registry {
	return &Registry{
		byFile:   make(map[FileId][]*FSP),
		byDupKey: make(map[dupKey][]*FSP),
		byHandle: make(map[uint64]*FSP),
	}
}

// NextHandleID allocates the next opaque handle id for this process.
func (r *Registry) NextHandleID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Add indexes fsp under its FileId, its duplication key, and its handle id.
func (r *Registry) Add(fsp *FSP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byFile[fsp.FileID] = append(r.byFile[fsp.FileID], fsp)
	k := dupKeyFor(fsp)
	r.byDupKey[k] = append(r.byDupKey[k], fsp)
	r.byHandle[fsp.HandleID] = fsp
}

// Remove deindexes fsp. A no-op if fsp is not present.
func (r *Registry) Remove(fsp *FSP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byFile[fsp.FileID] = removeFSP(r.byFile[fsp.FileID], fsp)
	if len(r.byFile[fsp.FileID]) == 0 {
		delete(r.byFile, fsp.FileID)
	}
	k := dupKeyFor(fsp)
	r.byDupKey[k] = removeFSP(r.byDupKey[k], fsp)
	if len(r.byDupKey[k]) == 0 {
		delete(r.byDupKey, k)
	}
	delete(r.byHandle, fsp.HandleID)
}

// ByHandleID resolves an open handle by its process-local id, used to
// resolve relative opens against a root directory handle.
func (r *Registry) ByHandleID(handleID uint64) (*FSP, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fsp, ok := r.byHandle[handleID]
	return fsp, ok
}

// Rename updates the recorded path of every handle open against id whose
// ConnectPath matches sharePath, re-keying the duplication index as it
// goes. Returns how many handles were updated — the receiver side of the
// rename-notification broadcast.
func (r *Registry) Rename(id FileId, sharePath string, newPath PathName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := 0
	for _, fsp := range r.byFile[id] {
		if fsp.ConnectPath != sharePath {
			continue
		}
		oldKey := dupKeyFor(fsp)
		r.byDupKey[oldKey] = removeFSP(r.byDupKey[oldKey], fsp)
		if len(r.byDupKey[oldKey]) == 0 {
			delete(r.byDupKey, oldKey)
		}
		// A handle on an alternate stream keeps its own stream component;
		// only the base name moves.
		fsp.Path = PathName{Base: newPath.Base, Stream: fsp.Path.Stream}
		newKey := dupKeyFor(fsp)
		r.byDupKey[newKey] = append(r.byDupKey[newKey], fsp)
		updated++
	}
	return updated
}

// ByFile returns a snapshot of the FSPs open against id, for
// rename-notification fan-out and share-entry validation.
func (r *Registry) ByFile(id FileId) []*FSP {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FSP, len(r.byFile[id]))
	copy(out, r.byFile[id])
	return out
}

// FindDuplicationCandidate finds an existing handle eligible for
// FCB/DENY_DOS duplication: same path+stream, same vuid, same pid,
// holding write access, with private
// options compatible with the new request's DENY_DOS/DENY_FCB bits.
func (r *Registry) FindDuplicationCandidate(vuid uint64, pid uint32, path PathName, want PrivateOptions) (*FSP, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k := dupKey{VUID: vuid, PID: pid, Base: path.Base, Stream: path.Stream}
	for _, fsp := range r.byDupKey[k] {
		if !fsp.CanWrite {
			continue
		}
		if !compatiblePrivateOptions(fsp.PrivateOptions, want) {
			continue
		}
		return fsp, true
	}
	return nil, false
}

// compatiblePrivateOptions reports whether an existing holder's private
// options permit a new DENY_DOS/DENY_FCB duplication request to piggyback
// on its fd: both sides must agree they are using the legacy relaxed
// sharing mode.
func compatiblePrivateOptions(existing, want PrivateOptions) bool {
	if want.Has(PrivateOptionDenyDOS) {
		return existing.Has(PrivateOptionDenyDOS)
	}
	if want.Has(PrivateOptionDenyFCB) {
		return existing.Has(PrivateOptionDenyFCB)
	}
	return false
}

func dupKeyFor(fsp *FSP) dupKey {
	return dupKey{VUID: fsp.VUID, PID: fsp.PID, Base: fsp.Path.Base, Stream: fsp.Path.Stream}
}

func removeFSP(list []*FSP, target *FSP) []*FSP {
	for i, f := range list {
		if f == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
