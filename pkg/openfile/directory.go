package openfile

import "context"

// createDirectory is the narrower directory-open flow. No
// oplocks participate, dispositions are restricted to OPEN/CREATE/OPEN_IF,
// and stream names are rejected outright.
func (o *Orchestrator) createDirectory(ctx context.Context, req CreateRequest, st Stat) (*CreateResult, error) {
	if req.Path.IsStream() {
		return nil, NewStatusError(StatusNotADirectory, req.Path.String())
	}

	switch req.Disposition {
	case FileOpen, FileCreate, FileOpenIf:
	default:
		return nil, NewStatusError(StatusInvalidParameter, req.Path.String())
	}

	exists := !st.FileID.IsZero()

	var willCreate bool
	switch req.Disposition {
	case FileOpen:
		if !exists {
			return nil, NewStatusError(StatusObjectNameNotFound, req.Path.String())
		}
	case FileCreate:
		if exists {
			return nil, NewStatusError(StatusObjectNameCollision, req.Path.String())
		}
		willCreate = true
	case FileOpenIf:
		willCreate = !exists
	}

	if willCreate {
		if err := o.VFS.Mkdir(ctx, req.Path, 0o755); err != nil {
			return nil, err
		}
		// Re-stat the new directory by path. There is no dev/ino
		// cross-check and no owner inheritance here.
		newSt, err := o.VFS.Stat(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		st = newSt
	}

	fd, openSt, err := o.VFS.Open(ctx, req.Path, OpenDirectory|OpenReadOnly, 0)
	if err != nil {
		return nil, err
	}

	handleID := o.Registry.NextHandleID()
	access := ResolveAccessMask(req.AccessMask, exists || willCreate, req.SecurityDescriptor, req.Identity, o.Probe)

	if err := o.Store.Mutate(ctx, openSt.FileID, func(set *ShareModeSet) error {
		if set.DeleteOnClose {
			return NewStatusError(StatusDeletePending, req.Path.String())
		}
		// Directories skip oplocks, not the share-conflict predicate: two
		// handles on the same directory still arbitrate their modes.
		if !IsStatOpen(access) {
			if conflict, has := set.CheckConflict(access, req.ShareAccess); has {
				if o.Metrics != nil {
					o.Metrics.ObserveConflict()
				}
				return o.shareViolationError(access, conflict.Entry, req)
			}
		}
		return set.Add(ShareEntry{
			ServerProcessID: req.ServerProcessID,
			HandleID:        handleID,
			AccessMask:      WithImpliedReadAttributes(access),
			ShareAccess:     req.ShareAccess,
			OplockType:      OplockNone,
			FileID:          openSt.FileID,
			OpenTime:        req.requestTime,
		})
	}); err != nil {
		o.VFS.Close(ctx, fd)
		return nil, err
	}

	fsp := &FSP{
		FileID:          openSt.FileID,
		ServerProcessID: req.ServerProcessID,
		Path:            req.Path,
		ConnectPath:     req.ConnectPath,
		FD:              fd,
		AccessMask:  WithImpliedReadAttributes(access),
		ShareAccess: req.ShareAccess,
		OplockType:  OplockNone,
		CanRead:     true,
		IsDirectory: true,
		VUID:        req.VUID,
		PID:         req.PID,
		OpenTime:    req.requestTime,
		HandleID:    handleID,
	}

	// Delete-on-close for a directory is only recorded on the FSP. Nothing
	// checks that the directory is empty, and CloseFile does not remove
	// directories.
	if req.Options.Has(FileDeleteOnClose) {
		fsp.InitialDeleteOnClose = true
	}

	o.Registry.Add(fsp)

	info := FileWasOpened
	if willCreate {
		info = FileWasCreated
	}
	return &CreateResult{FSP: fsp, Info: info}, nil
}
