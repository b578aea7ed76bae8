package openfile

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OplockBreakTimeout bounds how long a deferred-for-oplock request waits
// before the orchestrator gives up on the break reply; a parked request's
// deadline is twice this. Deferrals for a plain share-mode conflict use
// ShareViolationWait (~1s) instead.
const (
	OplockBreakTimeout = 35 * time.Second
	ShareViolationWait = 1 * time.Second
)

// MetricsSink receives arbitration outcome observations. Satisfied by the
// daemon's Prometheus recorder; nil disables recording.
type MetricsSink interface {
	ObserveCreate(disposition string, status string, duration time.Duration)
	ObserveClose(reason string)
	ObserveConflict()
	ObserveOplockGrant(oplockType string)
	ObserveOplockBreak(pass string)
}

// BreakSender delivers an oplock break to the process holding target,
// addressed by its server process id. Implemented by the transport layer.
type BreakSender interface {
	SendBreak(ctx context.Context, target ShareEntry, newType OplockType, mid uint64) error
}

// CreateRequest is the normalized input to CreateFile.
type CreateRequest struct {
	Mid             uint64
	VUID            uint64
	PID             uint32
	ServerProcessID uint32

	Path               PathName
	AccessMask         AccessMask
	ShareAccess        ShareAccess
	Disposition        CreateDisposition
	Options            CreateOptions
	Attributes         FileAttributes
	OplockRequested    OplockType
	LevelIICapable     bool
	PrivateOptions     PrivateOptions
	AllocationSize     uint64
	SecurityDescriptor SecurityDescriptor
	// ParentSD is the security descriptor of the target's parent
	// directory, consulted only for the DELETE_CHILD access-denied
	// override. Optional.
	ParentSD SecurityDescriptor
	Identity Identity

	// RootDirHandleID, when nonzero, names an already-open directory
	// handle this request's Path is relative to.
	RootDirHandleID uint64

	// ConnectPath is the share root this request entered through, recorded
	// on the FSP so rename-notification fan-out can match handles by share.
	ConnectPath string

	PosixSemantics   bool
	ReadOnlyShare    bool
	ClearADSOverride bool
	ForceBreakToNone bool
	// InternalOnly marks a server-internal open (base-fsp opens, stream
	// cleanup) that never takes oplocks and never defers.
	InternalOnly bool

	// internal re-entry plumbing
	requestTime time.Time
	isReplay    bool
}

// CreateResult is what a successful CreateFile returns.
type CreateResult struct {
	FSP  *FSP
	Info InfoCode
}

// Orchestrator is the open state machine. It owns no ShareModeSet
// state itself — that lives in ShareStore — but it does own the
// process-local Registry and DeferredQueue, and holds the collaborators
// (VFS, BreakSender, SecurityProbe) injected at construction.
type Orchestrator struct {
	VFS      VFS
	Store    ShareStore
	Registry *Registry
	Deferred *DeferredQueue
	Breaks   BreakSender
	Probe    SecurityProbe
	Now      func() time.Time

	// Tracer, when set, wraps each CreateFile in a span; CloseFile is not
	// traced. Nil means no tracing; the hot path pays nothing.
	Tracer trace.Tracer

	// Metrics, when set, receives arbitration outcome observations.
	Metrics MetricsSink

	// DeferSharingViolations enables the one-second retry window for
	// share-mode conflicts instead of failing immediately.
	DeferSharingViolations bool

	// DOSAttributeMapping reports whether DOS attributes are mapped onto
	// the filesystem, which activates the WRITE_ATTRIBUTES access-denied
	// override.
	DOSAttributeMapping bool

	// LevelIIDisabled is the administrative kill switch for level II
	// oplocks: grants that would be LevelII are downgraded to FakeLevelII
	// regardless of what the client negotiated.
	LevelIIDisabled bool

	// BreakTimeout and ViolationWait override the package defaults when
	// nonzero; tests and config set them, everything else reads them via
	// the accessors below.
	BreakTimeout  time.Duration
	ViolationWait time.Duration
}

// NewOrchestrator wires the collaborators together. The clock defaults to
// time.Now, overridable so tests can control the deferred-open timers
// deterministically.
func NewOrchestrator(vfs VFS, store ShareStore, breaks BreakSender, probe SecurityProbe) *Orchestrator {
	return &Orchestrator{
		VFS:                    vfs,
		Store:                  store,
		Registry:               NewRegistry(),
		Deferred:               NewDeferredQueue(),
		Breaks:                 breaks,
		Probe:                  probe,
		Now:                    time.Now,
		DeferSharingViolations: true,
	}
}

func (o *Orchestrator) breakTimeout() time.Duration {
	if o.BreakTimeout > 0 {
		return o.BreakTimeout
	}
	return OplockBreakTimeout
}

func (o *Orchestrator) violationWait() time.Duration {
	if o.ViolationWait > 0 {
		return o.ViolationWait
	}
	return ShareViolationWait
}

// CreateFile resolves req into a granted FSP and info code or an NT
// status error, deferring and replaying through the queue when a break
// or retryable conflict is in flight.
func (o *Orchestrator) CreateFile(ctx context.Context, req CreateRequest) (result *CreateResult, err error) {
	start := o.Now()
	if o.Metrics != nil {
		defer func() {
			o.Metrics.ObserveCreate(dispositionLabel(req.Disposition), StatusOf(err).String(), o.Now().Sub(start))
		}()
	}
	if o.Tracer != nil {
		var span trace.Span
		ctx, span = o.Tracer.Start(ctx, "openfile.create_file", trace.WithAttributes(
			attribute.String("fs.operation", "create_file"),
			attribute.String("fs.path", req.Path.String()),
		))
		defer func() {
			span.SetAttributes(attribute.String("fs.status", StatusOf(err).String()))
			span.End()
		}()
	}

	result, err = o.createFile(ctx, req)

	// A deferred record survives only while its request is parked for a
	// retry. Success or any non-retryable failure retires it.
	if StatusOf(err) != StatusSharingViolation {
		o.Deferred.Remove(req.Mid)
	}
	return result, err
}

func (o *Orchestrator) createFile(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	req.requestTime = o.Now()

	// Preflight.
	if req.Options.Has(FileOpenByFileID) {
		return nil, NewStatusError(StatusInvalidParameter, req.Path.String())
	}
	if req.RootDirHandleID != 0 {
		root, ok := o.Registry.ByHandleID(req.RootDirHandleID)
		if !ok || !root.IsDirectory {
			return nil, NewStatusError(StatusInternalError, req.Path.String())
		}
		req.Path.Base = root.Path.Base + "/" + req.Path.Base
	}
	if req.PrivateOptions.Has(PrivateOptionDenyDOS) && WantsDenyDOSRelaxation(req.Path) {
		// Legacy executable suffixes relax DENY_DOS into full sharing.
		req.ShareAccess |= FileShareRead | FileShareWrite
	}
	var baseFSP *FSP
	if req.Path.IsStream() {
		var err error
		baseFSP, err = o.openBaseFSP(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	// Path and existence.
	st, statErr := o.VFS.Stat(ctx, PathName{Base: req.Path.Base})
	exists := statErr == nil
	if exists && st.IsDirectory {
		if req.Path.IsStream() {
			return nil, NewStatusError(StatusNotADirectory, req.Path.String())
		}
		if req.Options.Has(FileNonDirectoryFile) {
			return nil, NewStatusError(StatusFileIsADirectory, req.Path.String())
		}
		return o.createDirectory(ctx, req, st)
	}
	if req.Options.Has(FileDirectoryFile) {
		if exists {
			return nil, NewStatusError(StatusNotADirectory, req.Path.String())
		}
		return o.createDirectory(ctx, req, Stat{})
	}

	// Access resolution.
	access := ResolveAccessMask(req.AccessMask, exists, req.SecurityDescriptor, req.Identity, o.Probe)
	if err := o.checkACL(access, exists, req); err != nil {
		return nil, err
	}
	openAccess := access
	needsTrunc := req.Disposition == FileSupersede || req.Disposition == FileOverwrite || req.Disposition == FileOverwriteIf
	if needsTrunc || req.ForceBreakToNone {
		openAccess |= FileWriteData
	}

	// Disposition.
	plan, err := ResolveDisposition(req.Disposition, exists, req.Path, req.PosixSemantics, req.ReadOnlyShare)
	if err != nil {
		return nil, err
	}
	if plan.RequireDelete && !access.Has(DeleteAccess) {
		// Superseding an existing file destroys it; unlike the historical
		// truncate-in-place behavior, that demands DELETE access.
		return nil, NewStatusError(StatusAccessDenied, req.Path.String())
	}

	// Attribute match against the overwritten file.
	if exists && (req.Disposition == FileOverwrite || req.Disposition == FileOverwriteIf) {
		if !AttributesCompatible(st.Attributes, req.Attributes) {
			return nil, NewStatusError(StatusAccessDenied, req.Path.String())
		}
	}

	// Deferred-replay detection.
	if rec, ok := o.Deferred.Lookup(req.Mid); ok {
		req.requestTime = rec.RequestTime
		req.isReplay = true
		if err := o.Store.Mutate(ctx, rec.FileID, func(set *ShareModeSet) error {
			if _, idx, found := set.FindDeferred(req.Mid); found {
				set.RemoveAt(idx)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	var result *CreateResult
	if !exists {
		result, err = o.createNotExisted(ctx, req, access, openAccess, plan)
	} else {
		result, err = o.openExisted(ctx, req, st.FileID, access, openAccess, plan, st)
	}
	if err != nil {
		return nil, err
	}
	if baseFSP != nil {
		result.FSP.BaseFSP = baseFSP
	}
	return result, nil
}

// checkACL enforces the target's security descriptor against the resolved
// mask, applying the access-denied overrides before giving up. Only
// meaningful for existing files with a stored descriptor; creates are
// authorized by the parent, which is the transport's concern.
func (o *Orchestrator) checkACL(access AccessMask, exists bool, req CreateRequest) error {
	if !exists || o.Probe == nil || len(req.SecurityDescriptor) == 0 || IsStatOpen(access) {
		return nil
	}
	effective := o.Probe.EffectiveAccess(req.SecurityDescriptor, req.Identity)
	denied := access &^ effective &^ FileReadAttributes
	if denied == 0 {
		return nil
	}
	var parentEffective AccessMask
	if len(req.ParentSD) > 0 {
		parentEffective = o.Probe.EffectiveAccess(req.ParentSD, req.Identity)
	}
	denied = ApplyDenyOverrides(denied, o.DOSAttributeMapping, parentEffective)
	if denied != 0 {
		return NewStatusError(StatusAccessDenied, req.Path.String())
	}
	return nil
}

// createNotExisted handles the "doesn't exist" branch: attempt the
// create, and if another process won the race, fall through to the
// existed path against the file's real FileId. A new file's FileId does
// not exist until the open itself, so the fd is necessarily opened
// before the lease; publishRaceChecked closes the window by re-checking
// the mode under the lease before the entry goes in.
func (o *Orchestrator) createNotExisted(ctx context.Context, req CreateRequest, access, openAccess AccessMask, plan DispositionPlan) (*CreateResult, error) {
	// Truncation waits until the share entry is published and the kernel
	// flock is held; only the create/exclusive bits go to the filesystem
	// here.
	fd, st, err := o.VFS.Open(ctx, req.Path, openFlags(plan.Flags, openAccess)&^OpenTruncate, modeFromAttributes(req.Attributes))
	if err != nil {
		if se, ok := err.(*StatusError); ok && se.Status == StatusObjectNameCollision {
			// Someone else created it first; re-run against the real FileId.
			st2, statErr := o.VFS.Stat(ctx, PathName{Base: req.Path.Base})
			if statErr != nil {
				return nil, err
			}
			return o.openExisted(ctx, req, st2.FileID, access, openAccess, plan, st2)
		}
		return nil, err
	}

	return o.publishRaceChecked(ctx, req, fd, st, access, plan, true)
}

// openExisted arbitrates and opens against an existing (or
// race-discovered) FileId. The whole grant sequence — oplock pass 1,
// share-mode check, oplock pass 2, the actual open, and the ShareEntry
// publication — runs under one ShareModeSet lease, so there is no window
// where the fd is usable while its entry is absent, and no concurrent
// opener can publish a conflicting entry in between.
func (o *Orchestrator) openExisted(ctx context.Context, req CreateRequest, fileID FileId, access, openAccess AccessMask, plan DispositionPlan, st Stat) (*CreateResult, error) {
	var (
		deferDecision *OplockDecision
		deferPass     string
		conflictErr   error
		dupFSP        *FSP
		fsp           *FSP
	)

	mutateErr := o.Store.Mutate(ctx, fileID, func(set *ShareModeSet) error {
		if set.DeleteOnClose {
			return NewStatusError(StatusDeletePending, req.Path.String())
		}

		oreq := OplockRequest{
			Requested:      req.OplockRequested,
			AccessMask:     access,
			DeleteOnly:     access&conflictMask == DeleteAccess,
			Internal:       req.InternalOnly,
			LevelIICapable: req.LevelIICapable && !o.LevelIIDisabled,
		}

		// Oplock pass 1.
		d1 := Arbitrate(set, oreq, OplockPassFirst)
		if d1.Kind == OplockSendBreakAndDefer {
			deferDecision = &d1
			deferPass = "first"
			return nil
		}

		if !IsStatOpen(access) {
			if conflict, has := set.CheckConflict(access, req.ShareAccess); has {
				if o.Metrics != nil {
					o.Metrics.ObserveConflict()
				}
				// Oplock pass 2 before giving up on the share conflict.
				d2 := Arbitrate(set, oreq, OplockPassSecond)
				if d2.Kind == OplockSendBreakAndDefer {
					deferDecision = &d2
					deferPass = "second"
					return nil
				}
				if dup, ok := o.Registry.FindDuplicationCandidate(req.VUID, req.PID, req.Path, req.PrivateOptions); ok {
					dupFSP = dup
					return nil
				}
				conflictErr = o.shareViolationError(access, conflict.Entry, req)
				return nil
			}
		}

		// Pass 2 still runs even without a conflict, since an exclusive
		// holder must be broken unconditionally once any new opener shows
		// up.
		d2 := Arbitrate(set, oreq, OplockPassSecond)
		if d2.Kind == OplockSendBreakAndDefer {
			deferDecision = &d2
			deferPass = "second"
			return nil
		}

		if plan.RequireDelete {
			// Supersede destroys the old file object and recreates it under
			// a fresh identity; that happens after this lease, guarded by
			// publishRaceChecked on the new FileId.
			return nil
		}

		// Open and publish while the lease is still held: the mode check
		// above and the entry below are one atomic step, so no concurrent
		// opener can slip a conflicting entry in between, and the fd is
		// never usable without its ShareEntry present.
		fd, newSt, err := o.VFS.Open(ctx, req.Path, openFlags(plan.Flags, openAccess)&^OpenTruncate, modeFromAttributes(req.Attributes))
		if err != nil {
			return err
		}
		f, perr := o.publishLocked(ctx, set, req, fd, newSt, access, plan, plan.WillCreate)
		if perr != nil {
			o.VFS.Close(ctx, fd)
			return perr
		}
		fsp = f
		return nil
	})
	if mutateErr != nil {
		return nil, mutateErr
	}

	if deferDecision != nil {
		if o.Metrics != nil {
			o.Metrics.ObserveOplockBreak(deferPass)
		}
		return nil, o.parkAndDefer(ctx, req, fileID, *deferDecision)
	}
	if conflictErr != nil {
		return nil, o.maybeDeferViolation(ctx, req, fileID, conflictErr)
	}
	if dupFSP != nil {
		return o.duplicateHandle(req, fileID, dupFSP, access)
	}

	if plan.RequireDelete {
		if err := o.VFS.Unlink(ctx, PathName{Base: req.Path.Base}); err != nil {
			return nil, err
		}
		plan.Flags = (plan.Flags &^ OpenTruncate) | OpenCreate
		plan.ClearADS = false
		fd, newSt, err := o.VFS.Open(ctx, req.Path, openFlags(plan.Flags, openAccess)&^OpenTruncate, modeFromAttributes(req.Attributes))
		if err != nil {
			return nil, err
		}
		return o.publishRaceChecked(ctx, req, fd, newSt, access, plan, false)
	}

	if o.Metrics != nil {
		o.Metrics.ObserveOplockGrant(fsp.OplockType.String())
	}
	o.Registry.Add(fsp)
	return &CreateResult{FSP: fsp, Info: plan.Info}, nil
}

// maybeDeferViolation implements the sharing-violation retry window: the
// violation is parked for about a second and replayed, until the
// request's absolute deadline passes. DELETE_PENDING and ACCESS_DENIED downgrades are never
// deferred, and internal opens fail fast.
func (o *Orchestrator) maybeDeferViolation(ctx context.Context, req CreateRequest, fileID FileId, conflictErr error) error {
	if !o.DeferSharingViolations || req.InternalOnly {
		return conflictErr
	}
	if StatusOf(conflictErr) != StatusSharingViolation {
		return conflictErr
	}
	if req.isReplay {
		rec, ok := o.Deferred.Lookup(req.Mid)
		if ok && rec.TimedOut(o.Now()) {
			o.Deferred.Remove(req.Mid)
			return conflictErr
		}
	}
	if _, err := o.Deferred.Defer(req.Mid, fileID, req.requestTime, o.violationWait(), false); err != nil {
		return NewStatusError(StatusInternalError, req.Path.String())
	}
	if err := o.Store.Mutate(ctx, fileID, func(set *ShareModeSet) error {
		return set.AddDeferred(req.Mid, req.ServerProcessID, req.requestTime)
	}); err != nil {
		o.Deferred.Remove(req.Mid)
		return err
	}
	return conflictErr
}

// publishLocked completes a grant while the ShareModeSet lease is held:
// clears stale streams, takes the kernel flock, truncates when the plan
// demands it, records the oplock grant, publishes the ShareEntry, and
// applies the post-open policy that needs the fd. Any error leaves the
// set untouched (the store discards the mutation); the caller closes the
// fd.
func (o *Orchestrator) publishLocked(ctx context.Context, set *ShareModeSet, req CreateRequest, fd int, st Stat, access AccessMask, plan DispositionPlan, isNew bool) (*FSP, error) {
	if plan.ClearADS || req.ClearADSOverride {
		if err := o.clearAlternateStreams(ctx, req.Path); err != nil {
			return nil, err
		}
	}

	if err := o.VFS.KernelFlock(ctx, fd, req.AccessMask.Any(genericWriteMapped), false); err != nil {
		return nil, NewStatusError(StatusSharingViolation, req.Path.String())
	}

	if plan.Flags.Has(OpenTruncate) {
		if err := o.VFS.Ftruncate(ctx, fd, 0); err != nil {
			return nil, NewStatusError(StatusDiskFull, req.Path.String())
		}
		if refreshed, err := o.VFS.Fstat(ctx, fd); err == nil {
			st = refreshed
		}
	}

	oreq := OplockRequest{
		Requested:      req.OplockRequested,
		AccessMask:     access,
		Internal:       req.InternalOnly,
		LevelIICapable: req.LevelIICapable && !o.LevelIIDisabled,
	}
	grantedType := OplockNone
	if d := Arbitrate(set, oreq, OplockPassSecond); d.Kind == OplockGrant {
		grantedType = d.GrantedType
	}

	handleID := o.Registry.NextHandleID()
	entry := ShareEntry{
		ServerProcessID: req.ServerProcessID,
		HandleID:        handleID,
		AccessMask:      WithImpliedReadAttributes(access),
		ShareAccess:     req.ShareAccess,
		PrivateOptions:  req.PrivateOptions,
		OplockType:      grantedType,
		FileID:          st.FileID,
		OpenTime:        req.requestTime,
	}
	if set.LastWriteTime.IsZero() {
		set.LastWriteTime = st.ModTime
	}
	if err := set.Add(entry); err != nil {
		return nil, err
	}
	if req.Options.Has(FileDeleteOnClose) {
		// Permission test first; the flag is visible to every other
		// opener from this moment on, while the unlink itself waits for
		// the last close.
		if !access.Has(DeleteAccess) {
			return nil, NewStatusError(StatusAccessDenied, req.Path.String())
		}
		set.DeleteOnClose = true
	}

	if isNew && len(req.SecurityDescriptor) > 0 {
		if err := o.VFS.FSetNTACL(ctx, fd, req.SecurityDescriptor); err != nil {
			return nil, NewStatusError(StatusPrivilegeNotHeld, req.Path.String())
		}
	}

	if req.AllocationSize > 0 {
		if err := o.VFS.Ftruncate(ctx, fd, req.AllocationSize); err != nil {
			return nil, NewStatusError(StatusDiskFull, req.Path.String())
		}
	}

	fsp := &FSP{
		FileID:                st.FileID,
		ServerProcessID:       req.ServerProcessID,
		Path:                  req.Path,
		ConnectPath:           req.ConnectPath,
		FD:                    fd,
		AccessMask:            WithImpliedReadAttributes(access),
		ShareAccess:           req.ShareAccess,
		PrivateOptions:        req.PrivateOptions,
		OplockType:            grantedType,
		CanRead:               access.Any(FileReadData | genericReadMapped),
		CanWrite:              access.Any(FileWriteData | FileAppendData),
		CanLock:               !IsStatOpen(access),
		IsDirectory:           st.IsDirectory,
		PosixOpen:             req.PosixSemantics,
		InitialAllocationSize: req.AllocationSize,
		VUID:                  req.VUID,
		PID:                   req.PID,
		OpenTime:              req.requestTime,
		HandleID:              handleID,
	}
	if req.Options.Has(FileDeleteOnClose) {
		fsp.InitialDeleteOnClose = true
	}
	return fsp, nil
}

// publishRaceChecked publishes an fd that had to be opened outside any
// lease (a newly created file, whose FileId does not exist until the
// open itself, or a supersede recreation). It re-runs the mode check
// under the new FileId's lease: if a racing opener published first, the
// loser backs off with a retryable sharing violation instead of
// publishing a conflicting entry.
func (o *Orchestrator) publishRaceChecked(ctx context.Context, req CreateRequest, fd int, st Stat, access AccessMask, plan DispositionPlan, isNew bool) (*CreateResult, error) {
	var (
		fsp     *FSP
		raceErr error
	)
	err := o.Store.Mutate(ctx, st.FileID, func(set *ShareModeSet) error {
		if set.DeleteOnClose {
			raceErr = NewStatusError(StatusDeletePending, req.Path.String())
			return nil
		}
		if !IsStatOpen(access) {
			if conflict, has := set.CheckConflict(access, req.ShareAccess); has {
				if o.Metrics != nil {
					o.Metrics.ObserveConflict()
				}
				raceErr = o.shareViolationError(access, conflict.Entry, req)
				return nil
			}
		}
		f, perr := o.publishLocked(ctx, set, req, fd, st, access, plan, isNew)
		if perr != nil {
			return perr
		}
		fsp = f
		return nil
	})
	if err != nil {
		o.VFS.Close(ctx, fd)
		return nil, err
	}
	if raceErr != nil {
		o.VFS.Close(ctx, fd)
		if StatusOf(raceErr) == StatusSharingViolation {
			return nil, o.maybeDeferViolation(ctx, req, st.FileID, raceErr)
		}
		return nil, raceErr
	}

	if o.Metrics != nil {
		o.Metrics.ObserveOplockGrant(fsp.OplockType.String())
	}
	o.Registry.Add(fsp)
	return &CreateResult{FSP: fsp, Info: plan.Info}, nil
}

// parkAndDefer implements the oplock-break defer branch: it records a
// placeholder ShareEntry, parks the mid in the deferred queue,
// sends the break, and returns SHARING_VIOLATION for the transport to
// replay later. A replay whose deadline has already passed is not parked
// again; the violation is final at that point.
func (o *Orchestrator) parkAndDefer(ctx context.Context, req CreateRequest, fileID FileId, decision OplockDecision) error {
	if req.isReplay {
		rec, ok := o.Deferred.Lookup(req.Mid)
		if ok && rec.TimedOut(o.Now()) {
			o.Deferred.Remove(req.Mid)
			return NewStatusError(StatusSharingViolation, req.Path.String())
		}
	}

	if _, err := o.Deferred.Defer(req.Mid, fileID, req.requestTime, 2*o.breakTimeout(), true); err != nil {
		return NewStatusError(StatusInternalError, req.Path.String())
	}

	breakTarget := decision.BreakTarget
	newType := OplockLevelII
	if decision.BreakToBatchOnly || req.ForceBreakToNone {
		newType = OplockNone
	}

	mutateErr := o.Store.Mutate(ctx, fileID, func(set *ShareModeSet) error {
		for i := range set.Entries {
			if set.Entries[i].ServerProcessID == breakTarget.ServerProcessID && set.Entries[i].HandleID == breakTarget.HandleID {
				set.Entries[i].OpMid = req.Mid
			}
		}
		return set.AddDeferred(req.Mid, req.ServerProcessID, req.requestTime)
	})
	if mutateErr != nil {
		o.Deferred.Remove(req.Mid)
		return mutateErr
	}

	if o.Breaks != nil {
		if err := o.Breaks.SendBreak(ctx, breakTarget, newType, req.Mid); err != nil {
			return NewStatusError(StatusInternalError, req.Path.String())
		}
	}

	return NewStatusError(StatusSharingViolation, req.Path.String())
}

// shareViolationError downgrades SHARING_VIOLATION to ACCESS_DENIED when
// the access probe shows the requester couldn't touch the conflicting
// mode anyway.
func (o *Orchestrator) shareViolationError(access AccessMask, conflict ShareEntry, req CreateRequest) error {
	if o.Probe != nil && len(req.SecurityDescriptor) > 0 {
		effective := o.Probe.EffectiveAccess(req.SecurityDescriptor, req.Identity)
		if !effective.Any(access & conflictMask) {
			return NewStatusError(StatusAccessDenied, req.Path.String())
		}
	}
	return NewStatusError(StatusSharingViolation, req.Path.String())
}

// duplicateHandle implements the FCB/DENY_DOS duplication branch: a new
// FSP shares the existing candidate's fd rather than opening a
// second one. No ShareEntry is added for it; the candidate's entry
// stands for the shared fd.
func (o *Orchestrator) duplicateHandle(req CreateRequest, fileID FileId, candidate *FSP, access AccessMask) (*CreateResult, error) {
	handleID := o.Registry.NextHandleID()
	fsp := &FSP{
		FileID:          fileID,
		ServerProcessID: req.ServerProcessID,
		Path:            req.Path,
		ConnectPath:     req.ConnectPath,
		FD:              candidate.FD,
		AccessMask:      WithImpliedReadAttributes(access),
		ShareAccess:     req.ShareAccess,
		PrivateOptions:  req.PrivateOptions,
		OplockType:      candidate.OplockType,
		CanRead:         access.Any(FileReadData | genericReadMapped),
		CanWrite:        access.Any(FileWriteData | FileAppendData),
		CanLock:         false,
		VUID:            req.VUID,
		PID:             req.PID,
		OpenTime:        req.requestTime,
		HandleID:        handleID,
		BaseFSP:         candidate,
	}
	o.Registry.Add(fsp)
	return &CreateResult{FSP: fsp, Info: FileWasOpened}, nil
}

func (o *Orchestrator) clearAlternateStreams(ctx context.Context, path PathName) error {
	streams, err := o.VFS.StreamInfo(ctx, PathName{Base: path.Base})
	if err != nil {
		return err
	}
	for _, s := range streams {
		if err := o.VFS.Unlink(ctx, PathName{Base: path.Base, Stream: s.Name}); err != nil {
			return err
		}
	}
	return nil
}

// openBaseFSP implements the stream-open preflight: recursively open the
// base file with every share bit set so the stream always has a base-fsp,
// then close the fd but keep the record.
func (o *Orchestrator) openBaseFSP(ctx context.Context, req CreateRequest) (*FSP, error) {
	baseReq := req
	baseReq.Path = PathName{Base: req.Path.Base}
	baseReq.ShareAccess = FileShareRead | FileShareWrite | FileShareDelete
	baseReq.AccessMask = FileReadAttributes
	baseReq.Options = 0
	baseReq.Disposition = FileOpenIf
	baseReq.OplockRequested = OplockNone
	baseReq.InternalOnly = true
	baseReq.RootDirHandleID = 0

	result, err := o.createFile(ctx, baseReq)
	if err != nil {
		return nil, err
	}
	if result.FSP.FD >= 0 {
		o.VFS.Close(ctx, result.FSP.FD)
		result.FSP.FD = -1
	}
	return result.FSP, nil
}

// openFlags combines the disposition plan's create/truncate flags with
// the read/write mode the resolved access mask demands. A truncating open
// of a read-only request still opens read-write so the truncate can
// happen — the historical RDONLY+TRUNC rewrite.
func openFlags(flags OpenFlags, openAccess AccessMask) OpenFlags {
	if openAccess.Any(FileWriteData | FileAppendData) {
		return flags | OpenReadWrite
	}
	if flags.Has(OpenTruncate) {
		return flags | OpenReadWrite
	}
	return flags | OpenReadOnly
}

func dispositionLabel(d CreateDisposition) string {
	switch d {
	case FileSupersede:
		return "supersede"
	case FileOpen:
		return "open"
	case FileCreate:
		return "create"
	case FileOpenIf:
		return "open_if"
	case FileOverwrite:
		return "overwrite"
	case FileOverwriteIf:
		return "overwrite_if"
	default:
		return "unknown"
	}
}

func modeFromAttributes(attrs FileAttributes) uint32 {
	if attrs&FileAttributeReadonly != 0 {
		return 0o444
	}
	return 0o644
}
