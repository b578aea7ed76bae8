package openfile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	orch   *Orchestrator
	vfs    *fakeVFS
	store  *fakeStore
	breaks *fakeBreaks
	clock  *fakeClock
}

func newHarness() *harness {
	vfs := newFakeVFS()
	store := newFakeStore()
	breaks := &fakeBreaks{}
	clock := newFakeClock()
	vfs.clock = clock.Now

	orch := NewOrchestrator(vfs, store, breaks, nil)
	orch.Now = clock.Now
	return &harness{orch: orch, vfs: vfs, store: store, breaks: breaks, clock: clock}
}

// openRequest is a baseline read-open that shares everything.
func openRequest(mid uint64, path string) CreateRequest {
	return CreateRequest{
		Mid:             mid,
		VUID:            1,
		PID:             100,
		ServerProcessID: 1,
		Path:            ParsePathName(path),
		AccessMask:      FileReadData,
		ShareAccess:     FileShareRead | FileShareWrite | FileShareDelete,
		Disposition:     FileOpenIf,
		LevelIICapable:  true,
	}
}

func TestCreateThenCloseLeavesNoShareState(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	req := openRequest(1, "report.txt")
	req.Disposition = FileCreate
	res, err := h.orch.CreateFile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, FileWasCreated, res.Info)

	set, err := h.store.Peek(ctx, res.FSP.FileID)
	require.NoError(t, err)
	assert.Len(t, set.Entries, 1)

	require.NoError(t, h.orch.CloseFile(ctx, res.FSP))
	_, err = h.store.Peek(ctx, res.FSP.FileID)
	assert.Equal(t, ErrShareSetNotFound, err)
	assert.Empty(t, h.orch.Registry.ByFile(res.FSP.FileID))
}

func TestOpenIfCreatesThenOpensSameFile(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	first, err := h.orch.CreateFile(ctx, openRequest(1, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, FileWasCreated, first.Info)

	second, err := h.orch.CreateFile(ctx, openRequest(2, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, FileWasOpened, second.Info)
	assert.Equal(t, first.FSP.FileID, second.FSP.FileID)
}

func TestSupersedeEmptiesAllStreams(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	h.vfs.addFile("doc.txt", []byte("old contents"), 0)
	h.vfs.addStream("doc.txt", "meta", []byte("sidecar"))
	h.vfs.addStream("doc.txt", "thumb", []byte("bytes"))

	req := openRequest(1, "doc.txt")
	req.Disposition = FileSupersede
	req.AccessMask = GenericAll
	res, err := h.orch.CreateFile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, FileWasSuperseded, res.Info)

	f := h.vfs.file("doc.txt")
	require.NotNil(t, f)
	assert.Empty(t, f.data)
	assert.Empty(t, f.streams)
}

func TestSupersedeWithoutDeleteAccessDenied(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	h.vfs.addFile("doc.txt", []byte("x"), 0)
	req := openRequest(1, "doc.txt")
	req.Disposition = FileSupersede
	req.AccessMask = FileWriteData
	_, err := h.orch.CreateFile(ctx, req)
	assert.Equal(t, StatusAccessDenied, StatusOf(err))
}

func TestWriteWriteConflictDefersThenFails(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	a := openRequest(1, "shared.db")
	a.AccessMask = FileWriteData
	a.ShareAccess = FileShareRead
	_, err := h.orch.CreateFile(ctx, a)
	require.NoError(t, err)

	b := openRequest(2, "shared.db")
	b.AccessMask = FileWriteData
	b.ShareAccess = FileShareRead | FileShareWrite
	b.Disposition = FileOpen

	_, err = h.orch.CreateFile(ctx, b)
	assert.Equal(t, StatusSharingViolation, StatusOf(err))

	rec, ok := h.orch.Deferred.Lookup(2)
	require.True(t, ok, "conflicting open should be parked")
	firstDeadlineStart := rec.RequestTime

	// A replay inside the wait window conflicts again and stays parked
	// with its original deadline.
	h.clock.Advance(500 * time.Millisecond)
	_, err = h.orch.CreateFile(ctx, b)
	assert.Equal(t, StatusSharingViolation, StatusOf(err))
	rec, ok = h.orch.Deferred.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, firstDeadlineStart, rec.RequestTime)

	// Past the deadline the violation is final and the parked record is
	// retired.
	h.clock.Advance(time.Second)
	_, err = h.orch.CreateFile(ctx, b)
	assert.Equal(t, StatusSharingViolation, StatusOf(err))
	_, ok = h.orch.Deferred.Lookup(2)
	assert.False(t, ok)
}

func TestBatchOplockBreakAndReplay(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	a := openRequest(1, "cache.bin")
	a.OplockRequested = OplockBatch
	resA, err := h.orch.CreateFile(ctx, a)
	require.NoError(t, err)
	require.Equal(t, OplockBatch, resA.FSP.OplockType)

	b := openRequest(2, "cache.bin")
	b.Disposition = FileOpen
	b.OplockRequested = OplockExclusive
	_, err = h.orch.CreateFile(ctx, b)
	assert.Equal(t, StatusSharingViolation, StatusOf(err))

	require.Equal(t, 1, h.breaks.count(), "a break should have been sent to the batch holder")
	sent := h.breaks.last()
	assert.Equal(t, resA.FSP.HandleID, sent.target.HandleID)
	assert.Equal(t, OplockLevelII, sent.newType)
	assert.Equal(t, uint64(2), sent.mid)

	// The holder downgrades; the ack routes back the parked mid.
	replayMid, err := h.orch.HandleBreakAck(ctx, BreakAck{
		FileID:          resA.FSP.FileID,
		ServerProcessID: resA.FSP.ServerProcessID,
		HandleID:        resA.FSP.HandleID,
		NewType:         OplockLevelII,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), replayMid)

	resB, err := h.orch.CreateFile(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, OplockLevelII, resB.FSP.OplockType)

	set, err := h.store.Peek(ctx, resA.FSP.FileID)
	require.NoError(t, err)
	for _, e := range set.Entries {
		if e.HandleID == resA.FSP.HandleID {
			assert.Equal(t, OplockLevelII, e.OplockType)
		}
	}
}

func TestDeletePendingFailsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	a := openRequest(1, "victim.txt")
	a.AccessMask = GenericAll
	a.Options = FileDeleteOnClose
	resA, err := h.orch.CreateFile(ctx, a)
	require.NoError(t, err)

	_, err = h.orch.CreateFile(ctx, openRequest(2, "victim.txt"))
	assert.Equal(t, StatusDeletePending, StatusOf(err))

	// No retry window, no break traffic.
	_, parked := h.orch.Deferred.Lookup(2)
	assert.False(t, parked)
	assert.Zero(t, h.breaks.count())

	require.NoError(t, h.orch.CloseFile(ctx, resA.FSP))
	assert.Nil(t, h.vfs.file("victim.txt"), "file should be unlinked on last close")
}

func TestCreateRaceLoserGetsCollision(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	// Another process created the file between our stat and our open.
	h.vfs.addFile("new.txt", nil, 0)
	h.vfs.statMisses = 1

	req := openRequest(1, "new.txt")
	req.Disposition = FileCreate
	_, err := h.orch.CreateFile(ctx, req)
	assert.Equal(t, StatusObjectNameCollision, StatusOf(err))
}

func TestCreateRacePublishDetectsConflictingWinner(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	// Another process created the file and published a write/deny-all
	// entry between our stat and our open; the open itself succeeds (no
	// exclusive-create bit for OPEN_IF), so the conflict must be caught
	// at publish time, under the lease.
	id := h.vfs.addFile("racy.txt", nil, 0)
	require.NoError(t, h.store.Mutate(ctx, id, func(set *ShareModeSet) error {
		return set.Add(ShareEntry{
			ServerProcessID: 99,
			HandleID:        1,
			AccessMask:      FileWriteData,
			ShareAccess:     0,
			OplockType:      OplockNone,
			FileID:          id,
		})
	}))
	h.vfs.statMisses = 1

	req := openRequest(1, "racy.txt")
	req.AccessMask = FileWriteData
	_, err := h.orch.CreateFile(ctx, req)
	assert.Equal(t, StatusSharingViolation, StatusOf(err))

	// The loser parked for a retry and did not publish a second entry.
	_, parked := h.orch.Deferred.Lookup(1)
	assert.True(t, parked)
	set, err := h.store.Peek(ctx, id)
	require.NoError(t, err)
	live := 0
	for _, e := range set.Entries {
		if !e.IsDeferred() {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestDenyDOSDuplicationSharesDescriptor(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	a := openRequest(1, "tool.exe")
	a.Disposition = FileOpenIf
	a.AccessMask = FileWriteData
	a.ShareAccess = 0 // relaxed to read+write by the executable-suffix rule
	a.PrivateOptions = PrivateOptionDenyDOS
	resA, err := h.orch.CreateFile(ctx, a)
	require.NoError(t, err)

	b := openRequest(2, "tool.exe")
	b.Disposition = FileOpen
	b.AccessMask = FileWriteData | DeleteAccess
	b.PrivateOptions = PrivateOptionDenyDOS
	resB, err := h.orch.CreateFile(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, resA.FSP.FD, resB.FSP.FD, "duplicated handle shares the fd")
	assert.Same(t, resA.FSP, resB.FSP.BaseFSP)
	assert.Equal(t, FileWasOpened, resB.Info)
}

func TestWildcardInNewNameRejected(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	req := openRequest(1, "bad*name.txt")
	req.Disposition = FileCreate
	_, err := h.orch.CreateFile(ctx, req)
	assert.Equal(t, StatusObjectNameInvalid, StatusOf(err))

	// POSIX semantics turns the glyph check off.
	req.PosixSemantics = true
	_, err = h.orch.CreateFile(ctx, req)
	assert.NoError(t, err)
}

func TestStatOpenBypassesShareChecks(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	a := openRequest(1, "locked.dat")
	a.AccessMask = FileWriteData
	a.ShareAccess = 0
	_, err := h.orch.CreateFile(ctx, a)
	require.NoError(t, err)

	b := openRequest(2, "locked.dat")
	b.Disposition = FileOpen
	b.AccessMask = FileReadAttributes | Synchronize
	resB, err := h.orch.CreateFile(ctx, b)
	require.NoError(t, err)
	assert.False(t, resB.FSP.CanLock)
	assert.Zero(t, h.breaks.count())
}

func TestDeleteOnCloseNeedsDeleteAccess(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	req := openRequest(1, "readonly.txt")
	req.Options = FileDeleteOnClose
	req.AccessMask = FileReadData
	_, err := h.orch.CreateFile(ctx, req)
	assert.Equal(t, StatusAccessDenied, StatusOf(err))

	// The failed open must not leave a published entry behind.
	st, statErr := h.vfs.Stat(ctx, PathName{Base: "readonly.txt"})
	if statErr == nil {
		_, peekErr := h.store.Peek(ctx, st.FileID)
		assert.Equal(t, ErrShareSetNotFound, peekErr)
	}
}

func TestOverwriteAttributeMismatchDenied(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	h.vfs.addFile("sys.dat", []byte("x"), FileAttributeSystem|FileAttributeHidden)

	req := openRequest(1, "sys.dat")
	req.Disposition = FileOverwrite
	req.AccessMask = FileWriteData
	req.Attributes = FileAttributeNormal
	_, err := h.orch.CreateFile(ctx, req)
	assert.Equal(t, StatusAccessDenied, StatusOf(err))

	req.Attributes = FileAttributeSystem | FileAttributeHidden
	_, err = h.orch.CreateFile(ctx, req)
	assert.NoError(t, err)
}

func TestOpenMissingFileNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness()

	req := openRequest(1, "absent.txt")
	req.Disposition = FileOpen
	_, err := h.orch.CreateFile(context.Background(), req)
	assert.Equal(t, StatusObjectNameNotFound, StatusOf(err))
}

func TestKernelFlockFailureRollsBack(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	h.vfs.addFile("contended.bin", nil, 0)
	h.vfs.flockErr = NewStatusError(StatusSharingViolation, "contended.bin")

	req := openRequest(1, "contended.bin")
	req.Disposition = FileOpen
	_, err := h.orch.CreateFile(ctx, req)
	assert.Equal(t, StatusSharingViolation, StatusOf(err))

	st, statErr := h.vfs.Stat(ctx, PathName{Base: "contended.bin"})
	require.NoError(t, statErr)
	_, peekErr := h.store.Peek(ctx, st.FileID)
	assert.Equal(t, ErrShareSetNotFound, peekErr)
}

func TestRelativeOpenThroughRootHandle(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	h.vfs.addDir("projects")

	dir := openRequest(1, "projects")
	dir.Options = FileDirectoryFile
	dir.Disposition = FileOpen
	resDir, err := h.orch.CreateFile(ctx, dir)
	require.NoError(t, err)

	rel := openRequest(2, "readme.md")
	rel.RootDirHandleID = resDir.FSP.HandleID
	res, err := h.orch.CreateFile(ctx, rel)
	require.NoError(t, err)
	assert.Equal(t, "projects/readme.md", res.FSP.Path.Base)
}

func TestRenameNotificationUpdatesHandles(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	req := openRequest(1, "before.txt")
	req.ConnectPath = "/srv/share"
	res, err := h.orch.CreateFile(ctx, req)
	require.NoError(t, err)

	n := h.orch.HandleRenameNotification(RenameNotification{
		FileID:    res.FSP.FileID,
		SharePath: "/srv/share",
		NewPath:   PathName{Base: "after.txt"},
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, "after.txt", res.FSP.Path.Base)

	// Handles on other shares are untouched.
	n = h.orch.HandleRenameNotification(RenameNotification{
		FileID:    res.FSP.FileID,
		SharePath: "/srv/other",
		NewPath:   PathName{Base: "elsewhere.txt"},
	})
	assert.Zero(t, n)
}

func TestStreamOpenCarriesBaseHandle(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	h.vfs.addFile("media.mp4", []byte("payload"), 0)
	h.vfs.addStream("media.mp4", "subtitle", []byte("srt"))

	req := openRequest(1, "media.mp4:subtitle")
	res, err := h.orch.CreateFile(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res.FSP.BaseFSP)
	assert.Equal(t, -1, res.FSP.BaseFSP.FD, "base handle is stat-only after the preflight open")
	assert.Equal(t, "media.mp4", res.FSP.BaseFSP.Path.Base)
}

func TestACLDeniedOpenFailsBeforeShareChecks(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	h.orch.Probe = &fakeProbe{effective: FileReadData}
	h.orch.DeferSharingViolations = false

	h.vfs.addFile("private.txt", nil, 0)

	req := openRequest(1, "private.txt")
	req.Disposition = FileOpen
	req.AccessMask = FileWriteData
	req.SecurityDescriptor = SecurityDescriptor("sd-bytes")
	_, err := h.orch.CreateFile(ctx, req)
	assert.Equal(t, StatusAccessDenied, StatusOf(err))
	assert.Zero(t, h.breaks.count())
}
