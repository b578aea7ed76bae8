package openfile

import (
	"context"
	"sync"
	"time"
)

// fakeFile is one file in the fake filesystem backing fakeVFS.
type fakeFile struct {
	id      FileId
	data    []byte
	attrs   FileAttributes
	isDir   bool
	sd      SecurityDescriptor
	streams map[string][]byte
	modTime time.Time
}

// fakeVFS is an in-memory VFS for exercising the orchestrator without a
// disk. Injection points: statMisses makes the next N Stat calls report
// the path missing (for create-race tests), flockErr fails KernelFlock,
// and openErr fails Open for a specific path.
type fakeVFS struct {
	mu        sync.Mutex
	files     map[string]*fakeFile
	fds       map[int]string
	nextFD    int
	nextInode uint64
	clock     func() time.Time

	statMisses int
	flockErr   error
	openErr    map[string]error
}

func newFakeVFS() *fakeVFS {
	return &fakeVFS{
		files:     make(map[string]*fakeFile),
		fds:       make(map[int]string),
		nextFD:    100,
		nextInode: 1,
		clock:     time.Now,
		openErr:   make(map[string]error),
	}
}

func (v *fakeVFS) statOf(f *fakeFile) Stat {
	return Stat{
		FileID:      f.id,
		Size:        uint64(len(f.data)),
		IsDirectory: f.isDir,
		Attributes:  f.attrs,
		ModTime:     f.modTime,
		Nlink:       1,
	}
}

// addFile seeds a file outside the orchestrator, returning its FileId.
func (v *fakeVFS) addFile(base string, data []byte, attrs FileAttributes) FileId {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.addFileLocked(base, data, attrs, false)
}

func (v *fakeVFS) addFileLocked(base string, data []byte, attrs FileAttributes, isDir bool) FileId {
	f := &fakeFile{
		id:      FileId{Device: 7, Inode: v.nextInode},
		data:    data,
		attrs:   attrs,
		isDir:   isDir,
		streams: make(map[string][]byte),
		modTime: v.clock(),
	}
	v.nextInode++
	v.files[base] = f
	return f.id
}

// addDir seeds a directory outside the orchestrator.
func (v *fakeVFS) addDir(base string) FileId {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.addFileLocked(base, nil, FileAttributeDirectory, true)
}

// addStream seeds an alternate data stream on an existing file.
func (v *fakeVFS) addStream(base, stream string, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[base].streams[stream] = data
}

func (v *fakeVFS) file(base string) *fakeFile {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.files[base]
}

func (v *fakeVFS) Stat(ctx context.Context, path PathName) (Stat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.statMisses > 0 {
		v.statMisses--
		return Stat{}, NewStatusError(StatusObjectNameNotFound, path.String())
	}
	f, ok := v.files[path.Base]
	if !ok {
		return Stat{}, NewStatusError(StatusObjectNameNotFound, path.String())
	}
	return v.statOf(f), nil
}

// Lstat is Stat; the fake filesystem has no symlinks.
func (v *fakeVFS) Lstat(ctx context.Context, path PathName) (Stat, error) {
	return v.Stat(ctx, path)
}

func (v *fakeVFS) Open(ctx context.Context, path PathName, flags OpenFlags, mode uint32) (int, Stat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err, ok := v.openErr[path.Base]; ok {
		return -1, Stat{}, err
	}

	f, exists := v.files[path.Base]
	if exists && flags.Has(OpenCreate|OpenExclusive) {
		return -1, Stat{}, NewStatusError(StatusObjectNameCollision, path.String())
	}
	if !exists {
		if !flags.Has(OpenCreate) {
			return -1, Stat{}, NewStatusError(StatusObjectNameNotFound, path.String())
		}
		v.addFileLocked(path.Base, nil, 0, flags.Has(OpenDirectory))
		f = v.files[path.Base]
	}
	if path.IsStream() {
		if _, ok := f.streams[path.Stream]; !ok {
			if !flags.Has(OpenCreate) {
				return -1, Stat{}, NewStatusError(StatusObjectNameNotFound, path.String())
			}
			f.streams[path.Stream] = nil
		}
	}

	fd := v.nextFD
	v.nextFD++
	v.fds[fd] = path.Base
	return fd, v.statOf(f), nil
}

func (v *fakeVFS) Close(ctx context.Context, fd int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.fds, fd)
	return nil
}

func (v *fakeVFS) Fstat(ctx context.Context, fd int) (Stat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	base, ok := v.fds[fd]
	if !ok {
		return Stat{}, NewStatusError(StatusInternalError, "")
	}
	return v.statOf(v.files[base]), nil
}

func (v *fakeVFS) Ftruncate(ctx context.Context, fd int, size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	base, ok := v.fds[fd]
	if !ok {
		return NewStatusError(StatusInternalError, "")
	}
	f := v.files[base]
	if size <= uint64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		f.data = append(f.data, make([]byte, size-uint64(len(f.data)))...)
	}
	f.modTime = v.clock()
	return nil
}

func (v *fakeVFS) Mkdir(ctx context.Context, path PathName, mode uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.files[path.Base]; ok {
		return NewStatusError(StatusObjectNameCollision, path.String())
	}
	v.addFileLocked(path.Base, nil, FileAttributeDirectory, true)
	return nil
}

func (v *fakeVFS) Unlink(ctx context.Context, path PathName) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.files[path.Base]
	if !ok {
		return NewStatusError(StatusObjectNameNotFound, path.String())
	}
	if path.IsStream() {
		delete(f.streams, path.Stream)
		return nil
	}
	delete(v.files, path.Base)
	return nil
}

func (v *fakeVFS) Chmod(ctx context.Context, path PathName, mode uint32) error { return nil }
func (v *fakeVFS) Fchmod(ctx context.Context, fd int, mode uint32) error       { return nil }

func (v *fakeVFS) Chown(ctx context.Context, path PathName, uid, gid uint32) error {
	return nil
}
func (v *fakeVFS) Fchown(ctx context.Context, fd int, uid, gid uint32) error { return nil }

func (v *fakeVFS) GetNTACL(ctx context.Context, path PathName) (SecurityDescriptor, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.files[path.Base]
	if !ok {
		return nil, NewStatusError(StatusObjectNameNotFound, path.String())
	}
	return f.sd, nil
}

func (v *fakeVFS) FSetNTACL(ctx context.Context, fd int, sd SecurityDescriptor) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	base, ok := v.fds[fd]
	if !ok {
		return NewStatusError(StatusInternalError, "")
	}
	v.files[base].sd = sd
	return nil
}

func (v *fakeVFS) StreamInfo(ctx context.Context, path PathName) ([]StreamInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.files[path.Base]
	if !ok {
		return nil, NewStatusError(StatusObjectNameNotFound, path.String())
	}
	var out []StreamInfo
	for name, data := range f.streams {
		out = append(out, StreamInfo{Name: name, Size: uint64(len(data))})
	}
	return out, nil
}

func (v *fakeVFS) KernelFlock(ctx context.Context, fd int, exclusive, block bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flockErr
}

func (v *fakeVFS) KernelFlockRelease(ctx context.Context, fd int) error { return nil }

var _ VFS = (*fakeVFS)(nil)

// fakeProbe grants a fixed effective mask for every descriptor except
// entries overridden per-descriptor via bySD (keyed by string(sd)).
type fakeProbe struct {
	effective AccessMask
	bySD      map[string]AccessMask
}

func (p *fakeProbe) EffectiveAccess(sd SecurityDescriptor, identity Identity) AccessMask {
	if p.bySD != nil {
		if m, ok := p.bySD[string(sd)]; ok {
			return m
		}
	}
	return p.effective
}

// sentBreak records one SendBreak call on fakeBreaks.
type sentBreak struct {
	target  ShareEntry
	newType OplockType
	mid     uint64
}

type fakeBreaks struct {
	mu   sync.Mutex
	sent []sentBreak
	fail error
}

func (b *fakeBreaks) SendBreak(ctx context.Context, target ShareEntry, newType OplockType, mid uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.sent = append(b.sent, sentBreak{target: target, newType: newType, mid: mid})
	return nil
}

func (b *fakeBreaks) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBreaks) last() sentBreak {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[len(b.sent)-1]
}

// fakeStore is a process-local ShareStore mirroring sharestore/memory,
// redeclared here because the real one imports this package.
type fakeStore struct {
	mu   sync.Mutex
	sets map[FileId]*ShareModeSet
}

func newFakeStore() *fakeStore {
	return &fakeStore{sets: make(map[FileId]*ShareModeSet)}
}

func (s *fakeStore) Mutate(ctx context.Context, id FileId, fn func(set *ShareModeSet) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := NewShareModeSet(id)
	if existing, ok := s.sets[id]; ok {
		clone := *existing
		clone.Entries = append([]ShareEntry(nil), existing.Entries...)
		set = &clone
	}
	if err := fn(set); err != nil {
		return err
	}
	if set.IsEmpty() {
		delete(s.sets, id)
	} else {
		s.sets[id] = set
	}
	return nil
}

func (s *fakeStore) Peek(ctx context.Context, id FileId) (*ShareModeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[id]
	if !ok {
		return nil, ErrShareSetNotFound
	}
	clone := *set
	clone.Entries = append([]ShareEntry(nil), set.Entries...)
	return &clone, nil
}

func (s *fakeStore) Close() error { return nil }

var _ ShareStore = (*fakeStore)(nil)

// fakeClock is a manually advanced clock for deferral-deadline tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
