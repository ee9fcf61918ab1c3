package datastore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/blob"
	"github.com/PlakarLabs/backupstore/chunking"
	"github.com/PlakarLabs/backupstore/chunkstore"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/events"
	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/PlakarLabs/backupstore/index"
	"github.com/PlakarLabs/backupstore/locking"
	"github.com/PlakarLabs/backupstore/manifest"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Session builds one snapshot. Its files are written to a hidden
// directory inside the group and only become visible when Finish renames
// that directory into place. The group stays locked for the lifetime of
// the session.
type Session struct {
	ds       *Datastore
	id       uuid.UUID
	dir      backup.Dir
	tmpPath  string
	lock     *locking.FileLock
	record   *locking.FileLock
	started  time.Time
	manifest *manifest.Manifest

	mu      sync.Mutex
	digests map[hashing.Digest]struct{}
	open    map[string]func() error
	closed  bool

	inserted   int
	duplicates int
	written    uint64
}

// BeginBackup opens a session for a new snapshot of group at backupTime.
// It fails with ErrConflict when the group is busy or when a snapshot at
// or after backupTime already exists.
func (ds *Datastore) BeginBackup(ctx context.Context, group backup.Group, backupTime time.Time) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := backup.NewGroup(group.Type, group.ID); err != nil {
		return nil, err
	}

	lock, err := ds.lockGroup(group, "backup")
	if err != nil {
		return nil, err
	}

	dir := backup.NewDir(group, backupTime)
	snapshots, err := backup.ListSnapshots(ds.root, group)
	if err != nil {
		lock.Unlock()
		return nil, errs.IO("list snapshots", err)
	}
	if len(snapshots) != 0 && !snapshots[0].Dir.Time.Before(dir.Time) {
		lock.Unlock()
		return nil, fmt.Errorf("%w: snapshot %s is not newer than %s", ErrConflict, dir, snapshots[0].Dir)
	}

	id := uuid.New()
	if err := os.MkdirAll(ds.groupPath(group), 0700); err != nil {
		lock.Unlock()
		return nil, errs.IO("create group", err)
	}
	tmpPath := filepath.Join(ds.groupPath(group), "."+dir.TimeString()+".tmp-"+id.String())
	if err := os.Mkdir(tmpPath, 0700); err != nil {
		lock.Unlock()
		return nil, errs.IO("create snapshot directory", err)
	}

	record, err := locking.Publish(ds.writersPath(), id.String()+".lck", ds.owner("backup "+dir.String()))
	if err != nil {
		os.RemoveAll(tmpPath)
		lock.Unlock()
		return nil, errs.IO("publish session", err)
	}

	m := manifest.New(string(group.Type), group.ID, dir.Time)
	m.Hostname = ds.ctx.GetHostname()
	m.Username = ds.ctx.GetUsername()
	m.MachineID = ds.ctx.GetMachineID()
	m.ProcessID = ds.ctx.GetProcessID()
	m.Fingerprint = ds.fingerprint

	s := &Session{
		ds:       ds,
		id:       id,
		dir:      dir,
		tmpPath:  tmpPath,
		lock:     lock,
		record:   record,
		started:  time.Now(),
		manifest: m,
		digests:  make(map[hashing.Digest]struct{}),
		open:     make(map[string]func() error),
	}
	ds.writers.Register(id, s.started)
	ds.ctx.Events().Send(events.StartEvent("backup " + dir.String()))
	ds.logger.Trace("session", "%s: begin %s", id, dir)
	return s, nil
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Dir() backup.Dir {
	return s.dir
}

func (s *Session) Started() time.Time {
	return s.started
}

func (s *Session) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// hold puts digest in flight for the rest of the session.
func (s *Session) hold(digest hashing.Digest) {
	if _, exists := s.digests[digest]; exists {
		return
	}
	s.ds.inflight.Acquire(digest)
	s.digests[digest] = struct{}{}
}

func (s *Session) release(digest hashing.Digest) {
	if _, exists := s.digests[digest]; !exists {
		return
	}
	delete(s.digests, digest)
	s.ds.inflight.Release(digest)
}

func (s *Session) known(digest hashing.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.digests[digest]
	return exists
}

// InsertChunk stores a chunk on behalf of the session. The digest stays
// protected from garbage collection until the session ends.
func (s *Session) InsertChunk(digest hashing.Digest, data []byte) (chunkstore.Outcome, error) {
	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return chunkstore.Inserted, err
	}
	_, held := s.digests[digest]
	s.hold(digest)
	s.mu.Unlock()

	outcome, err := s.ds.store.Insert(digest, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if !held {
			s.release(digest)
		}
		return outcome, err
	}
	if outcome == chunkstore.Inserted {
		s.inserted++
		s.written += uint64(len(data))
	} else {
		s.duplicates++
	}
	return outcome, nil
}

// InsertChunkData computes the digest of data and inserts it.
func (s *Session) InsertChunkData(data []byte) (hashing.Digest, chunkstore.Outcome, error) {
	digest := s.ds.store.Hasher().Sum(data)
	outcome, err := s.InsertChunk(digest, data)
	return digest, outcome, err
}

// RegisterKnownChunk declares that the snapshot references a chunk
// already in the store, typically one from the previous snapshot. The
// chunk access marker is refreshed; ErrNotFound means it must be
// uploaded again.
func (s *Session) RegisterKnownChunk(digest hashing.Digest) error {
	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return err
	}
	_, held := s.digests[digest]
	s.hold(digest)
	s.mu.Unlock()

	err := s.ds.store.Touch(digest)
	if err != nil && !held {
		s.mu.Lock()
		s.release(digest)
		s.mu.Unlock()
	}
	return err
}

func (s *Session) archivePath(name string, archiveType manifest.ArchiveType) (string, error) {
	t, err := manifest.ArchiveTypeOf(name)
	if err != nil {
		return "", err
	}
	if t != archiveType || filepath.Base(name) != name || name[0] == '.' {
		return "", fmt.Errorf("invalid %s archive name %q", archiveType, name)
	}
	if _, exists := s.manifest.Lookup(name); exists {
		return "", fmt.Errorf("%w: archive %q already written", ErrConflict, name)
	}
	if _, exists := s.open[name]; exists {
		return "", fmt.Errorf("%w: archive %q is being written", ErrConflict, name)
	}
	return filepath.Join(s.tmpPath, name), nil
}

func (s *Session) register(name string, archiveType manifest.ArchiveType, res index.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, name)
	return s.manifest.Add(manifest.File{
		Filename: name,
		Type:     archiveType,
		Size:     res.Size,
		Checksum: res.Checksum,
	})
}

func (s *Session) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, name)
}

// FixedIndex is a fixed index being written within a session. Chunks
// must have been inserted or registered in the session first.
type FixedIndex struct {
	s    *Session
	name string
	w    *index.FixedWriter
}

func (s *Session) CreateFixedIndex(name string, chunkSize uint64) (*FixedIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	path, err := s.archivePath(name, manifest.FixedIndex)
	if err != nil {
		return nil, err
	}
	w, err := index.NewFixedWriter(path, chunkSize)
	if err != nil {
		return nil, err
	}
	s.open[name] = w.Abort
	return &FixedIndex{s: s, name: name, w: w}, nil
}

func (f *FixedIndex) Name() string {
	return f.name
}

func (f *FixedIndex) Add(offset uint64, size uint64, digest hashing.Digest) error {
	if !f.s.known(digest) {
		return fmt.Errorf("%w: chunk %s was not registered in this session", ErrNotFound, digest)
	}
	return f.w.Add(offset, size, digest)
}

func (f *FixedIndex) Append(digest hashing.Digest, size uint64) error {
	return f.Add(f.w.Size(), size, digest)
}

func (f *FixedIndex) Close() (index.Result, error) {
	res, err := f.w.Close()
	if err != nil {
		f.s.forget(f.name)
		return res, err
	}
	return res, f.s.register(f.name, manifest.FixedIndex, res)
}

// DynamicIndex is a dynamic index being written within a session.
type DynamicIndex struct {
	s    *Session
	name string
	w    *index.DynamicWriter
}

func (s *Session) CreateDynamicIndex(name string) (*DynamicIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	path, err := s.archivePath(name, manifest.DynamicIndex)
	if err != nil {
		return nil, err
	}
	w, err := index.NewDynamicWriter(path)
	if err != nil {
		return nil, err
	}
	s.open[name] = w.Abort
	return &DynamicIndex{s: s, name: name, w: w}, nil
}

func (d *DynamicIndex) Name() string {
	return d.name
}

func (d *DynamicIndex) Add(end uint64, digest hashing.Digest) error {
	if !d.s.known(digest) {
		return fmt.Errorf("%w: chunk %s was not registered in this session", ErrNotFound, digest)
	}
	return d.w.Add(end, digest)
}

func (d *DynamicIndex) Append(digest hashing.Digest, size uint64) error {
	return d.Add(d.w.Size()+size, digest)
}

func (d *DynamicIndex) Close() (index.Result, error) {
	res, err := d.w.Close()
	if err != nil {
		d.s.forget(d.name)
		return res, err
	}
	return res, d.s.register(d.name, manifest.DynamicIndex, res)
}

// WriteFile chunks rd, stores the chunks and writes the index named
// name. A .fidx name produces a fixed index with chunks of
// fixedChunkSize bytes (chunking.DefaultFixedSize when zero), a .didx
// name a dynamic index with content defined chunks.
func (s *Session) WriteFile(ctx context.Context, name string, rd io.Reader, fixedChunkSize uint64) (manifest.File, error) {
	kind, ok := index.KindOf(name)
	if !ok {
		return manifest.File{}, fmt.Errorf("invalid index name %q", name)
	}

	var appendChunk func(hashing.Digest, uint64) error
	var closeIndex func() (index.Result, error)
	var split func(chunking.ChunkFunc) error

	switch kind {
	case index.Fixed:
		if fixedChunkSize == 0 {
			fixedChunkSize = chunking.DefaultFixedSize
		}
		idx, err := s.CreateFixedIndex(name, fixedChunkSize)
		if err != nil {
			return manifest.File{}, err
		}
		appendChunk, closeIndex = idx.Append, idx.Close
		split = func(fn chunking.ChunkFunc) error { return chunking.SplitFixed(rd, fixedChunkSize, fn) }
	default:
		idx, err := s.CreateDynamicIndex(name)
		if err != nil {
			return manifest.File{}, err
		}
		appendChunk, closeIndex = idx.Append, idx.Close
		split = func(fn chunking.ChunkFunc) error { return chunking.Split(rd, nil, fn) }
	}

	err := split(func(offset uint64, data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		digest, _, err := s.InsertChunkData(data)
		if err != nil {
			return err
		}
		return appendChunk(digest, uint64(len(data)))
	})
	if err != nil {
		s.abortArchive(name)
		return manifest.File{}, err
	}
	if _, err := closeIndex(); err != nil {
		return manifest.File{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	file, _ := s.manifest.Lookup(name)
	return file, nil
}

func (s *Session) abortArchive(name string) {
	s.mu.Lock()
	abort, exists := s.open[name]
	delete(s.open, name)
	s.mu.Unlock()
	if exists {
		_ = abort()
	}
}

// AddBlob stores a small opaque file, such as a configuration or a log,
// inside the snapshot. It is encoded like a chunk.
func (s *Session) AddBlob(name string, data []byte) (manifest.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return manifest.File{}, err
	}
	path, err := s.archivePath(name, manifest.Blob)
	if err != nil {
		return manifest.File{}, err
	}

	raw, err := blob.Encode(data, blob.Options{Compression: s.ds.config.Compression, Key: s.ds.key})
	if err != nil {
		return manifest.File{}, err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return manifest.File{}, errs.IO("write blob", err)
	}

	file := manifest.File{
		Filename: name,
		Type:     manifest.Blob,
		Size:     uint64(len(data)),
		Checksum: sha256.Sum256(raw),
	}
	if err := s.manifest.Add(file); err != nil {
		return manifest.File{}, err
	}
	return file, nil
}

// Finish seals the snapshot: the manifest is written, every file and
// the directory are synced and the directory is renamed into its final
// place.
func (s *Session) Finish(comment string) (backup.Dir, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return backup.Dir{}, err
	}
	if len(s.open) != 0 {
		return backup.Dir{}, fmt.Errorf("%d archives are still being written", len(s.open))
	}

	// a collection that ran in another process may have swept a chunk
	// before this session relied on it
	for digest := range s.digests {
		if err := s.ds.store.Touch(digest); err != nil {
			if errors.Is(err, ErrNotFound) {
				return backup.Dir{}, fmt.Errorf("%w: chunk %s vanished during the session", ErrNotFound, digest)
			}
			return backup.Dir{}, err
		}
	}

	s.manifest.Comment = comment
	s.manifest.Duration = time.Since(s.started)
	if err := manifest.Store(s.tmpPath, s.manifest); err != nil {
		return backup.Dir{}, err
	}
	if err := syncTree(s.tmpPath); err != nil {
		return backup.Dir{}, errs.IO("sync snapshot", err)
	}

	final := s.ds.snapshotPath(s.dir)
	if _, err := os.Lstat(final); err == nil {
		return backup.Dir{}, fmt.Errorf("%w: snapshot %s already exists", ErrConflict, s.dir)
	} else if !errors.Is(err, iofs.ErrNotExist) {
		return backup.Dir{}, errs.IO("stat snapshot", err)
	}
	if err := os.Rename(s.tmpPath, final); err != nil {
		return backup.Dir{}, errs.IO("finalize snapshot", err)
	}
	if err := syncDir(s.ds.groupPath(s.dir.Group)); err != nil {
		s.ds.logger.Warn("%s: could not sync group directory: %s", s.dir, err)
	}

	s.ds.logger.Info("%s: snapshot finished, %d chunks inserted (%s), %d duplicates, %s",
		s.dir, s.inserted, humanize.Bytes(s.written), s.duplicates, s.manifest.Duration.Round(time.Millisecond))
	s.end()
	s.ds.ctx.Events().Send(events.DoneEvent("backup "+s.dir.String(), true))
	return s.dir, nil
}

// Abort discards the session and everything it wrote. Chunks already
// inserted stay in the store until garbage collection reclaims them.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for name, abort := range s.open {
		_ = abort()
		delete(s.open, name)
	}
	err := os.RemoveAll(s.tmpPath)
	s.end()
	s.ds.logger.Trace("session", "%s: aborted %s", s.id, s.dir)
	s.ds.ctx.Events().Send(events.DoneEvent("backup "+s.dir.String(), false))
	if err != nil {
		return errs.IO("remove snapshot directory", err)
	}
	return nil
}

// end releases everything the session holds. s.mu must be held.
func (s *Session) end() {
	for digest := range s.digests {
		s.release(digest)
	}
	s.ds.writers.Unregister(s.id)
	if err := s.record.Unlock(); err != nil {
		s.ds.logger.Warn("%s: release session record: %s", s.id, err)
	}
	if err := s.lock.Unlock(); err != nil {
		s.ds.logger.Warn("%s: unlock group: %s", s.dir.Group, err)
	}
	s.closed = true
}

func syncTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fp, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		err = fp.Sync()
		fp.Close()
		if err != nil {
			return err
		}
	}
	return syncDir(dir)
}
