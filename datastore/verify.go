package datastore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/events"
	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/PlakarLabs/backupstore/index"
	"github.com/PlakarLabs/backupstore/locking"
	"github.com/PlakarLabs/backupstore/manifest"
	"golang.org/x/sync/errgroup"
)

type FileStatus string

const (
	StatusOK      FileStatus = "ok"
	StatusCorrupt FileStatus = "corrupt"
	StatusMissing FileStatus = "missing"
)

const (
	VerifyStateOK     = "ok"
	VerifyStateFailed = "failed"
)

type ChunkFailure struct {
	Digest hashing.Digest
	Offset uint64
	Error  string
}

type FileReport struct {
	Filename string
	Type     manifest.ArchiveType
	Status   FileStatus
	Error    string
	Chunks   []ChunkFailure
}

type VerifyReport struct {
	Snapshot      backup.Dir
	Started       time.Time
	Duration      time.Duration
	Files         []FileReport
	ChunksChecked int
	Success       bool
}

type VerifyOptions struct {
	// SkipChunks limits verification to the index and blob files.
	SkipChunks bool
}

// Verify checks every file of a snapshot against its manifest and reads
// back every chunk the indexes reference.
func (ds *Datastore) Verify(ctx context.Context, dir backup.Dir) (*VerifyReport, error) {
	return ds.VerifyWithOptions(ctx, dir, VerifyOptions{})
}

// VerifyWithOptions records the outcome in the unprotected part of the
// manifest. Chunk data is only read.
func (ds *Datastore) VerifyWithOptions(ctx context.Context, dir backup.Dir, opts VerifyOptions) (*VerifyReport, error) {
	t0 := time.Now()
	m, err := ds.LoadManifest(dir)
	if err != nil {
		return nil, err
	}

	ds.ctx.Events().Send(events.StartEvent("verify " + dir.String()))
	report := &VerifyReport{
		Snapshot: dir,
		Started:  t0,
		Files:    make([]FileReport, 0, len(m.Files)),
	}

	checked := &chunkCache{seen: make(map[hashing.Digest]chunkResult)}
	for _, file := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fr, err := ds.verifyFile(ctx, dir, file, opts, checked)
		if err != nil {
			return nil, err
		}
		switch fr.Status {
		case StatusOK:
			ds.ctx.Events().Send(events.FileOKEvent(dir.String(), file.Filename))
		case StatusMissing:
			ds.ctx.Events().Send(events.FileMissingEvent(dir.String(), file.Filename))
		case StatusCorrupt:
			ds.ctx.Events().Send(events.FileCorruptedEvent(dir.String(), file.Filename, fr.Error))
		}
		report.Files = append(report.Files, fr)
	}
	report.ChunksChecked = checked.len()
	report.Duration = time.Since(t0)

	state := &manifest.VerifyState{
		State:    VerifyStateOK,
		Time:     time.Now().UTC(),
		Hostname: ds.ctx.GetHostname(),
		Corrupt:  make([]string, 0),
		Missing:  make([]string, 0),
	}
	for _, fr := range report.Files {
		switch fr.Status {
		case StatusCorrupt:
			state.Corrupt = append(state.Corrupt, fr.Filename)
		case StatusMissing:
			state.Missing = append(state.Missing, fr.Filename)
		}
	}
	report.Success = len(state.Corrupt) == 0 && len(state.Missing) == 0
	if !report.Success {
		state.State = VerifyStateFailed
	}

	if err := ds.recordVerifyState(ctx, dir, state); err != nil {
		return report, err
	}

	ds.ctx.GetProfiler().RecordEvent("datastore.Verify", report.Duration)
	if report.Success {
		ds.logger.Info("%s: verified %d files, %d chunks: %s", dir, len(report.Files), report.ChunksChecked, report.Duration)
	} else {
		ds.logger.Warn("%s: verification failed: %d corrupt, %d missing", dir, len(state.Corrupt), len(state.Missing))
	}
	ds.ctx.Events().Send(events.DoneEvent("verify "+dir.String(), report.Success))
	return report, nil
}

// chunkResult is what reading a chunk once tells about every entry
// referencing it.
type chunkResult struct {
	size uint64
	err  error
}

func (r chunkResult) check(e index.Entry) error {
	if r.err != nil {
		return &index.ChunkError{Digest: e.Digest, Offset: e.Offset, Err: r.err}
	}
	if r.size != e.Size {
		return index.SizeMismatch(e, r.size)
	}
	return nil
}

// chunkCache remembers chunk reads so chunks shared between files of a
// snapshot are read once.
type chunkCache struct {
	mu   sync.Mutex
	seen map[hashing.Digest]chunkResult
}

func (c *chunkCache) lookup(digest hashing.Digest) (chunkResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.seen[digest]
	return res, ok
}

func (c *chunkCache) store(digest hashing.Digest, res chunkResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[digest] = res
}

func (c *chunkCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (ds *Datastore) verifyFile(ctx context.Context, dir backup.Dir, file manifest.File, opts VerifyOptions, checked *chunkCache) (FileReport, error) {
	fr := FileReport{Filename: file.Filename, Type: file.Type, Status: StatusOK}
	path := filepath.Join(ds.snapshotPath(dir), file.Filename)

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			fr.Status = StatusMissing
			fr.Error = "file is missing"
			return fr, nil
		}
		fr.Status = StatusCorrupt
		fr.Error = err.Error()
		return fr, nil
	}

	if file.Type == manifest.Blob {
		raw, data, err := ds.readBlob(dir, file.Filename)
		switch {
		case err != nil && raw == nil:
			fr.Status = StatusCorrupt
			fr.Error = err.Error()
		case sha256.Sum256(raw) != file.Checksum:
			fr.Status = StatusCorrupt
			fr.Error = "checksum mismatch"
		case err != nil:
			fr.Status = StatusCorrupt
			fr.Error = err.Error()
		case uint64(len(data)) != file.Size:
			fr.Status = StatusCorrupt
			fr.Error = fmt.Sprintf("size mismatch: %d, manifest says %d", len(data), file.Size)
		}
		return fr, nil
	}

	idx, err := index.Open(path)
	if err != nil {
		fr.Status = StatusCorrupt
		fr.Error = err.Error()
		return fr, nil
	}
	if idx.Checksum() != file.Checksum {
		fr.Status = StatusCorrupt
		fr.Error = "checksum mismatch"
		return fr, nil
	}
	if idx.Size() != file.Size {
		fr.Status = StatusCorrupt
		fr.Error = fmt.Sprintf("size mismatch: %d, manifest says %d", idx.Size(), file.Size)
		return fr, nil
	}
	if opts.SkipChunks {
		return fr, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ds.gcParallelism)
	for it := idx.Iter(); it.Next(); {
		entry := it.Entry()
		fail := func(err error) {
			mu.Lock()
			defer mu.Unlock()
			fr.Chunks = append(fr.Chunks, ChunkFailure{Digest: entry.Digest, Offset: entry.Offset, Error: err.Error()})
		}
		if res, ok := checked.lookup(entry.Digest); ok {
			if err := res.check(entry); err != nil {
				fail(err)
			}
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := index.ReadChunk(ds.store, entry)
			res := chunkResult{size: uint64(len(data))}
			if err != nil {
				var cerr *index.ChunkError
				if errors.As(err, &cerr) {
					err = cerr.Err
				}
				res.err = err
			}
			checked.store(entry.Digest, res)
			if err := res.check(entry); err != nil {
				fail(err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fr, err
	}
	if len(fr.Chunks) != 0 {
		fr.Status = StatusCorrupt
		fr.Error = fmt.Sprintf("%d chunks failed verification", len(fr.Chunks))
	}
	return fr, nil
}

// recordVerifyState stores state in the manifest under the manifest
// lock, re-reading the manifest so concurrent updates are not lost.
func (ds *Datastore) recordVerifyState(ctx context.Context, dir backup.Dir, state *manifest.VerifyState) error {
	lock, err := locking.Acquire(ctx, ds.manifestLockPath(dir), ds.owner("verify"), ds.lockTimeout)
	if err != nil {
		return ds.lockError(err, "manifest of "+dir.String())
	}
	defer lock.Unlock()

	m, err := manifest.Load(ds.snapshotPath(dir))
	if err != nil {
		return err
	}
	m.Unprotected.Verify = state
	return manifest.Store(ds.snapshotPath(dir), m)
}
