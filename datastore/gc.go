/*
 * Copyright (c) 2024 Gilles Chehade <gilles@poolp.org>
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package datastore

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/chunkstore"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/events"
	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/PlakarLabs/backupstore/index"
	"github.com/PlakarLabs/backupstore/locking"
	"github.com/PlakarLabs/backupstore/manifest"
	"github.com/PlakarLabs/backupstore/markset"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type GCOptions struct {
	// AcknowledgeCorrupt lets the sweep delete chunks even though some
	// manifests or indexes could not be read during marking. Chunks only
	// referenced by those files are then lost.
	AcknowledgeCorrupt bool
}

type GCReport struct {
	Started  time.Time
	Finished time.Time
	Cutoff   time.Time

	IndexCount int
	IndexBytes uint64
	Marked     int
	Writers    int

	Kept         int
	Removed      int
	RemovedBytes int64
	Pending      int
	PendingBytes int64
	InFlight     int
	Retained     int
	DiskChunks   int
	DiskBytes    int64
	TempRemoved  int
	DedupFactor  float64

	Corrupt []string
	Missing []string
	Errors  []string

	SweepSkipped bool
	Success      bool
}

func (r *GCReport) Serialize() ([]byte, error) {
	return msgpack.Marshal(r)
}

func readGCStatus(path string) (*GCReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no garbage collection status", ErrNotFound)
		}
		return nil, errs.IO("read gc status", err)
	}
	var report GCReport
	if err := msgpack.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%w: gc status: %v", ErrCorrupt, err)
	}
	return &report, nil
}

// LastGCStatus returns the report of the most recent garbage collection.
func (ds *Datastore) LastGCStatus() (*GCReport, error) {
	ds.muStatus.Lock()
	defer ds.muStatus.Unlock()
	if ds.lastGC != nil {
		return ds.lastGC, nil
	}
	report, err := readGCStatus(filepath.Join(ds.root, GCStatusFilename))
	if err != nil {
		return nil, err
	}
	ds.lastGC = report
	return report, nil
}

// RunGC marks every chunk referenced by a snapshot and sweeps the others
// once they are older than the cutoff. Only one collection runs per
// datastore at a time; a concurrent attempt fails with ErrConflict.
func (ds *Datastore) RunGC(ctx context.Context, opts GCOptions) (*GCReport, error) {
	if !ds.gcMutex.TryLock() {
		return nil, fmt.Errorf("%w: garbage collection already running", ErrConflict)
	}
	defer ds.gcMutex.Unlock()

	lock, err := ds.tryLock(ds.gcLockPath(), "garbage collection", "gc")
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	phase1Start := time.Now()
	oldest, writers, err := ds.oldestWriter(phase1Start)
	if err != nil {
		return nil, err
	}
	cutoff := oldest.Add(-ds.gracePeriod)

	report := &GCReport{
		Started: phase1Start,
		Cutoff:  cutoff,
		Writers: writers,
		Corrupt: make([]string, 0),
		Missing: make([]string, 0),
		Errors:  make([]string, 0),
	}
	ds.ctx.Events().Send(events.StartEvent("gc"))
	ds.logger.Info("gc: starting, cutoff %s (grace %s)", cutoff.UTC().Format(time.RFC3339), ds.gracePeriod)

	err = ds.collect(ctx, report, opts)

	report.Finished = time.Now()
	if report.DiskBytes > 0 {
		report.DedupFactor = float64(report.IndexBytes) / float64(report.DiskBytes)
	}
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	report.Success = err == nil && len(report.Errors) == 0 && len(report.Corrupt) == 0

	if serr := ds.saveGCStatus(report); serr != nil {
		ds.logger.Warn("gc: could not save status: %s", serr)
	}

	ds.ctx.GetProfiler().RecordEvent("datastore.GC", report.Finished.Sub(report.Started))
	ds.logger.Info("gc: %d chunks marked over %d indexes (%s referenced)",
		report.Marked, report.IndexCount, humanize.Bytes(report.IndexBytes))
	ds.logger.Info("gc: removed %d chunks (%s), %d pending (%s), %d in flight",
		report.Removed, humanize.Bytes(uint64(report.RemovedBytes)),
		report.Pending, humanize.Bytes(uint64(report.PendingBytes)), report.InFlight)
	ds.logger.Info("gc: %d chunks on disk (%s), deduplication factor %.2f",
		report.DiskChunks, humanize.Bytes(uint64(report.DiskBytes)), report.DedupFactor)
	ds.ctx.Events().Send(events.DoneEvent("gc", report.Success))
	return report, err
}

// oldestWriter returns the start of the oldest backup session still
// open in this process or any other, or now when there is none.
func (ds *Datastore) oldestWriter(now time.Time) (time.Time, int, error) {
	oldest := now
	if started, ok := ds.writers.Oldest(); ok && started.Before(oldest) {
		oldest = started
	}
	holders, err := locking.Holders(ds.writersPath())
	if err != nil {
		return time.Time{}, 0, errs.IO("list backup sessions", err)
	}
	for _, holder := range holders {
		if holder.Timestamp.Before(oldest) {
			oldest = holder.Timestamp
		}
	}
	if len(holders) != 0 {
		ds.logger.Debug("gc: %d backup sessions open, oldest started %s", len(holders), oldest.UTC().Format(time.RFC3339))
	}
	return oldest, len(holders), nil
}

func (ds *Datastore) collect(ctx context.Context, report *GCReport, opts GCOptions) error {
	setDir := filepath.Join(ds.root, tmpDirname, "markset-"+uuid.NewString())
	set, err := markset.New(ds.markSet, setDir)
	if err != nil {
		return err
	}
	defer set.Close()

	t0 := time.Now()
	if err := ds.mark(ctx, set, report); err != nil {
		return err
	}
	report.Marked = set.Len()
	ds.ctx.GetProfiler().RecordEvent("datastore.GC.mark", time.Since(t0))

	destructive := len(report.Corrupt) == 0 || opts.AcknowledgeCorrupt
	if !destructive {
		report.SweepSkipped = true
		msg := fmt.Sprintf("%d unreadable manifests or indexes, nothing will be removed", len(report.Corrupt))
		ds.logger.Warn("gc: %s", msg)
		ds.ctx.Events().Send(events.WarningEvent("gc", msg))
	}

	t0 = time.Now()
	err = ds.sweep(ctx, set, report, destructive)
	ds.ctx.GetProfiler().RecordEvent("datastore.GC.sweep", time.Since(t0))
	return err
}

// mark adds every digest referenced by an index of a finalized snapshot
// to set. Index files are found both through the manifest and by
// scanning the snapshot directory. Unreadable groups, manifests and
// indexes are recorded in report.Corrupt and marking goes on.
func (ds *Datastore) mark(ctx context.Context, set markset.Set, report *GCReport) error {
	groups, err := ds.ListGroups()
	if err != nil {
		return err
	}

	for i, group := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		snapshots, err := ds.ListSnapshots(group)
		if err != nil {
			if fatal(err) {
				return err
			}
			report.Corrupt = append(report.Corrupt, fmt.Sprintf("%s: %s", group, err))
			continue
		}
		for _, snapshot := range snapshots {
			if err := ds.markSnapshot(snapshot.Dir, set, report); err != nil {
				return err
			}
		}
		ds.ctx.Events().Send(events.GCMarkProgressEvent(i+1, len(groups)))
		ds.logger.Trace("gc", "marked group %s (%d/%d)", group, i+1, len(groups))
	}
	return nil
}

// vanished reports whether the snapshot at path was removed since it
// was listed.
func vanished(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, iofs.ErrNotExist)
}

func (ds *Datastore) markSnapshot(dir backup.Dir, set markset.Set, report *GCReport) error {
	path := ds.snapshotPath(dir)
	names := make(map[string]struct{})

	m, err := manifest.Load(path)
	if err != nil {
		if fatal(err) {
			return err
		}
		if vanished(path) {
			return nil
		}
		report.Corrupt = append(report.Corrupt, fmt.Sprintf("%s/%s: %s", dir, manifest.Filename, err))
	} else {
		for _, file := range m.Files {
			if file.Type != manifest.Blob {
				names[file.Filename] = struct{}{}
			}
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if fatal(err) {
			return errs.IO("read snapshot", err)
		}
		if vanished(path) {
			return nil
		}
		report.Corrupt = append(report.Corrupt, fmt.Sprintf("%s: %s", dir, err))
	}
	for _, entry := range entries {
		if _, ok := index.KindOf(entry.Name()); ok && !entry.IsDir() {
			names[entry.Name()] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		idx, err := index.Open(filepath.Join(path, name))
		if err != nil {
			if fatal(err) {
				return err
			}
			if vanished(path) {
				return nil
			}
			report.Corrupt = append(report.Corrupt, fmt.Sprintf("%s/%s: %s", dir, name, err))
			continue
		}
		report.IndexCount++
		report.IndexBytes += idx.Size()

		for _, digest := range idx.Digests() {
			if err := set.Add(digest); err != nil {
				return err
			}
		}
	}
	return nil
}

// sweepStats collects per-bucket results from concurrent sweepers.
type sweepStats struct {
	mu     sync.Mutex
	report *GCReport
}

func (s *sweepStats) update(fn func(r *GCReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.report)
}

func fatal(err error) bool {
	return errors.Is(err, iofs.ErrPermission) || errors.Is(err, unix.EROFS)
}

func (ds *Datastore) sweep(ctx context.Context, set markset.Set, report *GCReport, destructive bool) error {
	backend := ds.store.Backend()
	buckets, err := backend.Buckets()
	if err != nil {
		return errs.IO("list buckets", err)
	}
	sort.Strings(buckets)

	stats := &sweepStats{report: report}
	done := 0
	var muDone sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ds.gcParallelism)
	for _, bucket := range buckets {
		bucket := bucket
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := backend.Walk(gctx, bucket, func(info chunkstore.Info) error {
				return ds.sweepItem(bucket, info, set, report.Cutoff, destructive, stats)
			})
			if err != nil {
				return err
			}
			muDone.Lock()
			done++
			n := done
			muDone.Unlock()
			ds.ctx.Events().Send(events.GCSweepProgressEvent(n, len(buckets)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// marked digests the walk never came across
	err = set.Unvisited(func(digest hashing.Digest) error {
		report.Missing = append(report.Missing, digest.String())
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(report.Missing)
	if len(report.Missing) != 0 {
		ds.logger.Warn("gc: %d referenced chunks are missing from the store", len(report.Missing))
	}
	return nil
}

func (ds *Datastore) sweepItem(bucket string, info chunkstore.Info, set markset.Set, cutoff time.Time, destructive bool, stats *sweepStats) error {
	backend := ds.store.Backend()

	if info.Temp {
		if !destructive || !info.Accessed.Before(cutoff) {
			return nil
		}
		if err := backend.RemoveTemp(bucket, info.Name); err != nil && !errors.Is(err, ErrNotFound) {
			if fatal(err) {
				return err
			}
			stats.update(func(r *GCReport) { r.Errors = append(r.Errors, fmt.Sprintf("%s/%s: %s", bucket, info.Name, err)) })
			return nil
		}
		stats.update(func(r *GCReport) { r.TempRemoved++ })
		return nil
	}

	marked, err := set.Visit(info.Digest)
	if err != nil {
		return err
	}
	if marked {
		stats.update(func(r *GCReport) {
			r.Kept++
			r.DiskChunks++
			r.DiskBytes += info.Size
		})
		return nil
	}

	if !info.Accessed.Before(cutoff) {
		stats.update(func(r *GCReport) {
			r.Pending++
			r.PendingBytes += info.Size
			r.DiskChunks++
			r.DiskBytes += info.Size
		})
		return nil
	}

	if !destructive {
		stats.update(func(r *GCReport) {
			r.Retained++
			r.DiskChunks++
			r.DiskBytes += info.Size
		})
		return nil
	}

	var removed bool
	var fresh chunkstore.Info
	idle, err := ds.inflight.WithIdle(info.Digest, func() error {
		var err error
		fresh, err = backend.Stat(info.Digest)
		if err != nil {
			return err
		}
		if !fresh.Accessed.Before(cutoff) {
			return nil
		}
		if err := backend.Delete(info.Digest); err != nil {
			return err
		}
		removed = true
		return nil
	})

	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		if fatal(err) {
			return err
		}
		stats.update(func(r *GCReport) { r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", info.Digest, err)) })
		return nil
	case !idle:
		stats.update(func(r *GCReport) {
			r.InFlight++
			r.Pending++
			r.PendingBytes += info.Size
			r.DiskChunks++
			r.DiskBytes += info.Size
		})
	case !removed:
		stats.update(func(r *GCReport) {
			r.Pending++
			r.PendingBytes += fresh.Size
			r.DiskChunks++
			r.DiskBytes += fresh.Size
		})
	default:
		stats.update(func(r *GCReport) {
			r.Removed++
			r.RemovedBytes += fresh.Size
		})
		ds.ctx.Events().Send(events.ChunkRemovedEvent(info.Digest, fresh.Size))
		ds.logger.Trace("gc", "%s: removed", info.Digest)
	}
	return nil
}

func (ds *Datastore) saveGCStatus(report *GCReport) error {
	ds.muStatus.Lock()
	ds.lastGC = report
	ds.muStatus.Unlock()

	data, err := report.Serialize()
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(ds.root, GCStatusFilename), data)
}
