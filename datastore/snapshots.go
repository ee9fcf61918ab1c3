package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/blob"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/events"
	"github.com/PlakarLabs/backupstore/index"
	"github.com/PlakarLabs/backupstore/locking"
	"github.com/PlakarLabs/backupstore/manifest"
	"github.com/google/uuid"
)

func (ds *Datastore) ListGroups() ([]backup.Group, error) {
	groups, err := backup.ListGroups(ds.root)
	if err != nil {
		return nil, errs.IO("list groups", err)
	}
	return groups, nil
}

// ListSnapshots returns the finalized snapshots of group, newest first.
func (ds *Datastore) ListSnapshots(group backup.Group) ([]backup.Snapshot, error) {
	snapshots, err := backup.ListSnapshots(ds.root, group)
	if err != nil {
		return nil, errs.IO("list snapshots", err)
	}
	return snapshots, nil
}

func (ds *Datastore) snapshotExists(dir backup.Dir) error {
	info, err := os.Stat(ds.snapshotPath(dir))
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return fmt.Errorf("%w: snapshot %s", ErrNotFound, dir)
		}
		return errs.IO("stat snapshot", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: snapshot %s is not a directory", ErrCorrupt, dir)
	}
	return nil
}

func (ds *Datastore) LoadManifest(dir backup.Dir) (*manifest.Manifest, error) {
	if err := ds.snapshotExists(dir); err != nil {
		return nil, err
	}
	return manifest.Load(ds.snapshotPath(dir))
}

// LastSuccessfulBackup returns the newest snapshot of group whose
// manifest can be read.
func (ds *Datastore) LastSuccessfulBackup(group backup.Group) (backup.Snapshot, error) {
	snapshots, err := ds.ListSnapshots(group)
	if err != nil {
		return backup.Snapshot{}, err
	}
	for _, snapshot := range snapshots {
		if _, err := manifest.Load(ds.snapshotPath(snapshot.Dir)); err == nil {
			return snapshot, nil
		}
	}
	return backup.Snapshot{}, fmt.Errorf("%w: no snapshot in group %s", ErrNotFound, group)
}

func (ds *Datastore) SetProtected(ctx context.Context, dir backup.Dir, protected bool) error {
	if err := ds.snapshotExists(dir); err != nil {
		return err
	}
	lock, err := locking.Acquire(ctx, ds.manifestLockPath(dir), ds.owner("protect"), ds.lockTimeout)
	if err != nil {
		return ds.lockError(err, "manifest of "+dir.String())
	}
	defer lock.Unlock()

	if err := backup.SetProtected(ds.root, dir, protected); err != nil {
		return errs.IO("set protection", err)
	}
	return nil
}

func (ds *Datastore) lockError(err error, what string) error {
	if errors.Is(err, locking.ErrLocked) {
		return fmt.Errorf("%w: %s is locked", ErrConflict, what)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.IO("lock "+what, err)
}

// RemoveSnapshot deletes a snapshot. Protected snapshots are refused
// with ErrProtected. Unless force is set, a snapshot whose manifest is
// locked, for instance by a running verification, is refused with
// ErrConflict.
func (ds *Datastore) RemoveSnapshot(ctx context.Context, dir backup.Dir, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock, err := ds.lockGroup(dir.Group, "remove")
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := ds.removeSnapshot(dir, force); err != nil {
		return err
	}
	ds.removeGroupIfEmpty(dir.Group)
	return nil
}

// removeSnapshot expects the group lock to be held. The directory is
// first renamed to a hidden name so it disappears from listings at once.
func (ds *Datastore) removeSnapshot(dir backup.Dir, force bool) error {
	if err := ds.snapshotExists(dir); err != nil {
		return err
	}
	if backup.IsProtected(ds.root, dir) {
		return fmt.Errorf("%w: %s", ErrProtected, dir)
	}

	if !force {
		mlock, err := ds.tryLock(ds.manifestLockPath(dir), "manifest of "+dir.String(), "remove")
		if err != nil {
			return err
		}
		defer mlock.Unlock()
	}

	path := ds.snapshotPath(dir)
	trash := filepath.Join(ds.groupPath(dir.Group), "."+dir.TimeString()+".removing-"+uuid.NewString())
	if err := os.Rename(path, trash); err != nil {
		return errs.IO("remove snapshot", err)
	}
	if err := os.RemoveAll(trash); err != nil {
		ds.logger.Warn("%s: leftover %s: %s", dir, trash, err)
	}
	_ = os.Remove(ds.manifestLockPath(dir))

	ds.logger.Info("%s: snapshot removed", dir)
	ds.ctx.Events().Send(events.SnapshotRemovedEvent(dir.String()))
	return nil
}

func (ds *Datastore) removeGroupIfEmpty(group backup.Group) bool {
	err := os.Remove(ds.groupPath(group))
	if err == nil {
		_ = os.Remove(filepath.Dir(ds.manifestLockPath(backup.Dir{Group: group})))
		ds.logger.Info("%s: group removed", group)
		return true
	}
	if !errors.Is(err, iofs.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, syscall.EEXIST) {
		ds.logger.Warn("%s: could not remove group: %s", group, err)
	}
	return false
}

// RemoveGroup deletes every snapshot of group and the group itself.
// Protected snapshots are left in place and reported with ErrProtected.
func (ds *Datastore) RemoveGroup(ctx context.Context, group backup.Group) (int, error) {
	lock, err := ds.lockGroup(group, "remove")
	if err != nil {
		return 0, err
	}
	defer lock.Unlock()

	snapshots, err := ds.ListSnapshots(group)
	if err != nil {
		return 0, err
	}

	removed := 0
	protected := 0
	for _, snapshot := range snapshots {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if snapshot.Protected {
			protected++
			continue
		}
		if err := ds.removeSnapshot(snapshot.Dir, false); err != nil {
			return removed, err
		}
		removed++
	}
	if protected != 0 {
		return removed, fmt.Errorf("%w: %d snapshots of %s kept", ErrProtected, protected, group)
	}
	ds.removeGroupIfEmpty(group)
	return removed, nil
}

func (ds *Datastore) OpenIndex(dir backup.Dir, name string) (*index.Index, error) {
	if _, ok := index.KindOf(name); !ok || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid index name %q", name)
	}
	return index.Open(filepath.Join(ds.snapshotPath(dir), name))
}

// OpenReader gives random access to the content described by an index.
func (ds *Datastore) OpenReader(dir backup.Dir, name string) (*index.Reader, error) {
	idx, err := ds.OpenIndex(dir, name)
	if err != nil {
		return nil, err
	}
	return index.NewReader(idx, ds.store), nil
}

func (ds *Datastore) readBlob(dir backup.Dir, name string) ([]byte, []byte, error) {
	raw, err := os.ReadFile(filepath.Join(ds.snapshotPath(dir), name))
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, dir, name)
		}
		return nil, nil, errs.IO("read blob", err)
	}
	data, err := blob.Decode(raw, ds.key)
	if err != nil {
		return raw, nil, fmt.Errorf("%s/%s: %w", dir, name, err)
	}
	return raw, data, nil
}

// RestoreFile writes the content of the archive name of snapshot dir
// to w.
func (ds *Datastore) RestoreFile(ctx context.Context, dir backup.Dir, name string, w io.Writer) (int64, error) {
	archiveType, err := manifest.ArchiveTypeOf(name)
	if err != nil {
		return 0, err
	}
	if archiveType == manifest.Blob {
		_, data, err := ds.readBlob(dir, name)
		if err != nil {
			return 0, err
		}
		n, err := w.Write(data)
		return int64(n), err
	}

	idx, err := ds.OpenIndex(dir, name)
	if err != nil {
		return 0, err
	}
	return index.Reconstruct(ctx, idx, ds.store, w)
}
