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

// Package datastore ties the chunk store, snapshot directories, locks
// and maintenance jobs of one datastore together. A Datastore value is
// the only shared state: callers open it once and pass it around.
package datastore

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/chunkstore"
	"github.com/PlakarLabs/backupstore/compression"
	"github.com/PlakarLabs/backupstore/encryption"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/PlakarLabs/backupstore/locking"
	"github.com/PlakarLabs/backupstore/logging"
	"github.com/PlakarLabs/backupstore/markset"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	_ "github.com/PlakarLabs/backupstore/chunkstore/fs"
	_ "github.com/PlakarLabs/backupstore/chunkstore/s3"
	_ "github.com/PlakarLabs/backupstore/chunkstore/sqlite"
)

const VERSION = 1

const (
	ConfigFilename   = "CONFIG"
	GCStatusFilename = ".gc-status"

	chunksDirname = ".chunks"
	locksDirname  = ".locks"
	tmpDirname    = ".tmp"
)

const (
	DefaultGracePeriod   = 24*time.Hour + 5*time.Minute
	DefaultLockTimeout   = 10 * time.Second
	DefaultGCParallelism = 4
)

var (
	ErrNotFound   = errs.ErrNotFound
	ErrCorrupt    = errs.ErrCorrupt
	ErrOutOfOrder = errs.ErrOutOfOrder
	ErrIO         = errs.ErrIO
	ErrConflict   = errs.ErrConflict

	ErrProtected = errors.New("snapshot is protected")
	ErrExists    = errors.New("datastore already exists")
	ErrClosed    = errors.New("backup session is closed")

	ErrPassphraseRequired = errors.New("passphrase required")
)

// Configuration is persisted at the datastore root when the datastore
// is created and never changes afterwards.
type Configuration struct {
	Version      int
	DatastoreID  uuid.UUID
	CreationTime time.Time

	Backend     string
	Chunks      string
	Compression string
	DigestMode  string
	Encryption  string
}

// Options configure a datastore when it is created or opened. Zero
// values select the defaults.
type Options struct {
	Chunks      string
	Compression string
	DigestMode  string
	Passphrase  []byte

	GracePeriod   time.Duration
	GCParallelism int
	MarkSet       string
	PruneLocation *time.Location
	LockTimeout   time.Duration

	Context *appcontext.Context
}

type Datastore struct {
	root        string
	config      Configuration
	store       *chunkstore.Store
	key         []byte
	fingerprint string

	ctx    *appcontext.Context
	logger *logging.Logger

	gracePeriod   time.Duration
	gcParallelism int
	markSet       string
	pruneLocation *time.Location
	lockTimeout   time.Duration

	inflight *inflightTable
	writers  *writerTable

	gcMutex  sync.Mutex
	muStatus sync.Mutex
	lastGC   *GCReport
}

// Create initializes a new datastore at root and opens it.
func Create(root string, opts Options) (*Datastore, error) {
	if _, err := os.Stat(filepath.Join(root, ConfigFilename)); err == nil {
		return nil, fmt.Errorf("%s: %w", root, ErrExists)
	}
	if err := os.MkdirAll(filepath.Join(root, locksDirname), 0700); err != nil {
		return nil, errs.IO("create datastore", err)
	}

	config := Configuration{
		Version:      VERSION,
		DatastoreID:  uuid.New(),
		CreationTime: time.Now().UTC(),
		Backend:      chunkstore.BackendName(opts.Chunks),
		Chunks:       opts.Chunks,
		Compression:  opts.Compression,
		DigestMode:   opts.DigestMode,
	}
	if config.Compression == "" {
		config.Compression = compression.DefaultAlgorithm()
	}
	if config.Compression != compression.None {
		if _, err := compression.ID(config.Compression); err != nil {
			return nil, err
		}
	}

	if len(opts.Passphrase) != 0 {
		secret, err := encryption.BuildSecretFromPassphrase(opts.Passphrase)
		if err != nil {
			return nil, err
		}
		config.Encryption = secret
		if config.DigestMode == "" {
			config.DigestMode = hashing.ModeHMACSHA256
		}
	}
	if config.DigestMode == "" {
		config.DigestMode = hashing.DefaultAlgorithm()
	}
	if config.DigestMode == hashing.ModeHMACSHA256 && config.Encryption == "" {
		return nil, fmt.Errorf("digest mode %q requires encryption", config.DigestMode)
	}
	if _, err := hashing.NewHasher(config.DigestMode, []byte("probe")); err != nil {
		return nil, err
	}

	backend, err := chunkstore.NewBackend(config.Backend)
	if err != nil {
		return nil, err
	}
	if err := backend.Create(chunksLocation(root, config.Chunks)); err != nil {
		return nil, errs.IO("create chunk store", err)
	}
	if err := backend.Close(); err != nil {
		return nil, errs.IO("close chunk store", err)
	}

	serialized, err := msgpack.Marshal(&config)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(root, ConfigFilename), serialized); err != nil {
		return nil, err
	}
	return Open(root, opts)
}

// Open opens an existing datastore. The passphrase is required when the
// datastore is encrypted.
func Open(root string, opts Options) (*Datastore, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFilename))
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no datastore at %s", ErrNotFound, root)
		}
		return nil, errs.IO("read datastore configuration", err)
	}
	var config Configuration
	if err := msgpack.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: datastore configuration: %v", ErrCorrupt, err)
	}
	if config.Version != VERSION {
		return nil, fmt.Errorf("unsupported datastore version %d", config.Version)
	}

	ctx := opts.Context
	if ctx == nil {
		ctx = appcontext.NewFromEnvironment()
	}

	ds := &Datastore{
		root:          root,
		config:        config,
		ctx:           ctx,
		logger:        ctx.GetLogger(),
		gracePeriod:   opts.GracePeriod,
		gcParallelism: opts.GCParallelism,
		markSet:       opts.MarkSet,
		pruneLocation: opts.PruneLocation,
		lockTimeout:   opts.LockTimeout,
		inflight:      newInflightTable(),
		writers:       newWriterTable(),
	}
	if ds.gracePeriod == 0 {
		ds.gracePeriod = DefaultGracePeriod
	}
	if ds.gcParallelism <= 0 {
		ds.gcParallelism = DefaultGCParallelism
	}
	if ds.markSet == "" {
		ds.markSet = markset.Memory
	}
	if ds.pruneLocation == nil {
		ds.pruneLocation = time.UTC
	}
	if ds.lockTimeout == 0 {
		ds.lockTimeout = DefaultLockTimeout
	}

	var digestKey []byte
	if config.Encryption != "" {
		if len(opts.Passphrase) == 0 {
			return nil, fmt.Errorf("datastore %s is encrypted: %w", root, ErrPassphraseRequired)
		}
		key, err := encryption.DeriveSecret(opts.Passphrase, config.Encryption)
		if err != nil {
			return nil, err
		}
		ds.key = key
		ds.fingerprint = encryption.Fingerprint(key)
		digestKey = encryption.DigestKey(key)
	}

	hasher, err := hashing.NewHasher(config.DigestMode, digestKey)
	if err != nil {
		return nil, err
	}

	backend, err := chunkstore.NewBackend(config.Backend)
	if err != nil {
		return nil, err
	}
	if err := backend.Open(chunksLocation(root, config.Chunks)); err != nil {
		return nil, errs.IO("open chunk store", err)
	}
	ds.store = chunkstore.New(backend, hasher, chunkstore.Options{
		Compression: config.Compression,
		Key:         ds.key,
		Logger:      ds.logger,
		Profiler:    ctx.GetProfiler(),
	})

	if report, err := readGCStatus(filepath.Join(root, GCStatusFilename)); err == nil {
		ds.lastGC = report
	}

	ds.logger.Trace("datastore", "opened %s (backend=%s, digest=%s, compression=%s)",
		root, config.Backend, config.DigestMode, config.Compression)
	return ds, nil
}

func chunksLocation(root string, chunks string) string {
	if chunks == "" {
		return filepath.Join(root, chunksDirname)
	}
	return chunks
}

func (ds *Datastore) Close() error {
	return ds.store.Close()
}

func (ds *Datastore) Root() string {
	return ds.root
}

func (ds *Datastore) Configuration() Configuration {
	return ds.config
}

func (ds *Datastore) Store() *chunkstore.Store {
	return ds.store
}

func (ds *Datastore) Context() *appcontext.Context {
	return ds.ctx
}

// Fingerprint identifies the encryption key, empty for plain datastores.
func (ds *Datastore) Fingerprint() string {
	return ds.fingerprint
}

func (ds *Datastore) GracePeriod() time.Duration {
	return ds.gracePeriod
}

func (ds *Datastore) groupPath(group backup.Group) string {
	return filepath.Join(ds.root, group.Path())
}

func (ds *Datastore) snapshotPath(dir backup.Dir) string {
	return filepath.Join(ds.root, dir.Path())
}

func (ds *Datastore) groupLockPath(group backup.Group) string {
	return filepath.Join(ds.root, locksDirname, string(group.Type), group.ID+".lck")
}

func (ds *Datastore) manifestLockPath(dir backup.Dir) string {
	return filepath.Join(ds.root, locksDirname, string(dir.Group.Type), dir.Group.ID, dir.TimeString()+".manifest.lck")
}

// writersPath holds one published record per open backup session, in
// any process.
func (ds *Datastore) writersPath() string {
	return filepath.Join(ds.root, locksDirname, "writers")
}

func (ds *Datastore) gcLockPath() string {
	return filepath.Join(ds.root, locksDirname, "gc.lck")
}

func (ds *Datastore) owner(operation string) *locking.Lock {
	lock := locking.New(ds.ctx.GetHostname(), ds.ctx.GetUsername(), ds.ctx.GetMachineID(), ds.ctx.GetProcessID(), true)
	lock.Operation = operation
	return lock
}

// tryLock takes a non-blocking lock and reports contention as
// ErrConflict, naming the holder when it can be read.
func (ds *Datastore) tryLock(path string, what string, operation string) (*locking.FileLock, error) {
	lock, err := locking.TryLock(path, ds.owner(operation))
	if err == nil {
		return lock, nil
	}
	if errors.Is(err, locking.ErrLocked) {
		if holder, oerr := locking.Owner(path); oerr == nil {
			if holder.Expired(ds.gracePeriod) {
				ds.logger.Warn("%s: held by pid %d on %s since %s, longer than the gc grace period",
					what, holder.ProcessID, holder.Hostname, holder.Timestamp.Format(time.RFC3339))
			}
			return nil, fmt.Errorf("%w: %s is locked by %s@%s (pid %d, %s)",
				ErrConflict, what, holder.Username, holder.Hostname, holder.ProcessID, holder.Operation)
		}
		return nil, fmt.Errorf("%w: %s is locked", ErrConflict, what)
	}
	return nil, errs.IO("lock "+what, err)
}

func (ds *Datastore) lockGroup(group backup.Group, operation string) (*locking.FileLock, error) {
	return ds.tryLock(ds.groupLockPath(group), "group "+group.String(), operation)
}

func writeFileAtomic(path string, data []byte) error {
	fp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp_*")
	if err != nil {
		return errs.IO("create "+filepath.Base(path), err)
	}
	tmp := fp.Name()
	defer os.Remove(tmp)

	if _, err := fp.Write(data); err != nil {
		fp.Close()
		return errs.IO("write "+filepath.Base(path), err)
	}
	if err := fp.Sync(); err != nil {
		fp.Close()
		return errs.IO("sync "+filepath.Base(path), err)
	}
	if err := fp.Close(); err != nil {
		return errs.IO("close "+filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.IO("rename "+filepath.Base(path), err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
