package chunkstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/PlakarLabs/backupstore/blob"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/PlakarLabs/backupstore/logging"
	"github.com/PlakarLabs/backupstore/profiler"
)

type Outcome int

const (
	Inserted Outcome = iota
	DuplicateSkipped
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateSkipped:
		return "duplicate"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ChunkStore is the capability set the rest of the datastore relies on.
type ChunkStore interface {
	Insert(digest hashing.Digest, data []byte) (Outcome, error)
	Contains(digest hashing.Digest) (bool, error)
	Read(digest hashing.Digest) ([]byte, error)
	Touch(digest hashing.Digest) error
}

type Options struct {
	Compression string
	Key         []byte
	Logger      *logging.Logger
	Profiler    *profiler.Profiler
}

// Store encodes chunks into blobs and checks every digest against the
// content it addresses on the way in and on the way out.
type Store struct {
	backend     Backend
	hasher      *hashing.Hasher
	compression string
	key         []byte
	logger      *logging.Logger
	profiler    *profiler.Profiler
}

var _ ChunkStore = (*Store)(nil)

func New(backend Backend, hasher *hashing.Hasher, opts Options) *Store {
	store := &Store{
		backend:     backend,
		hasher:      hasher,
		compression: opts.Compression,
		key:         opts.Key,
		logger:      opts.Logger,
		profiler:    opts.Profiler,
	}
	if store.logger == nil {
		store.logger = logging.NewDiscard()
	}
	if store.profiler == nil {
		store.profiler = profiler.New()
	}
	return store
}

func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Hasher() *hashing.Hasher {
	return s.hasher
}

func (s *Store) record(op string, t0 time.Time) {
	s.profiler.RecordEvent("chunkstore."+op, time.Since(t0))
}

func (s *Store) Insert(digest hashing.Digest, data []byte) (Outcome, error) {
	t0 := time.Now()
	defer s.record("Insert", t0)

	if !s.hasher.Verify(digest, data) {
		return Inserted, fmt.Errorf("%w: digest %s does not match chunk content", errs.ErrCorrupt, digest)
	}

	if _, err := s.backend.Stat(digest); err == nil {
		if err := s.backend.Touch(digest); err != nil {
			return DuplicateSkipped, wrap("touch chunk", err)
		}
		s.logger.Trace("chunkstore", "%s: duplicate, touched: %s", digest, time.Since(t0))
		return DuplicateSkipped, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return Inserted, wrap("stat chunk", err)
	}

	raw, err := blob.Encode(data, blob.Options{Compression: s.compression, Key: s.key})
	if err != nil {
		return Inserted, err
	}

	created, err := s.backend.Put(digest, raw)
	if err != nil {
		return Inserted, wrap("put chunk", err)
	}
	if !created {
		s.logger.Trace("chunkstore", "%s: lost insert race, touched: %s", digest, time.Since(t0))
		return DuplicateSkipped, nil
	}
	s.logger.Trace("chunkstore", "%s: inserted %d bytes (%d stored): %s", digest, len(data), len(raw), time.Since(t0))
	return Inserted, nil
}

// InsertData computes the digest of data and inserts it.
func (s *Store) InsertData(data []byte) (hashing.Digest, Outcome, error) {
	digest := s.hasher.Sum(data)
	outcome, err := s.Insert(digest, data)
	return digest, outcome, err
}

func (s *Store) Contains(digest hashing.Digest) (bool, error) {
	t0 := time.Now()
	defer s.record("Contains", t0)

	_, err := s.backend.Stat(digest)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return false, wrap("stat chunk", err)
}

func (s *Store) Stat(digest hashing.Digest) (Info, error) {
	info, err := s.backend.Stat(digest)
	return info, wrap("stat chunk", err)
}

func (s *Store) Touch(digest hashing.Digest) error {
	t0 := time.Now()
	defer s.record("Touch", t0)
	return wrap("touch chunk", s.backend.Touch(digest))
}

func (s *Store) Read(digest hashing.Digest) ([]byte, error) {
	t0 := time.Now()
	defer s.record("Read", t0)

	raw, err := s.backend.Get(digest)
	if err != nil {
		return nil, wrap("get chunk", err)
	}

	data, err := blob.Decode(raw, s.key)
	if err != nil {
		if errors.Is(err, errs.ErrCorrupt) {
			return nil, fmt.Errorf("chunk %s: %w", digest, err)
		}
		return nil, err
	}
	if !s.hasher.Verify(digest, data) {
		return nil, fmt.Errorf("%w: chunk %s content does not match its digest", errs.ErrCorrupt, digest)
	}
	return data, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// wrap tags backend failures as ErrIO, leaving not-found and corruption
// errors matchable as themselves.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrCorrupt) || errors.Is(err, errs.ErrIO) {
		return err
	}
	return errs.IO(op, err)
}
