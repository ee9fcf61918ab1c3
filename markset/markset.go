// Package markset holds the set of chunk digests found live during the
// mark phase of garbage collection.
package markset

import (
	"fmt"
	"os"
	"sync"

	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

type Set interface {
	Add(digest hashing.Digest) error
	Has(digest hashing.Digest) (bool, error)
	Len() int

	// Visit reports whether digest is marked and, if so, records that
	// the chunk was found in the store.
	Visit(digest hashing.Digest) (bool, error)
	// Unvisited calls fn for every marked digest never visited.
	Unvisited(fn func(hashing.Digest) error) error

	Close() error
}

const (
	Memory  = "memory"
	LevelDB = "leveldb"
)

// New returns a set of the given kind. dir is only used by on-disk sets
// and is removed when the set is closed.
func New(kind string, dir string) (Set, error) {
	switch kind {
	case "", Memory:
		return NewMemory(), nil
	case LevelDB:
		return NewLevelDB(dir)
	}
	return nil, fmt.Errorf("unsupported mark set %q", kind)
}

type memorySet struct {
	mu      sync.RWMutex
	digests map[hashing.Digest]bool
}

func NewMemory() Set {
	return &memorySet{digests: make(map[hashing.Digest]bool)}
}

func (s *memorySet) Add(digest hashing.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.digests[digest]; !exists {
		s.digests[digest] = false
	}
	return nil
}

func (s *memorySet) Visit(digest hashing.Digest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.digests[digest]; !exists {
		return false, nil
	}
	s.digests[digest] = true
	return true, nil
}

func (s *memorySet) Unvisited(fn func(hashing.Digest) error) error {
	s.mu.RLock()
	pending := make([]hashing.Digest, 0)
	for digest, seen := range s.digests {
		if !seen {
			pending = append(pending, digest)
		}
	}
	s.mu.RUnlock()

	for _, digest := range pending {
		if err := fn(digest); err != nil {
			return err
		}
	}
	return nil
}

func (s *memorySet) Has(digest hashing.Digest) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.digests[digest]
	return ok, nil
}

func (s *memorySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.digests)
}

func (s *memorySet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests = make(map[hashing.Digest]bool)
	return nil
}

// levelSet spills the mark set to disk for datastores whose live chunk
// count does not fit comfortably in memory.
type levelSet struct {
	dir string
	db  *leveldb.DB

	mu    sync.Mutex
	count int
}

func NewLevelDB(dir string) (Set, error) {
	if dir == "" {
		return nil, fmt.Errorf("leveldb mark set requires a directory")
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(dir, &opt.Options{NoSync: true})
	if err != nil {
		return nil, err
	}
	return &levelSet{dir: dir, db: db}, nil
}

func (s *levelSet) Add(digest hashing.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.db.Has(digest[:], nil)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := s.db.Put(digest[:], unvisited, nil); err != nil {
		return err
	}
	s.count++
	return nil
}

func (s *levelSet) Has(digest hashing.Digest) (bool, error) {
	return s.db.Has(digest[:], nil)
}

var (
	unvisited = []byte{0}
	visited   = []byte{1}
)

func (s *levelSet) Visit(digest hashing.Digest) (bool, error) {
	exists, err := s.db.Has(digest[:], nil)
	if err != nil || !exists {
		return false, err
	}
	return true, s.db.Put(digest[:], visited, nil)
}

func (s *levelSet) Unvisited(fn func(hashing.Digest) error) error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		if value := iter.Value(); len(value) != 0 && value[0] == visited[0] {
			continue
		}
		var digest hashing.Digest
		copy(digest[:], iter.Key())
		if err := fn(digest); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *levelSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *levelSet) Close() error {
	err := s.db.Close()
	if rerr := os.RemoveAll(s.dir); err == nil {
		err = rerr
	}
	return err
}
