package datastore

import (
	"sync"
	"time"

	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/google/uuid"
)

const inflightShards = 256

type inflightShard struct {
	mu   sync.Mutex
	refs map[hashing.Digest]int
}

// inflightTable counts, per digest, the open sessions that inserted or
// registered it. The sweep never deletes a digest with a non-zero count.
type inflightTable struct {
	shards [inflightShards]inflightShard
}

func newInflightTable() *inflightTable {
	t := &inflightTable{}
	for i := range t.shards {
		t.shards[i].refs = make(map[hashing.Digest]int)
	}
	return t
}

func (t *inflightTable) shard(digest hashing.Digest) *inflightShard {
	return &t.shards[digest[0]]
}

func (t *inflightTable) Acquire(digest hashing.Digest) {
	shard := t.shard(digest)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.refs[digest]++
}

func (t *inflightTable) Release(digest hashing.Digest) {
	shard := t.shard(digest)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.refs[digest] <= 1 {
		delete(shard.refs, digest)
		return
	}
	shard.refs[digest]--
}

func (t *inflightTable) Contains(digest hashing.Digest) bool {
	shard := t.shard(digest)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.refs[digest] > 0
}

// WithIdle runs fn while holding the shard of digest, provided no
// session has the digest in flight. Acquire blocks until fn returns, so
// a session cannot start relying on a chunk the sweep is deleting.
func (t *inflightTable) WithIdle(digest hashing.Digest, fn func() error) (bool, error) {
	shard := t.shard(digest)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.refs[digest] > 0 {
		return false, nil
	}
	return true, fn()
}

func (t *inflightTable) Len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		n += len(t.shards[i].refs)
		t.shards[i].mu.Unlock()
	}
	return n
}

// writerTable records the start time of every open backup session.
type writerTable struct {
	mu      sync.Mutex
	writers map[uuid.UUID]time.Time
}

func newWriterTable() *writerTable {
	return &writerTable{writers: make(map[uuid.UUID]time.Time)}
}

func (t *writerTable) Register(id uuid.UUID, started time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writers[id] = started
}

func (t *writerTable) Unregister(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.writers, id)
}

// Oldest returns the start time of the oldest open session.
func (t *writerTable) Oldest() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var oldest time.Time
	found := false
	for _, started := range t.writers {
		if !found || started.Before(oldest) {
			oldest = started
			found = true
		}
	}
	return oldest, found
}

func (t *writerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writers)
}
