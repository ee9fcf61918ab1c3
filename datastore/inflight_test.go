package datastore

import (
	"sync"
	"testing"
	"time"

	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/google/uuid"
)

func TestInflightRefcount(t *testing.T) {
	table := newInflightTable()
	digest := hashing.Sum256([]byte("chunk"))

	table.Acquire(digest)
	table.Acquire(digest)
	table.Release(digest)
	if !table.Contains(digest) {
		t.Fatalf("digest released while still referenced")
	}

	ran, err := table.WithIdle(digest, func() error { return nil })
	if err != nil || ran {
		t.Fatalf("WithIdle ran for an in-flight digest")
	}

	table.Release(digest)
	if table.Contains(digest) || table.Len() != 0 {
		t.Fatalf("digest still in flight after last release")
	}
	ran, err = table.WithIdle(digest, func() error { return nil })
	if err != nil || !ran {
		t.Fatalf("WithIdle did not run for an idle digest")
	}
}

func TestInflightConcurrent(t *testing.T) {
	table := newInflightTable()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			digest := hashing.Sum256([]byte{byte(i % 4)})
			for j := 0; j < 100; j++ {
				table.Acquire(digest)
				table.Release(digest)
			}
		}(i)
	}
	wg.Wait()
	if table.Len() != 0 {
		t.Fatalf("unexpected %d digests left in flight", table.Len())
	}
}

func TestWriterTable(t *testing.T) {
	table := newWriterTable()
	if _, ok := table.Oldest(); ok {
		t.Fatalf("empty table reported a writer")
	}

	now := time.Now()
	first, second := uuid.New(), uuid.New()
	table.Register(first, now)
	table.Register(second, now.Add(-time.Hour))

	oldest, ok := table.Oldest()
	if !ok || !oldest.Equal(now.Add(-time.Hour)) {
		t.Fatalf("Oldest = %v, %v", oldest, ok)
	}

	table.Unregister(second)
	oldest, _ = table.Oldest()
	if !oldest.Equal(now) {
		t.Fatalf("Oldest after unregister = %v", oldest)
	}
}
