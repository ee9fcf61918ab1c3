package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/PlakarLabs/backupstore/chunkstore"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{}
	location := "sqlite://" + filepath.Join(t.TempDir(), "chunks.db")
	if err := b.Create(location); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPutGetStat(t *testing.T) {
	b := newBackend(t)
	data := []byte("row stored chunk")
	digest := hashing.Sum256(data)

	created, err := b.Put(digest, data)
	if err != nil || !created {
		t.Fatalf("Put = %v, %v", created, err)
	}
	created, err = b.Put(digest, []byte("ignored"))
	if err != nil || created {
		t.Fatalf("duplicate Put = %v, %v", created, err)
	}

	got, err := b.Get(digest)
	if err != nil || string(got) != string(data) {
		t.Fatalf("Get = %q, %v", got, err)
	}

	info, err := b.Stat(digest)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", info.Size, len(data))
	}
}

func TestTouchAndWalk(t *testing.T) {
	b := newBackend(t)
	data := []byte("aging chunk")
	digest := hashing.Sum256(data)
	if _, err := b.Put(digest, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	old := time.Now().Add(-72 * time.Hour)
	if err := b.SetAccessed(digest, old); err != nil {
		t.Fatalf("SetAccessed failed: %v", err)
	}
	info, _ := b.Stat(digest)
	if info.Accessed.After(old.Add(time.Second)) {
		t.Fatalf("access marker not updated: %s", info.Accessed)
	}

	if err := b.Touch(digest); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	info, _ = b.Stat(digest)
	if time.Since(info.Accessed) > time.Hour {
		t.Errorf("Touch did not refresh access marker")
	}

	buckets, err := b.Buckets()
	if err != nil || len(buckets) != 1 || buckets[0] != digest.Bucket() {
		t.Fatalf("Buckets = %v, %v", buckets, err)
	}

	seen := 0
	err = b.Walk(context.Background(), digest.Bucket(), func(info chunkstore.Info) error {
		seen++
		return b.Delete(info.Digest)
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if seen != 1 {
		t.Errorf("walked %d chunks, want 1", seen)
	}
	if _, err := b.Get(digest); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := b.Touch(digest); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound on touch, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	location := "sqlite://" + filepath.Join(dir, "chunks.db")

	b := &Backend{}
	if err := b.Create(location); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	b.Close()

	reopened := &Backend{}
	if err := reopened.Open(location); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	reopened.Close()

	if err := (&Backend{}).Open("/not/a/sqlite/location"); err == nil {
		t.Errorf("expected error for unsupported location")
	}
}
