package chunkstore_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/PlakarLabs/backupstore/chunkstore"
	_ "github.com/PlakarLabs/backupstore/chunkstore/fs"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"
)

func newStore(t *testing.T, key []byte) *chunkstore.Store {
	t.Helper()
	backend, err := chunkstore.NewBackend("fs")
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	if err := backend.Create(filepath.Join(t.TempDir(), ".chunks")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mode := hashing.ModeSHA256
	if key != nil {
		mode = hashing.ModeHMACSHA256
	}
	hasher, err := hashing.NewHasher(mode, key)
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	return chunkstore.New(backend, hasher, chunkstore.Options{Compression: "lz4", Key: key})
}

func TestInsertIdempotent(t *testing.T) {
	store := newStore(t, nil)
	data := []byte("idempotent chunk")
	digest := hashing.Sum256(data)

	outcome, err := store.Insert(digest, data)
	if err != nil || outcome != chunkstore.Inserted {
		t.Fatalf("first Insert = %s, %v", outcome, err)
	}
	outcome, err = store.Insert(digest, data)
	if err != nil || outcome != chunkstore.DuplicateSkipped {
		t.Fatalf("second Insert = %s, %v", outcome, err)
	}

	got, err := store.Read(digest)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Read returned %q", got)
	}
}

func TestInsertDigestMismatch(t *testing.T) {
	store := newStore(t, nil)
	_, err := store.Insert(hashing.Sum256([]byte("other")), []byte("data"))
	if !errors.Is(err, errs.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	ok, err := store.Contains(hashing.Sum256([]byte("other")))
	if err != nil || ok {
		t.Errorf("mismatched chunk was stored")
	}
}

func TestReadErrors(t *testing.T) {
	store := newStore(t, nil)
	if _, err := store.Read(hashing.Sum256([]byte("missing"))); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	data := []byte("soon to be damaged")
	digest, _, err := store.InsertData(data)
	if err != nil {
		t.Fatalf("InsertData failed: %v", err)
	}
	path := filepath.Join(store.Backend().Location(), digest.Bucket(), digest.String())
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := store.Read(digest); !errors.Is(err, errs.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestEncryptedStore(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	store := newStore(t, key)
	data := []byte("encrypted chunk content")

	digest, outcome, err := store.InsertData(data)
	if err != nil || outcome != chunkstore.Inserted {
		t.Fatalf("InsertData = %s, %v", outcome, err)
	}
	if digest == hashing.Sum256(data) {
		t.Errorf("encrypted store must not address chunks by plain sha256")
	}

	raw, err := store.Backend().Get(digest)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(raw) == string(data) {
		t.Errorf("chunk stored in clear")
	}

	got, err := store.Read(digest)
	if err != nil || string(got) != string(data) {
		t.Errorf("Read = %q, %v", got, err)
	}
}

func TestTouchMissing(t *testing.T) {
	store := newStore(t, nil)
	if err := store.Touch(hashing.Sum256([]byte("nope"))); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBackendName(t *testing.T) {
	tests := map[string]string{
		"/var/lib/backups":         "fs",
		"sqlite:///tmp/chunks.db":  "sqlite",
		"s3://key:secret@host/bkt": "s3",
	}
	for location, want := range tests {
		if got := chunkstore.BackendName(location); got != want {
			t.Errorf("BackendName(%q) = %q, want %q", location, got, want)
		}
	}
	if _, err := chunkstore.NewBackend("tape"); err == nil {
		t.Errorf("expected error for unknown backend")
	}
}
