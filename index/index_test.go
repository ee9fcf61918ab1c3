package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"
)

type mapSource map[hashing.Digest][]byte

func (m mapSource) Read(digest hashing.Digest) ([]byte, error) {
	data, ok := m[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, digest)
	}
	return data, nil
}

func chunksOf(data []byte, sizes ...int) [][]byte {
	ret := make([][]byte, 0, len(sizes))
	off := 0
	for _, size := range sizes {
		ret = append(ret, data[off:off+size])
		off += size
	}
	return ret
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(buf)
	return buf
}

func writeDynamic(t *testing.T, path string, chunks [][]byte, src mapSource) Result {
	t.Helper()
	w, err := NewDynamicWriter(path)
	if err != nil {
		t.Fatalf("NewDynamicWriter failed: %v", err)
	}
	for _, chunk := range chunks {
		digest := hashing.Sum256(chunk)
		src[digest] = chunk
		if err := w.Append(digest, uint64(len(chunk))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	res, err := w.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return res
}

func TestDynamicRoundTrip(t *testing.T) {
	data := randomBytes(10000)
	chunks := chunksOf(data, 1000, 3000, 17, 5983)
	src := mapSource{}
	path := filepath.Join(t.TempDir(), "archive.didx")

	res := writeDynamic(t, path, chunks, src)
	if res.Count != 4 || res.Size != uint64(len(data)) || res.Kind != Dynamic {
		t.Fatalf("unexpected result %+v", res)
	}

	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if idx.Checksum() != res.Checksum {
		t.Errorf("checksum mismatch between writer and reader")
	}
	if idx.UUID() != res.UUID {
		t.Errorf("uuid mismatch between writer and reader")
	}

	var out bytes.Buffer
	n, err := Reconstruct(context.Background(), idx, src, &out)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if n != int64(len(data)) || !bytes.Equal(out.Bytes(), data) {
		t.Errorf("reconstructed data differs from original")
	}

	e := idx.Entry(2)
	if e.Offset != 4000 || e.Size != 17 {
		t.Errorf("unexpected entry 2: %+v", e)
	}

	digests := idx.Digests()
	if len(digests) != len(chunks) {
		t.Fatalf("Digests returned %d entries, want %d", len(digests), len(chunks))
	}
	for i, chunk := range chunks {
		if digests[i] != hashing.Sum256(chunk) {
			t.Errorf("digest %d does not match chunk", i)
		}
	}
}

func TestFixedRoundTrip(t *testing.T) {
	data := randomBytes(4096*3 + 100)
	path := filepath.Join(t.TempDir(), "disk.fidx")
	src := mapSource{}

	w, err := NewFixedWriter(path, 4096)
	if err != nil {
		t.Fatalf("NewFixedWriter failed: %v", err)
	}
	for _, chunk := range chunksOf(data, 4096, 4096, 4096, 100) {
		digest := hashing.Sum256(chunk)
		src[digest] = chunk
		if err := w.Append(digest, uint64(len(chunk))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if idx.Kind() != Fixed || idx.ChunkSize() != 4096 || idx.Count() != 4 {
		t.Fatalf("unexpected index: kind=%s chunk=%d count=%d", idx.Kind(), idx.ChunkSize(), idx.Count())
	}

	r := NewReader(idx, src)
	all, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(all, data) {
		t.Errorf("reader output differs from original")
	}

	buf := make([]byte, 200)
	if _, err := r.ReadAt(buf, 4000); err != nil {
		t.Fatalf("ReadAt across chunks failed: %v", err)
	}
	if !bytes.Equal(buf, data[4000:4200]) {
		t.Errorf("ReadAt returned wrong bytes")
	}

	if _, err := r.Seek(-150, io.SeekEnd); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	tail, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll after Seek failed: %v", err)
	}
	if !bytes.Equal(tail, data[len(data)-150:]) {
		t.Errorf("read after Seek returned wrong bytes")
	}
}

func TestFixedWriterRules(t *testing.T) {
	dir := t.TempDir()
	d := hashing.Sum256([]byte("x"))

	w, err := NewFixedWriter(filepath.Join(dir, "a.fidx"), 1024)
	if err != nil {
		t.Fatalf("NewFixedWriter failed: %v", err)
	}
	defer w.Abort()

	if err := w.Add(1024, 1024, d); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder for gap, got %v", err)
	}
	if err := w.Add(0, 2048, d); !errors.Is(err, ErrChunkSize) {
		t.Errorf("expected ErrChunkSize for oversized chunk, got %v", err)
	}
	if err := w.Add(0, 1024, d); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := w.Add(1024, 10, d); err != nil {
		t.Fatalf("Add short chunk failed: %v", err)
	}
	if err := w.Add(1034, 10, d); err == nil {
		t.Errorf("expected error when adding after the short chunk")
	}

	if _, err := NewFixedWriter(filepath.Join(dir, "b.fidx"), 0); !errors.Is(err, ErrChunkSize) {
		t.Errorf("expected ErrChunkSize for zero chunk size, got %v", err)
	}
}

func TestDynamicOutOfOrder(t *testing.T) {
	w, err := NewDynamicWriter(filepath.Join(t.TempDir(), "a.didx"))
	if err != nil {
		t.Fatalf("NewDynamicWriter failed: %v", err)
	}
	d := hashing.Sum256([]byte("x"))

	if err := w.Add(100, d); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := w.Add(100, d); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder for equal offset, got %v", err)
	}
	if err := w.Add(50, d); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder for decreasing offset, got %v", err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Add(200, d); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	data := randomBytes(600)
	src := mapSource{}
	path := filepath.Join(t.TempDir(), "a.didx")
	writeDynamic(t, path, chunksOf(data, 100, 200, 300), src)

	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tests := []struct {
		offset uint64
		pos    int
		inner  uint64
	}{
		{0, 0, 0},
		{99, 0, 99},
		{100, 1, 0},
		{299, 1, 199},
		{300, 2, 0},
		{599, 2, 299},
	}
	for _, tt := range tests {
		pos, _, inner, err := idx.Lookup(tt.offset)
		if err != nil {
			t.Fatalf("Lookup(%d) failed: %v", tt.offset, err)
		}
		if pos != tt.pos || inner != tt.inner {
			t.Errorf("Lookup(%d) = %d/%d, want %d/%d", tt.offset, pos, inner, tt.pos, tt.inner)
		}
	}
	if _, _, _, err := idx.Lookup(600); err != io.EOF {
		t.Errorf("expected io.EOF past the end, got %v", err)
	}
}

func TestIteratorRestart(t *testing.T) {
	src := mapSource{}
	path := filepath.Join(t.TempDir(), "a.didx")
	writeDynamic(t, path, chunksOf(randomBytes(30), 10, 10, 10), src)
	idx, _ := Open(path)

	it := idx.Iter()
	count := 0
	for it.Next() {
		count++
	}
	if count != 3 || it.Next() {
		t.Fatalf("unexpected iteration count %d", count)
	}
	it.Reset()
	if !it.Next() || it.Entry().Offset != 0 {
		t.Errorf("Reset did not restart iteration")
	}
}

func TestCorruptIndex(t *testing.T) {
	src := mapSource{}
	path := filepath.Join(t.TempDir(), "a.didx")
	writeDynamic(t, path, chunksOf(randomBytes(300), 100, 200), src)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	tests := map[string][]byte{
		"entry flip":   func() []byte { b := bytes.Clone(raw); b[HeaderSize+5] ^= 0x01; return b }(),
		"header flip":  func() []byte { b := bytes.Clone(raw); b[50] ^= 0x01; return b }(),
		"truncated":    raw[:len(raw)-1],
		"bad magic":    func() []byte { b := bytes.Clone(raw); b[0] = 'Z'; return b }(),
		"trailer flip": func() []byte { b := bytes.Clone(raw); b[len(b)-1] ^= 0x01; return b }(),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(data); !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}

	if _, err := Open(filepath.Join(t.TempDir(), "missing.didx")); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing file, got %v", err)
	}
}

func TestReconstructMissingChunk(t *testing.T) {
	src := mapSource{}
	chunks := chunksOf(randomBytes(300), 100, 200)
	path := filepath.Join(t.TempDir(), "a.didx")
	writeDynamic(t, path, chunks, src)
	idx, _ := Open(path)

	missing := hashing.Sum256(chunks[1])
	delete(src, missing)

	_, err := Reconstruct(context.Background(), idx, src, io.Discard)
	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected ChunkError, got %v", err)
	}
	if chunkErr.Digest != missing || chunkErr.Offset != 100 {
		t.Errorf("unexpected chunk error %+v", chunkErr)
	}
	if !errors.Is(err, ErrChunkMissing) || !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrChunkMissing, got %v", err)
	}

	src[missing] = []byte("wrong length")
	_, err = Reconstruct(context.Background(), idx, src, io.Discard)
	if !errors.Is(err, ErrChunkCorrupt) {
		t.Errorf("expected ErrChunkCorrupt, got %v", err)
	}
}

func TestEmptyIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.didx")
	writeDynamic(t, path, nil, mapSource{})
	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if idx.Count() != 0 || idx.Size() != 0 {
		t.Errorf("unexpected empty index count=%d size=%d", idx.Count(), idx.Size())
	}
	if kind, ok := KindOf("disk.fidx"); !ok || kind != Fixed {
		t.Errorf("KindOf(.fidx) = %s, %v", kind, ok)
	}
	if _, ok := KindOf("notes.txt"); ok {
		t.Errorf("KindOf accepted .txt")
	}
}
