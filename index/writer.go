package index

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"os"
	"sync"
	"time"

	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/google/uuid"
)

// Result describes a sealed index file.
type Result struct {
	Path     string
	Kind     Kind
	UUID     uuid.UUID
	Count    uint64
	Size     uint64
	Checksum [32]byte
}

type writer struct {
	mu       sync.Mutex
	path     string
	fp       *os.File
	bw       *bufio.Writer
	entries  hash.Hash
	hdr      header
	end      uint64
	closed   bool
	entryBuf [EntrySize]byte
}

func newWriter(path string, magic [8]byte, chunkSize uint64) (*writer, error) {
	fp, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}

	w := &writer{
		path:    path,
		fp:      fp,
		bw:      bufio.NewWriterSize(fp, 64*1024),
		entries: sha256.New(),
		hdr: header{
			magic:     magic,
			uuid:      uuid.New(),
			ctime:     time.Now().UTC(),
			chunkSize: chunkSize,
		},
	}

	// placeholder, rewritten once the index is sealed
	if _, err := w.bw.Write(make([]byte, HeaderSize)); err != nil {
		fp.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *writer) add(digest hashing.Digest, value uint64) error {
	copy(w.entryBuf[:hashing.DigestSize], digest[:])
	binary.LittleEndian.PutUint64(w.entryBuf[hashing.DigestSize:], value)
	if _, err := w.bw.Write(w.entryBuf[:]); err != nil {
		return err
	}
	w.entries.Write(w.entryBuf[:])
	w.hdr.count++
	return nil
}

func (w *writer) close() (Result, error) {
	if w.closed {
		return Result{}, ErrClosed
	}
	w.closed = true

	fail := func(err error) (Result, error) {
		w.fp.Close()
		os.Remove(w.path)
		return Result{}, err
	}

	w.hdr.size = w.end
	headerBytes := w.hdr.encode()
	sum := trailer(headerBytes, w.entries.Sum(nil))

	if _, err := w.bw.Write(sum[:]); err != nil {
		return fail(err)
	}
	if err := w.bw.Flush(); err != nil {
		return fail(err)
	}
	if _, err := w.fp.WriteAt(headerBytes, 0); err != nil {
		return fail(err)
	}
	if err := w.fp.Sync(); err != nil {
		return fail(err)
	}
	if err := w.fp.Close(); err != nil {
		os.Remove(w.path)
		return Result{}, err
	}

	kind := Fixed
	if w.hdr.magic == MagicDynamic {
		kind = Dynamic
	}
	return Result{
		Path:     w.path,
		Kind:     kind,
		UUID:     w.hdr.uuid,
		Count:    w.hdr.count,
		Size:     w.end,
		Checksum: sum,
	}, nil
}

func (w *writer) abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.fp.Close()
	return os.Remove(w.path)
}

func (w *writer) checkOpen() error {
	if w.closed {
		return fmt.Errorf("%s: %w", w.path, ErrClosed)
	}
	return nil
}
