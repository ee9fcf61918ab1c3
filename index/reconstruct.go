package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"
)

// ChunkSource is where reconstruction fetches chunk content from.
type ChunkSource interface {
	Read(digest hashing.Digest) ([]byte, error)
}

var (
	ErrChunkMissing = fmt.Errorf("chunk missing: %w", errs.ErrNotFound)
	ErrChunkCorrupt = fmt.Errorf("chunk corrupt: %w", errs.ErrCorrupt)
)

// ChunkError reports which chunk made a reconstruction fail.
type ChunkError struct {
	Digest hashing.Digest
	Offset uint64
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %s at offset %d: %v", e.Digest, e.Offset, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// ReadChunk reads the chunk of e without checking its length. Failures
// are reported as *ChunkError.
func ReadChunk(src ChunkSource, e Entry) ([]byte, error) {
	data, err := src.Read(e.Digest)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrNotFound):
			err = fmt.Errorf("%w: %v", ErrChunkMissing, err)
		case errors.Is(err, errs.ErrCorrupt):
			err = fmt.Errorf("%w: %v", ErrChunkCorrupt, err)
		}
		return nil, &ChunkError{Digest: e.Digest, Offset: e.Offset, Err: err}
	}
	return data, nil
}

// SizeMismatch is the error of an entry whose chunk holds size bytes.
func SizeMismatch(e Entry, size uint64) error {
	return &ChunkError{
		Digest: e.Digest,
		Offset: e.Offset,
		Err:    fmt.Errorf("%w: got %d bytes, index expects %d", ErrChunkCorrupt, size, e.Size),
	}
}

// FetchChunk reads the chunk of e and checks its length against the
// index.
func FetchChunk(src ChunkSource, e Entry) ([]byte, error) {
	data, err := ReadChunk(src, e)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != e.Size {
		return nil, SizeMismatch(e, uint64(len(data)))
	}
	return data, nil
}

// Reconstruct writes the archive described by idx to w, chunk by chunk.
func Reconstruct(ctx context.Context, idx *Index, src ChunkSource, w io.Writer) (int64, error) {
	written := int64(0)
	it := idx.Iter()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		data, err := FetchChunk(src, it.Entry())
		if err != nil {
			return written, err
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Reader gives random access to the archive described by an index. The
// most recently used chunk is cached.
type Reader struct {
	idx    *Index
	src    ChunkSource
	offset int64

	mu       sync.Mutex
	cachePos int
	cache    []byte
}

var (
	_ io.ReaderAt   = (*Reader)(nil)
	_ io.ReadSeeker = (*Reader)(nil)
)

func NewReader(idx *Index, src ChunkSource) *Reader {
	return &Reader{idx: idx, src: src, cachePos: -1}
}

func (r *Reader) Size() int64 {
	return int64(r.idx.Size())
}

func (r *Reader) chunk(pos int, e Entry) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cachePos == pos {
		return r.cache, nil
	}
	data, err := FetchChunk(r.src, e)
	if err != nil {
		return nil, err
	}
	r.cachePos, r.cache = pos, data
	return data, nil
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	n := 0
	for n < len(p) {
		pos, e, inner, err := r.idx.Lookup(uint64(off) + uint64(n))
		if err != nil {
			return n, err
		}
		data, err := r.chunk(pos, e)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], data[inner:])
	}
	return n, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.offset >= r.Size() {
		return 0, io.EOF
	}
	remaining := r.Size() - r.offset
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.ReadAt(p, r.offset)
	r.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.Size() + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative position %d", abs)
	}
	r.offset = abs
	return abs, nil
}
