package index

import (
	"fmt"

	"github.com/PlakarLabs/backupstore/hashing"
)

// FixedWriter builds an index of equally sized chunks, as produced when
// backing up block devices. Only the final chunk may be shorter.
type FixedWriter struct {
	w     *writer
	short bool
}

func NewFixedWriter(path string, chunkSize uint64) (*FixedWriter, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("%w: fixed index requires a chunk size", ErrChunkSize)
	}
	w, err := newWriter(path, MagicFixed, chunkSize)
	if err != nil {
		return nil, err
	}
	return &FixedWriter{w: w}, nil
}

func (f *FixedWriter) ChunkSize() uint64 {
	return f.w.hdr.chunkSize
}

// Add records the chunk covering [offset, offset+size). Chunks must be
// added in order with no gap.
func (f *FixedWriter) Add(offset uint64, size uint64, digest hashing.Digest) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()

	if err := f.w.checkOpen(); err != nil {
		return err
	}
	if offset != f.w.end {
		return fmt.Errorf("%w: chunk at offset %d, expected %d", ErrOutOfOrder, offset, f.w.end)
	}
	if f.short {
		return fmt.Errorf("%w: chunk added after the final short chunk", ErrChunkSize)
	}
	if size == 0 || size > f.w.hdr.chunkSize {
		return fmt.Errorf("%w: %d for chunk size %d", ErrChunkSize, size, f.w.hdr.chunkSize)
	}
	if offset%f.w.hdr.chunkSize != 0 {
		return fmt.Errorf("%w: offset %d is not aligned", ErrOutOfOrder, offset)
	}

	if err := f.w.add(digest, size); err != nil {
		return err
	}
	f.w.end += size
	if size < f.w.hdr.chunkSize {
		f.short = true
	}
	return nil
}

func (f *FixedWriter) Append(digest hashing.Digest, size uint64) error {
	f.w.mu.Lock()
	offset := f.w.end
	f.w.mu.Unlock()
	return f.Add(offset, size, digest)
}

func (f *FixedWriter) Size() uint64 {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	return f.w.end
}

func (f *FixedWriter) Close() (Result, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	return f.w.close()
}

func (f *FixedWriter) Abort() error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	return f.w.abort()
}
