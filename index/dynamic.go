package index

import (
	"fmt"

	"github.com/PlakarLabs/backupstore/hashing"
)

// DynamicWriter builds an index of variable sized, content defined
// chunks. Each entry stores the end offset of its chunk.
type DynamicWriter struct {
	w *writer
}

func NewDynamicWriter(path string) (*DynamicWriter, error) {
	w, err := newWriter(path, MagicDynamic, 0)
	if err != nil {
		return nil, err
	}
	return &DynamicWriter{w: w}, nil
}

// Add records a chunk ending at end. End offsets must strictly increase.
func (d *DynamicWriter) Add(end uint64, digest hashing.Digest) error {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()

	if err := d.w.checkOpen(); err != nil {
		return err
	}
	if end <= d.w.end {
		return fmt.Errorf("%w: end offset %d not after %d", ErrOutOfOrder, end, d.w.end)
	}
	if err := d.w.add(digest, end); err != nil {
		return err
	}
	d.w.end = end
	return nil
}

func (d *DynamicWriter) Append(digest hashing.Digest, size uint64) error {
	d.w.mu.Lock()
	end := d.w.end + size
	d.w.mu.Unlock()
	return d.Add(end, digest)
}

func (d *DynamicWriter) Size() uint64 {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	return d.w.end
}

func (d *DynamicWriter) Close() (Result, error) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	return d.w.close()
}

func (d *DynamicWriter) Abort() error {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	return d.w.abort()
}
