package index

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"sort"
	"time"

	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/google/uuid"
)

// Index is a validated, read-only view of an index file.
type Index struct {
	hdr      header
	kind     Kind
	entries  []byte
	count    int
	checksum [32]byte
}

func Open(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", errs.ErrNotFound, err)
		}
		return nil, errs.IO("read index", err)
	}
	idx, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return idx, nil
}

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// Parse validates data as an index file. Any structural problem or
// checksum mismatch is reported as ErrCorrupt.
func Parse(data []byte) (*Index, error) {
	if len(data) < HeaderSize+TrailerSize {
		return nil, corrupt("index too short (%d bytes)", len(data))
	}
	body := len(data) - HeaderSize - TrailerSize
	if body%EntrySize != 0 {
		return nil, corrupt("index entry region has invalid length %d", body)
	}

	hdr := decodeHeader(data[:HeaderSize])
	var kind Kind
	switch hdr.magic {
	case MagicFixed:
		kind = Fixed
	case MagicDynamic:
		kind = Dynamic
	default:
		return nil, corrupt("unknown index magic %x", hdr.magic)
	}

	count := body / EntrySize
	if hdr.count != uint64(count) {
		return nil, corrupt("header announces %d entries, found %d", hdr.count, count)
	}

	entries := data[HeaderSize : HeaderSize+body]
	entriesSum := sha256.Sum256(entries)
	sum := trailer(data[:HeaderSize], entriesSum[:])
	if !bytes.Equal(sum[:], data[HeaderSize+body:]) {
		return nil, corrupt("index checksum mismatch")
	}

	idx := &Index{
		hdr:      hdr,
		kind:     kind,
		entries:  entries,
		count:    count,
		checksum: sum,
	}
	if err := idx.validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) value(i int) uint64 {
	return binary.LittleEndian.Uint64(idx.entries[i*EntrySize+hashing.DigestSize : (i+1)*EntrySize])
}

func (idx *Index) validate() error {
	switch idx.kind {
	case Fixed:
		if idx.hdr.chunkSize == 0 {
			return corrupt("fixed index with zero chunk size")
		}
		total := uint64(0)
		for i := 0; i < idx.count; i++ {
			size := idx.value(i)
			if size == 0 || size > idx.hdr.chunkSize || (i < idx.count-1 && size != idx.hdr.chunkSize) {
				return corrupt("fixed index entry %d has invalid size %d", i, size)
			}
			total += size
		}
		if total != idx.hdr.size {
			return corrupt("fixed index covers %d bytes, header says %d", total, idx.hdr.size)
		}
	case Dynamic:
		if idx.hdr.chunkSize != 0 {
			return corrupt("dynamic index with chunk size %d", idx.hdr.chunkSize)
		}
		prev := uint64(0)
		for i := 0; i < idx.count; i++ {
			end := idx.value(i)
			if end <= prev {
				return corrupt("dynamic index entry %d out of order", i)
			}
			prev = end
		}
		if prev != idx.hdr.size {
			return corrupt("dynamic index covers %d bytes, header says %d", prev, idx.hdr.size)
		}
	}
	return nil
}

func (idx *Index) Kind() Kind {
	return idx.kind
}

func (idx *Index) UUID() uuid.UUID {
	return idx.hdr.uuid
}

func (idx *Index) CTime() time.Time {
	return idx.hdr.ctime
}

// ChunkSize is the nominal chunk size of a fixed index, zero for dynamic.
func (idx *Index) ChunkSize() uint64 {
	return idx.hdr.chunkSize
}

func (idx *Index) Count() int {
	return idx.count
}

// Size is the length of the archive described by the index.
func (idx *Index) Size() uint64 {
	return idx.hdr.size
}

func (idx *Index) Checksum() [32]byte {
	return idx.checksum
}

// Entry returns the i-th chunk. It panics if i is out of range.
func (idx *Index) Entry(i int) Entry {
	if i < 0 || i >= idx.count {
		panic(fmt.Sprintf("index: entry %d out of range [0,%d)", i, idx.count))
	}
	var e Entry
	copy(e.Digest[:], idx.entries[i*EntrySize:i*EntrySize+hashing.DigestSize])
	v := idx.value(i)
	switch idx.kind {
	case Fixed:
		e.Offset = uint64(i) * idx.hdr.chunkSize
		e.Size = v
	case Dynamic:
		if i > 0 {
			e.Offset = idx.value(i - 1)
		}
		e.Size = v - e.Offset
	}
	return e
}

// Lookup finds the chunk containing offset and returns its position,
// the entry and the offset within that chunk.
func (idx *Index) Lookup(offset uint64) (int, Entry, uint64, error) {
	if offset >= idx.hdr.size {
		return -1, Entry{}, 0, io.EOF
	}

	var pos int
	switch idx.kind {
	case Fixed:
		pos = int(offset / idx.hdr.chunkSize)
	case Dynamic:
		pos = sort.Search(idx.count, func(i int) bool {
			return idx.value(i) > offset
		})
	}
	e := idx.Entry(pos)
	return pos, e, offset - e.Offset, nil
}

// Iterator walks the entries of an index in order. A new iterator, or
// Reset, starts again from the first entry.
type Iterator struct {
	idx *Index
	pos int
	cur Entry
}

func (idx *Index) Iter() *Iterator {
	return &Iterator{idx: idx, pos: -1}
}

func (it *Iterator) Next() bool {
	if it.pos+1 >= it.idx.count {
		it.pos = it.idx.count
		return false
	}
	it.pos++
	it.cur = it.idx.Entry(it.pos)
	return true
}

func (it *Iterator) Entry() Entry {
	return it.cur
}

func (it *Iterator) Position() int {
	return it.pos
}

func (it *Iterator) Reset() {
	it.pos = -1
	it.cur = Entry{}
}

// Digests returns the digest of every entry, in index order. A chunk
// referenced more than once appears more than once.
func (idx *Index) Digests() []hashing.Digest {
	ret := make([]hashing.Digest, idx.count)
	for i := range ret {
		copy(ret[i][:], idx.entries[i*EntrySize:i*EntrySize+hashing.DigestSize])
	}
	return ret
}
