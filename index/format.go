// Package index implements the fixed and dynamic chunk index files that
// describe how a backup archive is rebuilt from stored chunks.
//
// Both formats share a 64 byte header, a run of 40 byte entries and a 32
// byte trailer. All integers are little endian.
//
//	header:  magic[8] uuid[16] ctime(i64) chunksize(u64) count(u64) size(u64) reserved(u64)
//	entry:   digest[32] value(u64)
//	trailer: sha256(header || sha256(entries))
//
// For fixed indexes value is the chunk size and chunksize is the nominal
// size of every chunk but the last. For dynamic indexes value is the
// cumulative end offset of the chunk and chunksize is zero.
package index

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"
	"github.com/google/uuid"
)

const (
	HeaderSize  = 64
	EntrySize   = hashing.DigestSize + 8
	TrailerSize = sha256.Size
)

var (
	MagicFixed   = [8]byte{'B', 'S', 'F', 'I', 'D', 'X', '0', '1'}
	MagicDynamic = [8]byte{'B', 'S', 'D', 'I', 'D', 'X', '0', '1'}
)

var (
	ErrCorrupt    = errs.ErrCorrupt
	ErrOutOfOrder = errs.ErrOutOfOrder
	ErrChunkSize  = errors.New("invalid chunk size")
	ErrClosed     = errors.New("index writer is closed")
)

type Kind int

const (
	Fixed Kind = iota + 1
	Dynamic
)

func (k Kind) String() string {
	switch k {
	case Fixed:
		return "fixed"
	case Dynamic:
		return "dynamic"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Extension() string {
	switch k {
	case Fixed:
		return ".fidx"
	case Dynamic:
		return ".didx"
	}
	return ""
}

// KindOf returns the index kind selected by a file name extension.
func KindOf(name string) (Kind, bool) {
	switch filepath.Ext(name) {
	case ".fidx":
		return Fixed, true
	case ".didx":
		return Dynamic, true
	}
	return 0, false
}

type header struct {
	magic     [8]byte
	uuid      uuid.UUID
	ctime     time.Time
	chunkSize uint64
	count     uint64
	size      uint64
}

func (h *header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], h.magic[:])
	copy(buf[8:24], h.uuid[:])
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.ctime.Unix()))
	binary.LittleEndian.PutUint64(buf[32:40], h.chunkSize)
	binary.LittleEndian.PutUint64(buf[40:48], h.count)
	binary.LittleEndian.PutUint64(buf[48:56], h.size)
	return buf
}

func decodeHeader(buf []byte) header {
	var h header
	copy(h.magic[:], buf[0:8])
	copy(h.uuid[:], buf[8:24])
	h.ctime = time.Unix(int64(binary.LittleEndian.Uint64(buf[24:32])), 0).UTC()
	h.chunkSize = binary.LittleEndian.Uint64(buf[32:40])
	h.count = binary.LittleEndian.Uint64(buf[40:48])
	h.size = binary.LittleEndian.Uint64(buf[48:56])
	return h
}

func trailer(headerBytes []byte, entriesSum []byte) [32]byte {
	h := sha256.New()
	h.Write(headerBytes)
	h.Write(entriesSum)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Entry locates one chunk inside the archive.
type Entry struct {
	Digest hashing.Digest
	Offset uint64
	Size   uint64
}

func (e Entry) End() uint64 {
	return e.Offset + e.Size
}
