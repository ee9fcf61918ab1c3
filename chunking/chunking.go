package chunking

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	chunkers "github.com/PlakarLabs/go-cdc-chunkers"
	_ "github.com/PlakarLabs/go-cdc-chunkers/chunkers/fastcdc"
)

func DefaultAlgorithm() string {
	return "fastcdc"
}

func DefaultConfiguration() *chunkers.ChunkerOpts {
	return &chunkers.ChunkerOpts{
		MinSize:    64 * 1024,
		NormalSize: 1 * 1024 * 1024,
		MaxSize:    4 * 1024 * 1024,
	}
}

// DefaultFixedSize is the chunk size used for fixed indexes of block
// device images.
const DefaultFixedSize = 4 * 1024 * 1024

// ChunkFunc receives each chunk with its offset in the stream. data is
// only valid for the duration of the call.
type ChunkFunc func(offset uint64, data []byte) error

// Split cuts rd into content defined chunks. Boundaries depend only on
// the bytes read, so identical content always yields identical chunks.
func Split(rd io.Reader, opts *chunkers.ChunkerOpts, fn ChunkFunc) error {
	if opts == nil {
		opts = DefaultConfiguration()
	}
	chk, err := chunkers.NewChunker(DefaultAlgorithm(), rd, opts)
	if err != nil {
		return err
	}

	offset := uint64(0)
	for {
		chunk, err := chk.Next()
		if err != nil && err != io.EOF {
			return err
		}
		if len(chunk) > 0 {
			if cerr := fn(offset, chunk); cerr != nil {
				return cerr
			}
			offset += uint64(len(chunk))
		}
		if err == io.EOF {
			return nil
		}
	}
}

// SplitFixed cuts rd into chunks of exactly size bytes, the last one
// possibly shorter.
func SplitFixed(rd io.Reader, size uint64, fn ChunkFunc) error {
	if size == 0 {
		return fmt.Errorf("invalid fixed chunk size 0")
	}
	buf := make([]byte, size)
	offset := uint64(0)
	for {
		n, err := io.ReadFull(rd, buf)
		if n > 0 {
			if cerr := fn(offset, buf[:n]); cerr != nil {
				return cerr
			}
			offset += uint64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Boundaries returns the end offset of every content defined chunk of
// data.
func Boundaries(data []byte, opts *chunkers.ChunkerOpts) ([]uint64, error) {
	ends := make([]uint64, 0)
	err := Split(bytes.NewReader(data), opts, func(offset uint64, chunk []byte) error {
		ends = append(ends, offset+uint64(len(chunk)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ends, nil
}
