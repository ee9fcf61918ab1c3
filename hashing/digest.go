package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const DigestSize = sha256.Size

// Digest is the 32-byte address of a chunk.
type Digest [DigestSize]byte

func Sum256(data []byte) Digest {
	return sha256.Sum256(data)
}

func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != DigestSize*2 {
		return d, fmt.Errorf("invalid digest length %d", len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}

func (d Digest) String() string {
	return sumHex(d[:])
}

// Bucket is the four hex character prefix used to spread chunks across
// directories.
func (d Digest) Bucket() string {
	return sumHex(d[:2])
}

// IsBucket reports whether name is a well-formed bucket name.
func IsBucket(name string) bool {
	if len(name) != 4 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}
