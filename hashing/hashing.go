package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

const (
	ModeSHA256     = "sha256"
	ModeHMACSHA256 = "hmac-sha256"
)

func DefaultAlgorithm() string {
	return ModeSHA256
}

// Hasher computes chunk digests. Plain stores address chunks by the
// SHA-256 of their content, encrypted stores by an HMAC keyed with a
// secret derived from the datastore key so digests leak nothing about
// the plaintext.
type Hasher struct {
	mode string
	key  []byte
}

func NewHasher(mode string, key []byte) (*Hasher, error) {
	switch mode {
	case ModeSHA256:
		return &Hasher{mode: mode}, nil
	case ModeHMACSHA256:
		if len(key) == 0 {
			return nil, fmt.Errorf("digest mode %q requires a key", mode)
		}
		return &Hasher{mode: mode, key: append([]byte(nil), key...)}, nil
	default:
		return nil, fmt.Errorf("unsupported digest mode %q", mode)
	}
}

func (h *Hasher) Mode() string {
	return h.mode
}

func (h *Hasher) New() hash.Hash {
	if h.mode == ModeHMACSHA256 {
		return hmac.New(sha256.New, h.key)
	}
	return sha256.New()
}

func (h *Hasher) Sum(data []byte) Digest {
	if h.mode == ModeSHA256 {
		return sha256.Sum256(data)
	}
	hs := h.New()
	hs.Write(data)
	var d Digest
	copy(d[:], hs.Sum(nil))
	return d
}

// Verify reports whether digest addresses data under this hasher.
func (h *Hasher) Verify(digest Digest, data []byte) bool {
	computed := h.Sum(data)
	return hmac.Equal(computed[:], digest[:])
}

func sumHex(b []byte) string {
	return hex.EncodeToString(b)
}
