// Package blob implements the framing used for every chunk and manifest
// written by the datastore: an 8 byte magic selecting the variant, a
// CRC32 of the payload, then the payload itself.
package blob

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/PlakarLabs/backupstore/compression"
	"github.com/PlakarLabs/backupstore/encryption"
	"github.com/PlakarLabs/backupstore/errs"
)

const HeaderSize = 12

var (
	MagicPlain               = [8]byte{'B', 'S', 'B', 'L', 'O', 'B', 'P', '1'}
	MagicCompressed          = [8]byte{'B', 'S', 'B', 'L', 'O', 'B', 'C', '1'}
	MagicEncrypted           = [8]byte{'B', 'S', 'B', 'L', 'O', 'B', 'E', '1'}
	MagicEncryptedCompressed = [8]byte{'B', 'S', 'B', 'L', 'O', 'B', 'X', '1'}
)

var ErrKeyRequired = errors.New("blob is encrypted and no key was provided")

type Options struct {
	// Compression names the method tried on the payload, "none" or
	// empty disables it. Compressed output is kept only when smaller.
	Compression string
	// Key enables AES-256-GCM encryption when set.
	Key []byte
}

func Encode(data []byte, opts Options) ([]byte, error) {
	payload := data
	compressed := false
	if opts.Compression != "" && opts.Compression != compression.None && len(data) > 0 {
		id, err := compression.ID(opts.Compression)
		if err != nil {
			return nil, err
		}
		deflated, err := compression.Deflate(opts.Compression, data)
		if err != nil {
			return nil, err
		}
		if len(deflated)+1 < len(data) {
			payload = append([]byte{id}, deflated...)
			compressed = true
		}
	}

	var magic [8]byte
	switch {
	case opts.Key != nil && compressed:
		magic = MagicEncryptedCompressed
	case opts.Key != nil:
		magic = MagicEncrypted
	case compressed:
		magic = MagicCompressed
	default:
		magic = MagicPlain
	}

	if opts.Key != nil {
		sealed, err := encryption.Encrypt(opts.Key, payload)
		if err != nil {
			return nil, err
		}
		payload = sealed
	}

	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	copy(out, magic[:])
	binary.LittleEndian.PutUint32(out[8:], crc32.ChecksumIEEE(payload))
	return append(out, payload...), nil
}

// Check validates the framing and CRC without decoding the payload.
func Check(raw []byte) error {
	_, _, err := split(raw)
	return err
}

// IsEncrypted reports whether raw holds an encrypted variant.
func IsEncrypted(raw []byte) bool {
	if len(raw) < HeaderSize {
		return false
	}
	m := [8]byte(raw[:8])
	return m == MagicEncrypted || m == MagicEncryptedCompressed
}

func Decode(raw []byte, key []byte) ([]byte, error) {
	magic, payload, err := split(raw)
	if err != nil {
		return nil, err
	}

	encrypted := magic == MagicEncrypted || magic == MagicEncryptedCompressed
	compressed := magic == MagicCompressed || magic == MagicEncryptedCompressed

	if encrypted {
		if key == nil {
			return nil, ErrKeyRequired
		}
		payload, err = encryption.Decrypt(key, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCorrupt, err)
		}
	}

	if compressed {
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: truncated compressed payload", errs.ErrCorrupt)
		}
		method, err := compression.Name(payload[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCorrupt, err)
		}
		payload, err = compression.Inflate(method, payload[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCorrupt, err)
		}
	} else if !encrypted {
		payload = bytes.Clone(payload)
	}
	return payload, nil
}

func split(raw []byte) ([8]byte, []byte, error) {
	var magic [8]byte
	if len(raw) < HeaderSize {
		return magic, nil, fmt.Errorf("%w: blob too short (%d bytes)", errs.ErrCorrupt, len(raw))
	}
	copy(magic[:], raw[:8])
	switch magic {
	case MagicPlain, MagicCompressed, MagicEncrypted, MagicEncryptedCompressed:
	default:
		return magic, nil, fmt.Errorf("%w: unknown blob magic %x", errs.ErrCorrupt, magic)
	}
	payload := raw[HeaderSize:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(raw[8:12]) {
		return magic, nil, fmt.Errorf("%w: blob crc mismatch", errs.ErrCorrupt)
	}
	return magic, payload, nil
}
