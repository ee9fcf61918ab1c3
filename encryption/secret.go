package encryption

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize    = 32
	saltSize   = 16
	iterations = 4096
)

var ErrPassphrase = errors.New("passphrase does not match")

// BuildSecretFromPassphrase returns the salted check value stored in the
// datastore configuration. It lets DeriveSecret recognize a wrong
// passphrase without ever storing the key itself.
func BuildSecretFromPassphrase(passphrase []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	dk := pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New)
	secret := sha256.Sum256(dk)
	return base64.StdEncoding.EncodeToString(append(salt, secret[:]...)), nil
}

func DeriveSecret(passphrase []byte, secret string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, err
	}
	if len(decoded) != saltSize+sha256.Size {
		return nil, fmt.Errorf("invalid secret length %d", len(decoded))
	}

	salt, sum := decoded[:saltSize], decoded[saltSize:]
	dk := pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New)
	dksum := sha256.Sum256(dk)
	if !bytes.Equal(dksum[:], sum) {
		return nil, ErrPassphrase
	}
	return dk, nil
}

// Fingerprint identifies a key without revealing it. It is recorded in
// manifests so that a snapshot can be matched against the key that
// encrypted its chunks.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(append([]byte("fingerprint:"), key...))
	var b bytes.Buffer
	for i, c := range sum[:8] {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}

// DigestKey derives the HMAC key used to address chunks of an encrypted
// datastore.
func DigestKey(key []byte) []byte {
	return pbkdf2.Key(key, []byte("chunk-digest"), 1, KeySize, sha256.New)
}
