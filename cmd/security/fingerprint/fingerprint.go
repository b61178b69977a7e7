package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Size is the hex length of every digest returned by this package.
const Size = blake2b.Size256 * 2

// Fields returns the hex BLAKE2b-256 digest of the given fields.
// Each field is written as an 8-byte big-endian length followed by its bytes.
func Fields(fields ...string) string {
	h, _ := blake2b.New256(nil) // nil key never fails
	var n [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Keyed is like Fields but mixes in a secret key (up to 64 bytes).
// Use it when digests leave the process, so stored keys cannot be matched against guessed content.
func Keyed(key []byte, fields ...string) (string, error) {
	if len(key) == 0 {
		return Fields(fields...), nil
	}
	if len(key) > blake2b.Size {
		return "", ErrKeyTooLong
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return "", err
	}
	var n [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Valid reports whether s looks like a digest produced by this package.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	_, err := hex.DecodeString(strings.ToLower(s))
	return err == nil
}
