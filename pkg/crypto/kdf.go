// Package crypto provides the primitives used by session establishment and
// secure messaging: P-256 ECDH and ECDSA, HKDF-SHA256 and a
// ChaCha20-Poly1305 session cipher. Protocol code consumes them through the
// Provider interface so tests can substitute failing or deterministic
// implementations.
package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HashSize is the SHA-256 digest size.
const HashSize = sha256.Size

// HKDFSHA256 derives length bytes from inputKey (RFC 5869).
func HKDFSHA256(inputKey, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, inputKey, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// TranscriptHash hashes the concatenation of handshake messages.
func TranscriptHash(messages ...[]byte) [HashSize]byte {
	h := sha256.New()
	for _, m := range messages {
		h.Write(m)
	}
	var out [HashSize]byte
	h.Sum(out[:0])
	return out
}
