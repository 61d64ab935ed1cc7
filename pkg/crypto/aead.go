package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the session cipher key size.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the session cipher nonce size.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the authentication tag appended to every ciphertext.
	TagSize = chacha20poly1305.Overhead
)

// sessionKeysInfo labels the derivation of the directional session keys.
var sessionKeysInfo = []byte("SessionKeys")

// SessionKeys holds the directional keys of one secure session.
type SessionKeys struct {
	I2RKey               [KeySize]byte
	R2IKey               [KeySize]byte
	AttestationChallenge [KeySize]byte
}

// Zeroize overwrites all key material.
func (k *SessionKeys) Zeroize() {
	for i := range k.I2RKey {
		k.I2RKey[i] = 0
		k.R2IKey[i] = 0
		k.AttestationChallenge[i] = 0
	}
}

// BuildNonce lays out a message nonce: counter (LE32) || source node (LE64).
func BuildNonce(counter uint32, sourceNodeID uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.LittleEndian.PutUint32(nonce[0:4], counter)
	binary.LittleEndian.PutUint64(nonce[4:12], sourceNodeID)
	return nonce
}

// NewCipher returns a ChaCha20-Poly1305 AEAD for key.
func NewCipher(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeySize, len(key))
	}
	return chacha20poly1305.New(key)
}

// SessionContext encrypts outbound and decrypts inbound messages of one
// session. The initiator seals with I2R and opens with R2I; the responder
// does the reverse.
type SessionContext struct {
	keys SessionKeys
	seal cipher.AEAD
	open cipher.AEAD
}

// NewSessionContext builds the cipher pair for a session role.
func NewSessionContext(keys *SessionKeys, initiator bool) (*SessionContext, error) {
	sealKey, openKey := keys.I2RKey[:], keys.R2IKey[:]
	if !initiator {
		sealKey, openKey = openKey, sealKey
	}
	seal, err := NewCipher(sealKey)
	if err != nil {
		return nil, err
	}
	open, err := NewCipher(openKey)
	if err != nil {
		return nil, err
	}
	return &SessionContext{keys: *keys, seal: seal, open: open}, nil
}

// Seal encrypts plaintext and appends it to dst.
func (c *SessionContext) Seal(dst, nonce, plaintext, aad []byte) []byte {
	return c.seal.Seal(dst, nonce, plaintext, aad)
}

// Open authenticates and decrypts ciphertext, appending to dst.
func (c *SessionContext) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	out, err := c.open.Open(dst, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// AttestationChallenge returns the session's attestation challenge.
func (c *SessionContext) AttestationChallenge() []byte {
	out := make([]byte, KeySize)
	copy(out, c.keys.AttestationChallenge[:])
	return out
}

// Zeroize discards the key material. The context must not be used after.
func (c *SessionContext) Zeroize() {
	c.keys.Zeroize()
	c.seal = nil
	c.open = nil
}
