package crypto

import (
	"crypto/rand"
	"io"
)

// Provider is the cryptographic capability consumed by session
// establishment. Implementations must be safe for concurrent use.
type Provider interface {
	// Random fills b with random bytes.
	Random(b []byte) error

	// GenerateEphemeralKey creates a fresh key pair for one handshake.
	GenerateEphemeralKey() (*KeyPair, error)

	// ECDH computes a shared secret.
	ECDH(kp *KeyPair, peerPublic []byte) ([]byte, error)

	// DeriveKey runs HKDF-SHA256.
	DeriveKey(secret, salt, info []byte, length int) ([]byte, error)

	// DeriveSessionKeys derives the directional keys from the shared secret
	// and the hash of the handshake transcript.
	DeriveSessionKeys(secret []byte, transcriptHash []byte) (*SessionKeys, error)

	// Seal and Open protect handshake payloads with a derived key.
	Seal(key, nonce, plaintext, aad []byte) ([]byte, error)
	Open(key, nonce, ciphertext, aad []byte) ([]byte, error)

	// Sign and Verify produce and check raw r || s P-256 signatures.
	Sign(kp *KeyPair, message []byte) ([]byte, error)
	Verify(publicKey, message, signature []byte) error
}

// StdProvider implements Provider on the standard library and
// golang.org/x/crypto.
type StdProvider struct {
	// Rand overrides the randomness source. Nil uses crypto/rand.
	Rand io.Reader
}

// NewProvider returns the default provider.
func NewProvider() *StdProvider {
	return &StdProvider{}
}

func (p *StdProvider) rand() io.Reader {
	if p.Rand != nil {
		return p.Rand
	}
	return rand.Reader
}

// Random implements Provider.
func (p *StdProvider) Random(b []byte) error {
	_, err := io.ReadFull(p.rand(), b)
	return err
}

// GenerateEphemeralKey implements Provider.
func (p *StdProvider) GenerateEphemeralKey() (*KeyPair, error) {
	return GenerateKeyPair(p.rand())
}

// ECDH implements Provider.
func (p *StdProvider) ECDH(kp *KeyPair, peerPublic []byte) ([]byte, error) {
	return ECDH(kp, peerPublic)
}

// DeriveKey implements Provider.
func (p *StdProvider) DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	return HKDFSHA256(secret, salt, info, length)
}

// DeriveSessionKeys implements Provider.
func (p *StdProvider) DeriveSessionKeys(secret []byte, transcriptHash []byte) (*SessionKeys, error) {
	material, err := HKDFSHA256(secret, transcriptHash, sessionKeysInfo, 3*KeySize)
	if err != nil {
		return nil, err
	}
	keys := &SessionKeys{}
	copy(keys.I2RKey[:], material[:KeySize])
	copy(keys.R2IKey[:], material[KeySize:2*KeySize])
	copy(keys.AttestationChallenge[:], material[2*KeySize:])
	for i := range material {
		material[i] = 0
	}
	return keys, nil
}

// Seal implements Provider.
func (p *StdProvider) Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open implements Provider.
func (p *StdProvider) Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// Sign implements Provider.
func (p *StdProvider) Sign(kp *KeyPair, message []byte) ([]byte, error) {
	return Sign(kp, message)
}

// Verify implements Provider.
func (p *StdProvider) Verify(publicKey, message, signature []byte) error {
	return Verify(publicKey, message, signature)
}
