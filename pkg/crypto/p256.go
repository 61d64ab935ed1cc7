package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
)

const (
	// GroupSize is the P-256 scalar size in bytes.
	GroupSize = 32

	// PublicKeySize is the uncompressed P-256 point size (0x04 || X || Y).
	PublicKeySize = 65

	// SignatureSize is the raw r || s signature size.
	SignatureSize = 64
)

// KeyPair is a P-256 key usable for both ECDH and ECDSA.
type KeyPair struct {
	ecdh  *ecdh.PrivateKey
	ecdsa *ecdsa.PrivateKey
}

// GenerateKeyPair creates a fresh P-256 key pair from r, or crypto/rand
// when r is nil.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := ecdh.P256().GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generating P-256 key: %w", err)
	}
	return newKeyPair(priv)
}

// KeyPairFromPrivateKey rebuilds a key pair from a 32-byte scalar.
func KeyPairFromPrivateKey(scalar []byte) (*KeyPair, error) {
	if len(scalar) != GroupSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPrivateKey, len(scalar))
	}
	priv, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return newKeyPair(priv)
}

func newKeyPair(priv *ecdh.PrivateKey) (*KeyPair, error) {
	pub := priv.PublicKey().Bytes()
	if len(pub) != PublicKeySize || pub[0] != 0x04 {
		return nil, ErrInvalidPublicKey
	}
	signer := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:65]),
		},
		D: new(big.Int).SetBytes(priv.Bytes()),
	}
	return &KeyPair{ecdh: priv, ecdsa: signer}, nil
}

// PublicKey returns the uncompressed public key.
func (kp *KeyPair) PublicKey() []byte {
	return kp.ecdh.PublicKey().Bytes()
}

// PrivateKey returns the 32-byte private scalar.
func (kp *KeyPair) PrivateKey() []byte {
	return kp.ecdh.Bytes()
}

// ECDH computes the shared secret with a peer's uncompressed public key.
func ECDH(kp *KeyPair, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(peerPublic))
	}
	pub, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return kp.ecdh.ECDH(pub)
}

// Sign hashes message with SHA-256 and signs it, returning r || s with each
// half left-padded to 32 bytes.
func Sign(kp *KeyPair, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, kp.ecdsa, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:GroupSize])
	s.FillBytes(sig[GroupSize:])
	return sig, nil
}

// Verify checks a raw r || s signature over message.
func Verify(publicKey, message, signature []byte) error {
	if len(publicKey) != PublicKeySize || publicKey[0] != 0x04 {
		return ErrInvalidPublicKey
	}
	if len(signature) != SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes", ErrSignatureInvalid, len(signature))
	}

	x := new(big.Int).SetBytes(publicKey[1:33])
	y := new(big.Int).SetBytes(publicKey[33:65])
	curve := elliptic.P256()
	if !curve.IsOnCurve(x, y) {
		return ErrInvalidPublicKey
	}
	pub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}

	digest := sha256.Sum256(message)
	r := new(big.Int).SetBytes(signature[:GroupSize])
	s := new(big.Int).SetBytes(signature[GroupSize:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrSignatureInvalid
	}
	return nil
}
