package crypto

import "errors"

// Crypto errors.
var (
	// ErrInvalidPublicKey is returned for malformed or off-curve public keys.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")

	// ErrInvalidPrivateKey is returned for malformed private key scalars.
	ErrInvalidPrivateKey = errors.New("crypto: invalid private key")

	// ErrSignatureInvalid is returned when a signature does not verify.
	ErrSignatureInvalid = errors.New("crypto: signature verification failed")

	// ErrInvalidKeySize is returned for symmetric keys of the wrong length.
	ErrInvalidKeySize = errors.New("crypto: invalid key size")

	// ErrOpenFailed is returned when AEAD authentication fails.
	ErrOpenFailed = errors.New("crypto: message authentication failed")
)
