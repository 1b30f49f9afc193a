// Package crypto provides the key exchange and message encryption used by relay
// connections. Public-key encryption is an X25519 sealed box; message encryption
// uses XChaCha20-Poly1305 with per-connection keys sealed in memguard enclaves.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 keys and symmetric keys in bytes.
	KeySize = 32

	// NonceSize is the size of the ChaCha20-Poly1305 nonce used by sealed boxes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16
)

// ErrCrypto is wrapped by every encryption, decryption and key import failure.
// Callers treat it as unrecoverable for the connection it occurred on.
var ErrCrypto = errors.New("crypto failure")

// cryptoError wraps err so that errors.Is(err, ErrCrypto) holds.
func cryptoError(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrCrypto)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrCrypto, err)
}

// generateX25519 returns a fresh clamped X25519 keypair.
func generateX25519() (priv, pub [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate private key: %w", err)
	}

	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// x25519 performs the Diffie-Hellman step. Low-order public keys are rejected
// by the underlying implementation.
func x25519(priv, pub [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return shared, err
	}
	copy(shared[:], out)
	ZeroBytes(out)
	return shared, nil
}

// Fingerprint returns a short hex digest of a public key for logs.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a key array with zeros.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
