package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SealedOverhead is the size added by Seal:
	// ephemeral public key (32) + nonce (12) + auth tag (16).
	SealedOverhead = KeySize + NonceSize + TagSize

	sealedInfo = "relaychat-sealed-v1"
)

var (
	// ErrInvalidPublicKey is returned when an imported public key is malformed.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrKeypairDestroyed is returned when a destroyed keypair is used.
	ErrKeypairDestroyed = errors.New("keypair destroyed")
)

// Keypair is a long-lived X25519 keypair. The private half never leaves the
// process; the public half is exported as 32 raw bytes.
type Keypair struct {
	mu      sync.RWMutex
	public  [KeySize]byte
	private [KeySize]byte
	alive   bool
}

// GenerateKeypair creates a new random keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, pub, err := generateX25519()
	if err != nil {
		return nil, cryptoError("generate keypair", err)
	}
	return &Keypair{public: pub, private: priv, alive: true}, nil
}

// PublicBytes returns a copy of the public key.
func (k *Keypair) PublicBytes() []byte {
	out := make([]byte, KeySize)
	copy(out, k.public[:])
	return out
}

// PublicKey returns the public half as a PublicKey.
func (k *Keypair) PublicKey() PublicKey {
	return PublicKey{key: k.public}
}

// Open decrypts a message produced by PublicKey.Seal for this keypair.
func (k *Keypair) Open(ciphertext []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.alive {
		return nil, cryptoError("open", ErrKeypairDestroyed)
	}
	if len(ciphertext) < SealedOverhead {
		return nil, cryptoError("open", fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext)))
	}

	var ephemeral [KeySize]byte
	copy(ephemeral[:], ciphertext[:KeySize])
	nonce := ciphertext[KeySize : KeySize+NonceSize]

	shared, err := x25519(k.private, ephemeral)
	if err != nil {
		return nil, cryptoError("open", err)
	}
	defer ZeroKey(&shared)

	aead, err := sealedCipher(shared, ephemeral, k.public)
	if err != nil {
		return nil, cryptoError("open", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext[KeySize+NonceSize:], nil)
	if err != nil {
		return nil, cryptoError("open", err)
	}
	return plaintext, nil
}

// Destroy clears the private key. Subsequent Open calls fail.
func (k *Keypair) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	ZeroKey(&k.private)
	k.alive = false
}

// PublicKey is a peer's X25519 public key.
type PublicKey struct {
	key [KeySize]byte
}

// ParsePublicKey imports a public key received from a peer.
func ParsePublicKey(b []byte) (PublicKey, error) {
	if len(b) != KeySize {
		return PublicKey{}, cryptoError("import public key",
			fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(b), KeySize))
	}
	var pk PublicKey
	copy(pk.key[:], b)
	if pk.IsZero() {
		return PublicKey{}, cryptoError("import public key", fmt.Errorf("%w: zero key", ErrInvalidPublicKey))
	}
	return pk, nil
}

// Bytes returns a copy of the key.
func (p PublicKey) Bytes() []byte {
	out := make([]byte, KeySize)
	copy(out, p.key[:])
	return out
}

// IsZero reports whether the key is unset.
func (p PublicKey) IsZero() bool {
	return p.key == [KeySize]byte{}
}

// Fingerprint returns a short digest of the key.
func (p PublicKey) Fingerprint() string {
	return Fingerprint(p.key[:])
}

// Seal encrypts plaintext so that only the holder of the matching private key
// can read it. Output: ephemeral_public || nonce || ciphertext || tag.
func (p PublicKey) Seal(plaintext []byte) ([]byte, error) {
	if p.IsZero() {
		return nil, cryptoError("seal", ErrInvalidPublicKey)
	}

	ephPriv, ephPub, err := generateX25519()
	if err != nil {
		return nil, cryptoError("seal", err)
	}
	defer ZeroKey(&ephPriv)

	shared, err := x25519(ephPriv, p.key)
	if err != nil {
		return nil, cryptoError("seal", err)
	}
	defer ZeroKey(&shared)

	aead, err := sealedCipher(shared, ephPub, p.key)
	if err != nil {
		return nil, cryptoError("seal", err)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, cryptoError("seal", err)
	}

	out := make([]byte, KeySize+NonceSize, SealedOverhead+len(plaintext))
	copy(out, ephPub[:])
	copy(out[KeySize:], nonce[:])

	return aead.Seal(out, nonce[:], plaintext, nil), nil
}

// sealedCipher derives the box key with HKDF-SHA256, salted with both public
// keys so the key is bound to this exchange.
func sealedCipher(shared, ephemeralPub, recipientPub [KeySize]byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, ephemeralPub[:]...)
	salt = append(salt, recipientPub[:]...)

	key := make([]byte, KeySize)
	defer ZeroBytes(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared[:], salt, []byte(sealedInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead, nil
}
