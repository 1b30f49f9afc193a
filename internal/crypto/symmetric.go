package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

// SymmetricOverhead is the size added by SymmetricKey.Encrypt:
// random nonce (24) + auth tag (16).
const SymmetricOverhead = chacha20poly1305.NonceSizeX + TagSize

// ErrKeyDestroyed is returned when a destroyed SymmetricKey is used.
var ErrKeyDestroyed = errors.New("symmetric key destroyed")

// SymmetricKey is per-connection key material sealed in a memguard enclave.
// At rest the key is encrypted in ordinary memory; it is decrypted into a
// locked buffer only for the duration of a single operation. Encrypt and
// Decrypt are pure functions of the key and input: each ciphertext carries
// its own random nonce. It is safe for concurrent use.
type SymmetricKey struct {
	mu  sync.RWMutex
	enc *memguard.Enclave
}

// NewSymmetricKey generates a fresh random key.
func NewSymmetricKey() (*SymmetricKey, error) {
	release := acquireKeyOp()
	defer release()

	enc := memguard.NewEnclaveRandom(KeySize)
	if enc == nil || enc.Size() != KeySize {
		return nil, cryptoError("generate symmetric key", errors.New("allocation failed"))
	}
	return &SymmetricKey{enc: enc}, nil
}

// SymmetricKeyFromBytes imports raw key bytes. The source slice is wiped.
func SymmetricKeyFromBytes(b []byte) (*SymmetricKey, error) {
	if len(b) != KeySize {
		ZeroBytes(b)
		return nil, cryptoError("import symmetric key", fmt.Errorf("got %d bytes, want %d", len(b), KeySize))
	}

	release := acquireKeyOp()
	defer release()

	return &SymmetricKey{enc: memguard.NewEnclave(b)}, nil
}

// Bytes returns a copy of the raw key. It is sent to the peer during the
// handshake, sealed to the peer's public key.
func (k *SymmetricKey) Bytes() ([]byte, error) {
	out := make([]byte, KeySize)
	err := k.withKey(func(key []byte) error {
		copy(out, key)
		return nil
	})
	if err != nil {
		return nil, cryptoError("export symmetric key", err)
	}
	return out, nil
}

// Encrypt seals plaintext as nonce || ciphertext || tag.
func (k *SymmetricKey) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, cryptoError("encrypt", err)
	}

	err := k.withAEAD(func(aead cipher.AEAD) error {
		var nonce [chacha20poly1305.NonceSizeX]byte
		copy(nonce[:], out)
		out = aead.Seal(out, nonce[:], plaintext, nil)
		return nil
	})
	if err != nil {
		return nil, cryptoError("encrypt", err)
	}
	return out, nil
}

// Decrypt opens a message produced by Encrypt with the same key.
func (k *SymmetricKey) Decrypt(ciphertext []byte) ([]byte, error) {
	var plaintext []byte
	err := k.withAEAD(func(aead cipher.AEAD) error {
		if len(ciphertext) < SymmetricOverhead {
			return fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
		}
		n := aead.NonceSize()
		var err error
		plaintext, err = aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
		return err
	})
	if err != nil {
		return nil, cryptoError("decrypt", err)
	}
	return plaintext, nil
}

// Destroy drops the sealed key. Safe to call more than once.
func (k *SymmetricKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enc = nil
}

// Alive reports whether the key has not been destroyed.
func (k *SymmetricKey) Alive() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.enc != nil
}

// withKey opens the enclave into a locked buffer, runs fn on the raw key and
// destroys the buffer. The number of concurrently open keys is bounded by the
// process memlock limit.
func (k *SymmetricKey) withKey(fn func(key []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.enc == nil {
		return ErrKeyDestroyed
	}

	release := acquireKeyOp()
	defer release()

	buf, err := k.enc.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

func (k *SymmetricKey) withAEAD(fn func(aead cipher.AEAD) error) error {
	return k.withKey(func(key []byte) error {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		return fn(aead)
	})
}
