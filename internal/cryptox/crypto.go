// Package cryptox wraps the primitives used for at-rest protection of
// session state: AES-GCM sealing, argon2id key derivation and BLAKE3
// value hashing.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"

	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length used by the secure store.
const KeySize = 32

// SaltSize is the length of the random salt stored next to a
// passphrase-derived key.
const SaltSize = 16

var ErrInvalidKey = errors.New("invalid key size")

// DeriveKey stretches a passphrase into a KeySize key with argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key with a fresh random nonce. The nonce is
// returned separately and must be passed back to Open.
func Seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = common.GenerateRandByteArray(aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open authenticates and decrypts ciphertext. Any tampering with the
// ciphertext or nonce yields an error.
func Open(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

// Hash returns the BLAKE3-256 digest of data.
func Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// VerifyHash compares the digest of data with want in constant time.
func VerifyHash(data, want []byte) bool {
	return subtle.ConstantTimeCompare(Hash(data), want) == 1
}
