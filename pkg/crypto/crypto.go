// Package crypto provides the cryptographic primitives for papyrus.
//
// The record store is sealed with AES-256 in CFB mode with 8-bit segments
// (CFB-8), the default of the PyCrypto AES.MODE_CFB that wrote the first
// papyrus files. Every blob carries its own random 16-byte IV in front of the
// ciphertext, so decryption never needs the IV passed separately. Backup files use AES-256-GCM with an Argon2id
// derived key instead (see aead.go and kdf.go).
//
// # Example Usage
//
//	key := crypto.DeriveKey([]byte("passphrase"))
//
//	blob, err := crypto.Encrypt(key, plaintext)
//
//	plaintext, err := crypto.Decrypt(key, blob)
//
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"
)

const (
	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// IVLength is the length of the CFB initialisation vector, one AES block.
	IVLength = aes.BlockSize

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates a sealed blob shorter than nonce plus tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// Encrypt encrypts plaintext with AES-256-CFB8 under a fresh random IV.
//
// The returned blob is IV || ciphertext. The ciphertext has the same length
// as the plaintext; CFB needs no padding.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	blob := make([]byte, IVLength+len(plaintext))
	iv := blob[:IVLength]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate iv: %w", err)
	}

	newCFB8Encrypter(block, iv).XORKeyStream(blob[IVLength:], plaintext)

	return blob, nil
}

// Decrypt reverses Encrypt using the IV embedded in blob[:IVLength].
//
// CFB carries no authentication, so a wrong key yields garbage rather than an
// error; callers validate the result themselves. A blob shorter than one
// block decrypts to an empty plaintext.
func Decrypt(key, blob []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(blob) <= IVLength {
		return []byte{}, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(blob)-IVLength)
	newCFB8Decrypter(block, blob[:IVLength]).XORKeyStream(plaintext, blob[IVLength:])

	return plaintext, nil
}

// DecryptDiscardIV decrypts blob without reading its IV.
//
// It feeds the whole blob, IV included, through a CFB-8 decrypter seeded
// with a throwaway random IV and drops the first block of output. After one
// block the shift register holds only ciphertext bytes, and for the first
// real ciphertext byte those are exactly the embedded IV. Only the discarded
// block depends on the wrong IV.
//
// The result is identical to Decrypt. This is how the first papyrus release
// read its files.
func DecryptDiscardIV(key, blob []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(blob) <= IVLength {
		return []byte{}, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	throwaway := make([]byte, IVLength)
	if _, err := rand.Read(throwaway); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate iv: %w", err)
	}

	out := make([]byte, len(blob))
	newCFB8Decrypter(block, throwaway).XORKeyStream(out, blob)

	return out[IVLength:], nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
