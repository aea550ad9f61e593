package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters following OWASP recommendations. Used for backup files.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4
)

// DeriveKey turns a passphrase into the 32-byte store key.
//
// The SHA-256 hex digest of the passphrase is thinned to every other
// character, giving 32 hex characters. A passphrase longer than 32 bytes is
// replaced by that string outright; a shorter one is padded with it and cut
// to 32 bytes. The output is deterministic and always KeyLength long.
//
// Long passphrases therefore keep only 128 bits of digest entropy, and short
// ones keep their own bytes verbatim inside the key. The store file format
// depends on this exact construction.
func DeriveKey(passphrase []byte) []byte {
	sum := sha256.Sum256(passphrase)
	digest := hex.EncodeToString(sum[:])

	thinned := make([]byte, 0, KeyLength)
	for i := 0; i < len(digest); i += 2 {
		thinned = append(thinned, digest[i])
	}

	if len(passphrase) > KeyLength {
		return thinned
	}

	key := make([]byte, 0, len(passphrase)+len(thinned))
	key = append(key, passphrase...)
	key = append(key, thinned...)
	return key[:KeyLength:KeyLength]
}

// DeriveStrongKey derives a 256-bit key from a password using Argon2id.
//
// The salt should be at least 16 bytes of cryptographically secure random data.
func DeriveStrongKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
}
