package backup

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/papyrus-vault/papyrus/pkg/crypto"
)

const (
	// SaltLength is the length of the Argon2id salt stored in the header.
	SaltLength = 32

	// HMACLength is the length of the trailing HMAC-SHA256.
	HMACLength = 32

	// KeyLength is the length of a key file and of both derived keys.
	KeyLength = 32
)

// HKDF info labels, one per derived key.
const (
	hkdfInfoEncryption = "papyrus-backup-encryption"
	hkdfInfoMAC        = "papyrus-backup-mac"
)

// backupKeys is the key pair a backup is sealed with: enc for the GCM
// payload, mac for the HMAC over header and ciphertext.
type backupKeys struct {
	enc []byte
	mac []byte
}

// passwordKeys stretches password with Argon2id and splits the result into
// the two keys with HKDF.
func passwordKeys(password, salt []byte) (*backupKeys, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}

	master := crypto.DeriveStrongKey(password, salt)
	defer crypto.SecureWipe(master)

	k := &backupKeys{}
	var err error
	if k.enc, err = expandKey(master, hkdfInfoEncryption); err != nil {
		return nil, err
	}
	if k.mac, err = expandKey(master, hkdfInfoMAC); err != nil {
		k.wipe()
		return nil, err
	}
	return k, nil
}

// keyFileKeys uses the key file content as the encryption key and derives
// the MAC key from it.
func keyFileKeys(path string) (*backupKeys, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read key file: %w", err)
	}
	if len(key) != KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}

	k := &backupKeys{enc: key}
	if k.mac, err = expandKey(key, hkdfInfoMAC); err != nil {
		k.wipe()
		return nil, err
	}
	return k, nil
}

func expandKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("backup: failed to derive %s key: %w", info, err)
	}
	return key, nil
}

func (k *backupKeys) wipe() {
	crypto.SecureWipe(k.enc)
	crypto.SecureWipe(k.mac)
}

// seal encrypts the encoded payload, binding it to the header bytes.
func (k *backupKeys) seal(payload, header []byte) ([]byte, error) {
	sealed, err := crypto.SealGCM(k.enc, payload, header)
	if err != nil {
		return nil, fmt.Errorf("backup: encryption failed: %w", err)
	}
	return sealed, nil
}

func (k *backupKeys) open(sealed, header []byte) ([]byte, error) {
	payload, err := crypto.OpenGCM(k.enc, sealed, header)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return payload, nil
}

func (k *backupKeys) sum(data []byte) []byte {
	h := hmac.New(sha256.New, k.mac)
	h.Write(data)
	return h.Sum(nil)
}

func (k *backupKeys) verify(data, mac []byte) bool {
	return hmac.Equal(k.sum(data), mac)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("backup: failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateKeyFile writes a fresh random key usable with BackupOptions.KeyFile.
// An existing file is never overwritten.
func GenerateKeyFile(path string) error {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("backup: failed to generate key: %w", err)
	}
	defer crypto.SecureWipe(key)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("backup: failed to create key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return fmt.Errorf("backup: failed to write key file: %w", err)
	}
	return f.Close()
}
