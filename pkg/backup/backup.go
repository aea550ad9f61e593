// Package backup provides store backup and restore functionality.
//
// Features:
//   - Encrypted backup with AES-256-GCM
//   - Argon2id key derivation with a fresh backup salt
//   - HMAC-SHA256 integrity verification
//   - Atomic restore under the store lock
//   - Optional audit log inclusion
//
// The store file is carried as-is, still encrypted with the store
// passphrase, so a restored store opens with the passphrase it had when the
// backup was taken.
package backup

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/crypto"
	"github.com/papyrus-vault/papyrus/pkg/vault"
)

// ConflictMode specifies what happens when the restore target exists.
type ConflictMode int

const (
	// ConflictError returns ErrStoreExists.
	ConflictError ConflictMode = iota
	// ConflictSkip leaves the existing store untouched.
	ConflictSkip
	// ConflictOverwrite replaces the existing store.
	ConflictOverwrite
)

// BackupOptions configures the backup operation.
type BackupOptions struct {
	// Output is the destination writer for the backup.
	Output io.Writer
	// IncludeAudit includes audit logs in the backup.
	IncludeAudit bool
	// Password for encryption.
	Password []byte
	// KeyFile path for encryption key (overrides Password).
	KeyFile string
	// Source attributes the audit event.
	Source string
}

// RestoreOptions configures the restore operation.
type RestoreOptions struct {
	// StorePath is the target store file.
	StorePath string
	// OnConflict specifies how to handle an existing store.
	OnConflict ConflictMode
	// DryRun previews restore without making changes.
	DryRun bool
	// VerifyOnly only verifies backup integrity.
	VerifyOnly bool
	// WithAudit restores audit logs (replaces existing).
	WithAudit bool
	// Password for decryption.
	Password []byte
	// KeyFile path for decryption key (overrides Password).
	KeyFile string
}

// RestoreResult contains the result of a restore operation.
type RestoreResult struct {
	// RecordsRestored is the number of records in the restored store.
	RecordsRestored int
	// Skipped indicates an existing store was left in place.
	Skipped bool
	// AuditRestored indicates if audit logs were restored.
	AuditRestored bool
	// DryRun indicates this was a dry run.
	DryRun bool
}

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	// Valid indicates the backup passed all integrity checks.
	Valid bool
	// Version is the backup format version.
	Version int
	// CreatedAt is when the backup was created.
	CreatedAt time.Time
	// RecordCount is the number of records in the backup.
	RecordCount int
	// IncludesAudit indicates if audit logs are included.
	IncludesAudit bool
	// Error is set if verification failed.
	Error string
}

// Backup writes an encrypted backup of the open store s.
func Backup(s *vault.Store, opts BackupOptions) error {
	if opts.Output == nil {
		return fmt.Errorf("backup: output writer is required")
	}

	payload, err := collectStoreData(s, opts.IncludeAudit)
	if err != nil {
		return fmt.Errorf("backup: failed to collect store data: %w", err)
	}

	var keys *backupKeys
	var kdfParams *KDFParams
	encMode := EncryptionModeKey

	if opts.KeyFile != "" {
		keys, err = keyFileKeys(opts.KeyFile)
		if err != nil {
			return err
		}
	} else {
		if opts.Password == nil {
			return fmt.Errorf("backup: password or key file is required")
		}

		salt, err := newSalt()
		if err != nil {
			return err
		}
		keys, err = passwordKeys(opts.Password, salt)
		if err != nil {
			return err
		}

		kdfParams = &KDFParams{
			Salt:        salt,
			Memory:      crypto.Argon2Memory,
			Iterations:  crypto.Argon2Time,
			Parallelism: crypto.Argon2Threads,
		}
		encMode = EncryptionModePassword
	}
	defer keys.wipe()

	header := &Header{
		Version:        FormatVersion,
		CreatedAt:      time.Now().UTC(),
		EncryptionMode: encMode,
		KDFParams:      kdfParams,
		IncludesAudit:  opts.IncludeAudit,
		RecordCount:    s.Len(),
		ChecksumAlgo:   "sha256",
	}
	if err := sealBackup(opts.Output, header, payload, keys); err != nil {
		return err
	}

	if logger := s.AuditLogger(); logger != nil {
		source := opts.Source
		if source == "" {
			source = audit.SourceCLI
		}
		ctx := map[string]any{"records": header.RecordCount, "mode": string(encMode), "audit": opts.IncludeAudit}
		if err := logger.LogSuccess(audit.OpBackupCreate, source, "", ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write audit log: %v\n", err)
		}
	}

	return nil
}

// sealBackup writes header, ciphertext length, ciphertext and the trailing
// HMAC to w. The ciphertext is bound to the header bytes as GCM additional
// data; the HMAC covers everything before it.
func sealBackup(w io.Writer, header *Header, payload *Payload, keys *backupKeys) error {
	payloadBytes, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(payloadBytes)

	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return err
	}
	ciphertext, err := keys.seal(payloadBytes, buf.Bytes())
	if err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(ciphertext))); err != nil {
		return fmt.Errorf("backup: failed to write ciphertext length: %w", err)
	}
	buf.Write(ciphertext)
	buf.Write(keys.sum(buf.Bytes()))

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("backup: failed to write backup: %w", err)
	}
	return nil
}

// Restore restores a store from an encrypted backup.
func Restore(backupPath string, opts RestoreOptions) (*RestoreResult, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read backup file: %w", err)
	}

	header, payload, err := verifyAndDecrypt(data, opts.Password, opts.KeyFile)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(payload.Store)

	if opts.VerifyOnly {
		return &RestoreResult{DryRun: true}, nil
	}

	if opts.DryRun {
		return &RestoreResult{
			RecordsRestored: header.RecordCount,
			AuditRestored:   header.IncludesAudit && opts.WithAudit,
			DryRun:          true,
		}, nil
	}

	return performRestore(opts, header, payload)
}

// Verify checks backup integrity without restoring.
func Verify(backupPath string, password []byte, keyFile string) (*VerifyResult, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	header, payload, err := verifyAndDecrypt(data, password, keyFile)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}
	crypto.SecureWipe(payload.Store)

	return &VerifyResult{
		Valid:         true,
		Version:       header.Version,
		CreatedAt:     header.CreatedAt,
		RecordCount:   header.RecordCount,
		IncludesAudit: header.IncludesAudit,
	}, nil
}

// collectStoreData reads the store file and optionally its audit directory.
func collectStoreData(s *vault.Store, includeAudit bool) (*Payload, error) {
	raw, err := s.RawFile()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrEmptyStore
	}
	payload := &Payload{Store: raw}

	if !includeAudit {
		return payload, nil
	}

	auditDir := vault.AuditPath(s.Path())
	if logger := s.AuditLogger(); logger != nil {
		auditDir = logger.Path()
	}
	entries, err := os.ReadDir(auditDir)
	if err != nil {
		if os.IsNotExist(err) {
			return payload, nil
		}
		return nil, fmt.Errorf("failed to read audit directory: %w", err)
	}

	payload.Audit = make(map[string][]byte)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(auditDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read audit file %s: %w", entry.Name(), err)
		}
		payload.Audit[entry.Name()] = data
	}

	return payload, nil
}

// verifyAndDecrypt verifies the backup integrity and decrypts the payload.
func verifyAndDecrypt(data []byte, password []byte, keyFile string) (*Header, *Payload, error) {
	if len(data) < len(MagicNumber)+4+HMACLength {
		return nil, nil, ErrInvalidMagic
	}

	reader := bytes.NewReader(data)
	header, err := ReadHeader(reader)
	if err != nil {
		return nil, nil, err
	}
	headerEnd := len(data) - reader.Len()

	var ciphertextLen uint32
	if err := binary.Read(reader, binary.BigEndian, &ciphertextLen); err != nil {
		return nil, nil, ErrTruncated
	}
	if reader.Len() < int(ciphertextLen)+HMACLength {
		return nil, nil, ErrTruncated
	}

	ciphertext := make([]byte, ciphertextLen)
	if _, err := io.ReadFull(reader, ciphertext); err != nil {
		return nil, nil, ErrTruncated
	}
	storedHMAC := make([]byte, HMACLength)
	if _, err := io.ReadFull(reader, storedHMAC); err != nil {
		return nil, nil, ErrTruncated
	}

	var keys *backupKeys
	switch {
	case keyFile != "":
		keys, err = keyFileKeys(keyFile)
	case header.EncryptionMode == EncryptionModePassword && header.KDFParams != nil:
		keys, err = passwordKeys(password, header.KDFParams.Salt)
	default:
		err = fmt.Errorf("backup: cannot determine decryption key")
	}
	if err != nil {
		return nil, nil, err
	}
	defer keys.wipe()

	macEnd := headerEnd + 4 + int(ciphertextLen)
	if !keys.verify(data[:macEnd], storedHMAC) {
		return nil, nil, ErrIntegrityFailed
	}

	plaintext, err := keys.open(ciphertext, data[:headerEnd])
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	payload, err := DecodePayload(plaintext)
	if err != nil {
		return nil, nil, err
	}
	if len(payload.Store) == 0 {
		return nil, nil, ErrEmptyStore
	}

	return header, payload, nil
}

// performRestore writes the store file and, if requested, the audit logs.
func performRestore(opts RestoreOptions, header *Header, payload *Payload) (*RestoreResult, error) {
	if opts.StorePath == "" {
		return nil, fmt.Errorf("backup: store path is required")
	}

	if _, err := os.Stat(opts.StorePath); err == nil {
		switch opts.OnConflict {
		case ConflictError:
			return nil, fmt.Errorf("%w at %s", ErrStoreExists, opts.StorePath)
		case ConflictSkip:
			return &RestoreResult{Skipped: true}, nil
		}
	}

	if err := vault.ReplaceFile(opts.StorePath, payload.Store); err != nil {
		if errors.Is(err, vault.ErrLocked) {
			return nil, fmt.Errorf("backup: cannot restore while the store is open: %w", err)
		}
		return nil, err
	}

	auditRestored := false
	if opts.WithAudit && len(payload.Audit) > 0 {
		if err := restoreAudit(vault.AuditPath(opts.StorePath), payload.Audit); err != nil {
			return nil, err
		}
		auditRestored = true
	}

	return &RestoreResult{
		RecordsRestored: header.RecordCount,
		AuditRestored:   auditRestored,
	}, nil
}

// restoreAudit replaces the audit directory with files. The new content is
// staged in a sibling directory and swapped in by rename.
func restoreAudit(dir string, files map[string][]byte) error {
	staging, err := os.MkdirTemp(filepath.Dir(dir), "."+filepath.Base(dir)+".restore-*")
	if err != nil {
		return fmt.Errorf("backup: failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := os.Chmod(staging, vault.DirMode); err != nil {
		return fmt.Errorf("backup: failed to set staging directory permissions: %w", err)
	}

	for name, data := range files {
		if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			return fmt.Errorf("backup: invalid audit file name %q", name)
		}
		if err := os.WriteFile(filepath.Join(staging, name), data, vault.FileMode); err != nil {
			return fmt.Errorf("backup: failed to write audit file %s: %w", name, err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("backup: failed to remove existing audit directory: %w", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		return fmt.Errorf("backup: failed to restore audit directory: %w", err)
	}
	return nil
}
