package vault

import (
	"fmt"
	"os"
	"path/filepath"
)

// Disk capacity thresholds
const (
	MinDiskSpaceBytes  = 10 * 1024 * 1024 // 10 MB minimum free space
	DiskWarningPercent = 90               // Warn when disk is 90% full
)

// diskSpaceInfo is the usage of the file system holding the store.
type diskSpaceInfo struct {
	total     uint64
	free      uint64
	available uint64 // to non-root users
	usedPct   int
}

// writeFileAtomic replaces path with data. The data goes to a temporary
// file in the same directory which is synced and renamed over path, so
// readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(FileMode); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return err
	}

	// best effort: persist the rename itself
	if d, dirErr := os.Open(dir); dirErr == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// checkAndWarnPermissions prints a warning when the store file or its
// directory is readable by others. It never blocks.
func checkAndWarnPermissions(path string) {
	if info, err := os.Stat(filepath.Dir(path)); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			fmt.Fprintf(os.Stderr, "warning: store directory has insecure permissions %04o (expected 0700)\n", perm)
		}
	}
	if info, err := os.Stat(path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			fmt.Fprintf(os.Stderr, "warning: %s has insecure permissions %04o (expected 0600)\n", filepath.Base(path), perm)
		}
	}
}

// checkDiskSpaceForWrite verifies sufficient disk space before a rewrite
func checkDiskSpaceForWrite(dir string, dataSize int) error {
	info, err := diskSpace(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to check disk space: %v\n", err)
		return nil
	}

	// the temporary copy coexists with the old file until the rename
	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}

	if info.available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk,
			info.available/(1024*1024),
			required/(1024*1024))
	}

	if info.usedPct >= DiskWarningPercent {
		fmt.Fprintf(os.Stderr, "warning: disk is %d%% full, consider freeing space\n", info.usedPct)
	}

	return nil
}

// RawFile returns the encrypted store file as it is on disk, or nil for a
// store that was never written.
func (s *Store) RawFile() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: failed to read store: %w", err)
	}
	return data, nil
}

// ReplaceFile atomically replaces the store file at path with data, an
// encrypted store produced by RawFile. It returns ErrLocked while the store
// is open anywhere. Empty data is refused: an empty file opens as a fresh
// store under any passphrase.
func ReplaceFile(path string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: refusing to write an empty store file", ErrCorrupt)
	}
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return fmt.Errorf("vault: failed to create directory: %w", err)
	}

	lock, err := acquireLock(path + LockSuffix)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.release(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to release store lock: %v\n", err)
		}
	}()

	if err := checkDiskSpaceForWrite(filepath.Dir(path), len(data)); err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("vault: failed to write store: %w", err)
	}
	if err := clearAttempts(path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to clear open attempts: %v\n", err)
	}
	return nil
}
