//go:build windows

package vault

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// fileLock is an exclusive lock held for the life of a Store.
type fileLock struct {
	f  *os.File
	ol *windows.Overlapped
}

func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, FileMode)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open lock file: %w", err)
	}

	ol := new(windows.Overlapped)
	flags := uint32(windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY)
	if err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, 1, 0, ol); err != nil {
		f.Close()
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("vault: failed to lock store: %w", err)
	}

	return &fileLock{f: f, ol: ol}, nil
}

func (l *fileLock) release() error {
	if err := windows.UnlockFileEx(windows.Handle(l.f.Fd()), 0, 1, 0, l.ol); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
