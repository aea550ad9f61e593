//go:build windows

package mcp

import (
	"os"
)

// openPolicyFile opens the policy file on Windows.
// Windows doesn't have O_NOFOLLOW; creating symlinks requires special
// privileges there.
func openPolicyFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return f, nil
}

// checkFilePermissions is a no-op: Go reports 0666 for any writable file
// on Windows, where access is governed by ACLs.
func checkFilePermissions(_ os.FileInfo) error {
	return nil
}

// checkFileOwnership on Windows is a no-op (ACLs).
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
