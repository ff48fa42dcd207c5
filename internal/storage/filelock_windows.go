//go:build windows

package storage

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// acquireFileLock takes an exclusive, non-blocking byte-range lock on the
// lock file at path, creating it if needed. A lock held by another transfer
// yields ErrWouldBlock.
var acquireFileLock = func(path string) (*os.File, error) {
	lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	// Lock the first byte only; the file itself stays empty.
	var overlapped windows.Overlapped
	err = windows.LockFileEx(
		windows.Handle(lockFile.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		1,
		0,
		&overlapped,
	)
	if err != nil {
		_ = lockFile.Close()
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("failed to lock destination: %w", err)
	}

	return lockFile, nil
}

// releaseFileLock drops the lock and removes the lock file.
func releaseFileLock(lockFile *os.File) error {
	if lockFile == nil {
		return nil
	}

	path := lockFile.Name()

	var overlapped windows.Overlapped
	err1 := windows.UnlockFileEx(windows.Handle(lockFile.Fd()), 0, 1, 0, &overlapped)
	err2 := lockFile.Close()

	// Another transfer may already have the file open to wait on it; it
	// then owns the removal.
	err3 := os.Remove(path)
	if errors.Is(err3, os.ErrNotExist) || errors.Is(err3, windows.ERROR_SHARING_VIOLATION) {
		err3 = nil
	}

	return errors.Join(err1, err2, err3)
}
