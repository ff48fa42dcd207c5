//go:build !windows

package storage

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// acquireFileLock takes an exclusive, non-blocking flock on the lock file at
// path, creating it if needed. A lock held by another transfer (in this or
// another process) yields ErrWouldBlock.
var acquireFileLock = func(path string) (*os.File, error) {
	for {
		lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file: %w", err)
		}

		// Try to acquire an exclusive lock without waiting; the engine
		// does its own retrying until the lock timeout.
		if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			_ = lockFile.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, ErrWouldBlock
			}
			return nil, fmt.Errorf("failed to lock destination: %w", err)
		}

		// The previous holder unlinks the file on release. If that happened
		// between our open and flock, the inode we locked is orphaned and
		// a third transfer could lock a fresh file at path. Start over.
		current, err := lockedFileAtPath(lockFile, path)
		if err != nil {
			_ = lockFile.Close()
			return nil, err
		}
		if current {
			return lockFile, nil
		}
		_ = lockFile.Close()
	}
}

// lockedFileAtPath reports whether f is still the file linked at path.
func lockedFileAtPath(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat lock file: %w", err)
	}
	linked, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat lock file: %w", err)
	}
	return os.SameFile(held, linked), nil
}

// releaseFileLock removes the lock file and drops the lock.
func releaseFileLock(lockFile *os.File) error {
	if lockFile == nil {
		return nil
	}

	// Unlink while still holding the flock, so a waiter that opened the old
	// inode notices (see acquireFileLock) instead of locking a dead file.
	err := os.Remove(lockFile.Name())
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}

	// Closing the descriptor releases the flock.
	return errors.Join(err, lockFile.Close())
}
