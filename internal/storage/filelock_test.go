package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestinationLocks_InProcess(t *testing.T) {
	locks := newDestinationLocks("")

	unlock, err := locks.tryLock("/a/b/../b/kit.pdf")
	require.NoError(t, err)

	_, err = locks.tryLock("/a/b/kit.pdf")
	require.ErrorIs(t, err, ErrWouldBlock)

	other, err := locks.tryLock("/a/b/other.pdf")
	require.NoError(t, err)
	require.NoError(t, other())

	require.NoError(t, unlock())
	again, err := locks.tryLock("/a/b/kit.pdf")
	require.NoError(t, err)
	require.NoError(t, again())
}

func TestDestinationLocks_LockFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	locks := newDestinationLocks(dir)
	dest := "/sdcard/Download/kit.pdf"

	unlock, err := locks.tryLock(dest)
	require.NoError(t, err)

	_, err = os.Stat(locks.lockFilePath(dest))
	require.NoError(t, err, "lock file should exist while held")

	require.NoError(t, unlock())
	_, err = os.Stat(locks.lockFilePath(dest))
	assert.True(t, os.IsNotExist(err), "lock file should be removed on release")
}

func TestDestinationLocks_CrossProcessContention(t *testing.T) {
	dir := t.TempDir()
	dest := "/sdcard/Download/kit.pdf"

	// A second lock set stands in for another process sharing the lock dir.
	first := newDestinationLocks(dir)
	second := newDestinationLocks(dir)

	unlock, err := first.tryLock(dest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unlock() })

	_, err = second.tryLock(dest)
	require.ErrorIs(t, err, ErrWouldBlock)

	// the failed attempt must not leave the path marked as held
	second.mu.Lock()
	assert.Empty(t, second.held)
	second.mu.Unlock()
}

func TestDestinationLocks_AcquireError(t *testing.T) {
	original := acquireFileLock
	t.Cleanup(func() { acquireFileLock = original })

	injected := errors.New("disk on fire")
	acquireFileLock = func(string) (*os.File, error) { return nil, injected }

	locks := newDestinationLocks(t.TempDir())
	_, err := locks.tryLock("/x")
	require.ErrorIs(t, err, injected)

	acquireFileLock = original
	unlock, err := locks.tryLock("/x")
	require.NoError(t, err)
	require.NoError(t, unlock())
}
