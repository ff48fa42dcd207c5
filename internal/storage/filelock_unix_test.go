//go:build !windows

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockedFileAtPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kit.transfer.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	current, err := lockedFileAtPath(f, path)
	require.NoError(t, err)
	assert.True(t, current)

	// released by its holder, then recreated by a new transfer
	require.NoError(t, os.Remove(path))
	current, err = lockedFileAtPath(f, path)
	require.NoError(t, err)
	assert.False(t, current)

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	current, err = lockedFileAtPath(f, path)
	require.NoError(t, err)
	assert.False(t, current)
}

func TestAcquireFileLock_ReleaseUnlinksBeforeUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kit.transfer.lock")

	first, err := acquireFileLock(path)
	require.NoError(t, err)

	_, err = acquireFileLock(path)
	require.ErrorIs(t, err, ErrWouldBlock)

	// a waiter that opened the file before the release
	stale, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stale.Close() })

	require.NoError(t, releaseFileLock(first))
	assert.NoFileExists(t, path)

	current, err := lockedFileAtPath(stale, path)
	require.NoError(t, err)
	assert.False(t, current, "the stale descriptor must not count as holding the lock")

	second, err := acquireFileLock(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	require.NoError(t, releaseFileLock(second))
}
