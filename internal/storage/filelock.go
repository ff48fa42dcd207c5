package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// ErrWouldBlock signals that a non-blocking lock attempt failed because the
// destination is being written by another transfer.
var ErrWouldBlock = errors.New("file lock would block")

// destinationLocks serializes transfers to the same destination. In-process
// contention is detected with a set of held paths; cross-process contention
// with lock files under dir, when dir is set.
type destinationLocks struct {
	dir  string
	mu   sync.Mutex
	held map[string]struct{}
}

func newDestinationLocks(dir string) *destinationLocks {
	return &destinationLocks{dir: dir, held: make(map[string]struct{})}
}

// lockFilePath returns the lock artifact for a destination.
func (l *destinationLocks) lockFilePath(dest string) string {
	sum := sha256.Sum256([]byte(dest))
	return filepath.Join(l.dir, hex.EncodeToString(sum[:8])+".transfer.lock")
}

// tryLock acquires dest or returns ErrWouldBlock. The returned func releases it.
func (l *destinationLocks) tryLock(dest string) (func() error, error) {
	dest = filepath.Clean(dest)

	l.mu.Lock()
	if _, ok := l.held[dest]; ok {
		l.mu.Unlock()
		return nil, ErrWouldBlock
	}
	l.held[dest] = struct{}{}
	l.mu.Unlock()

	unhold := func() {
		l.mu.Lock()
		delete(l.held, dest)
		l.mu.Unlock()
	}

	if l.dir == "" {
		return func() error { unhold(); return nil }, nil
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		unhold()
		return nil, err
	}
	f, err := acquireFileLock(l.lockFilePath(dest))
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		unhold()
		return nil, err
	}
	return func() error {
		defer unhold()
		return releaseFileLock(f)
	}, nil
}
