package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// testHookBeforeRename is a test-only hook run between writing the temporary
// file and renaming it over the destination. A non-nil error aborts the copy.
var testHookBeforeRename func() error

// ShortCopyError reports a copy that wrote fewer bytes than the source held.
type ShortCopyError struct {
	Want, Got int64
}

func (e *ShortCopyError) Error() string {
	return fmt.Sprintf("short copy: wrote %d of %d bytes", e.Got, e.Want)
}

// copyFileAtomic streams src into dst through a temporary file in dst's
// directory and an atomic rename, so dst either holds the full source content
// or is left as it was.
func copyFileAtomic(fsys afero.Fs, src, dst string, bufSize int, logger *zap.Logger) (int64, error) {
	in, err := fsys.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("source %q is a directory", src)
	}

	tempFile, err := afero.TempFile(fsys, filepath.Dir(dst), ".tmp-transfer-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	// On success the rename moves the temp file away.
	var success bool
	defer func() {
		if !success {
			if err := fsys.Remove(tempFile.Name()); err != nil && !os.IsNotExist(err) {
				logger.Warn("failed to remove temporary file", zap.String("path", tempFile.Name()), zap.Error(err))
			}
		}
	}()

	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	n, err := io.CopyBuffer(tempFile, in, make([]byte, bufSize))
	if err != nil {
		tempFile.Close()
		return n, fmt.Errorf("failed to write to temp file: %w", err)
	}
	if n != info.Size() {
		tempFile.Close()
		return n, &ShortCopyError{Want: info.Size(), Got: n}
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return n, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("failed to close temporary file %q: %w", tempFile.Name(), err)
	}
	if err := fsys.Chmod(tempFile.Name(), 0o644); err != nil {
		return n, fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if testHookBeforeRename != nil {
		if err := testHookBeforeRename(); err != nil {
			return n, err
		}
	}

	if err := fsys.Rename(tempFile.Name(), dst); err != nil {
		return n, fmt.Errorf("failed to move temp file into place: %w", err)
	}
	success = true
	return n, nil
}
