// Package profile manages the named per-profile folders kept under the
// application's private files directory.
package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/joeycumines/secure-fs-access/internal/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// RootDir is the namespace directory, relative to the files directory.
const RootDir = "__storage__"

const (
	msgFolderNotFound = "Folder does not exist"
	msgDeleteFile     = "Can't delete file"
	msgDeleteFolder   = "Can't delete folder"
)

// Manager creates, lists, renames and removes profile folders.
type Manager struct {
	fs     afero.Fs
	root   string
	logger *zap.Logger
}

// NewManager returns a Manager rooted at <filesDir>/__storage__.
func NewManager(fsys afero.Fs, filesDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		fs:     fsys,
		root:   filepath.Join(filesDir, RootDir),
		logger: logger,
	}
}

// Root returns the absolute namespace root.
func (m *Manager) Root() string { return m.root }

// Path returns the absolute path of a profile folder, or INVALID_ARGUMENT if
// the name is empty, absolute, escapes the namespace, or names the namespace
// root itself.
func (m *Manager) Path(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "folder is required")
	}
	local := filepath.FromSlash(name)
	if !filepath.IsLocal(local) || filepath.Clean(local) == "." {
		return "", apperrors.WithMetadata(apperrors.CodeInvalidArgument,
			"folder must be a relative name inside the profile namespace",
			map[string]string{"folder": name})
	}
	return filepath.Join(m.root, local), nil
}

// Ensure creates the folder (and the namespace) if missing and returns its path.
func (m *Manager) Ensure(folder string) (string, error) {
	dir, err := m.Path(folder)
	if err != nil {
		return "", err
	}
	if err := m.fs.MkdirAll(dir, 0o700); err != nil {
		return "", apperrors.Wrap(apperrors.CodeCreateFailed, fmt.Sprintf("failed to create folder: %v", err), err)
	}
	return dir, nil
}

// List returns the names directly under folder, sorted. A missing folder is
// FOLDER_NOT_FOUND; an empty one is an empty, non-nil slice.
func (m *Manager) List(folder string) ([]string, error) {
	dir, err := m.Path(folder)
	if err != nil {
		return nil, err
	}
	info, err := m.fs.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.WrapWithMetadata(apperrors.CodeFolderNotFound, msgFolderNotFound,
				map[string]string{"folder": folder}, err)
		}
		return nil, apperrors.Wrap(apperrors.CodeListFailed, err.Error(), err)
	}
	if !info.IsDir() {
		return nil, apperrors.WithMetadata(apperrors.CodeListFailed, "Not a folder",
			map[string]string{"folder": folder})
	}

	f, err := m.fs.Open(dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeListFailed, err.Error(), err)
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeListFailed, err.Error(), err)
	}
	sort.Strings(names)
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Rename moves oldName to newName. An existing newName is never replaced.
func (m *Manager) Rename(oldName, newName string) error {
	if strings.TrimSpace(oldName) == "" || strings.TrimSpace(newName) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "oldName and newName are required")
	}
	from, err := m.Path(oldName)
	if err != nil {
		return err
	}
	to, err := m.Path(newName)
	if err != nil {
		return err
	}

	if _, err := m.fs.Stat(to); err == nil {
		return m.renameError(from, to, &os.LinkError{Op: "rename", Old: from, New: to, Err: fs.ErrExist})
	}
	if err := m.fs.Rename(from, to); err != nil {
		return m.renameError(from, to, err)
	}
	m.logger.Info("renamed profile folder", zap.String("from", oldName), zap.String("to", newName))
	return nil
}

func (m *Manager) renameError(from, to string, err error) error {
	meta := map[string]string{"from": from, "to": to}
	cause := rootCause(err)
	if cause == nil || cause.Error() == "" {
		m.logger.Error("rename failed without a cause", zap.String("from", from), zap.String("to", to))
		return apperrors.WrapWithMetadata(apperrors.CodeUnknownCause, "", meta, err)
	}
	m.logger.Error("rename failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
	return apperrors.WrapWithMetadata(apperrors.CodeRenameFailed, cause.Error(), meta, err)
}

// rootCause strips path decoration from filesystem errors.
func rootCause(err error) error {
	for {
		switch e := err.(type) {
		case *os.LinkError:
			err = e.Err
		case *fs.PathError:
			err = e.Err
		default:
			return err
		}
	}
}

// removeFrame is one directory being emptied.
type removeFrame struct {
	dir     string
	entries []os.FileInfo
	next    int
}

// Remove deletes folder and everything below it, one node at a time. Files
// are removed as they are reached and each directory once it is empty. The
// first failed delete aborts the operation.
func (m *Manager) Remove(folder string) error {
	target, err := m.Path(folder)
	if err != nil {
		return err
	}
	info, err := m.fs.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperrors.WrapWithMetadata(apperrors.CodeFolderNotFound, msgFolderNotFound,
				map[string]string{"folder": folder}, err)
		}
		return apperrors.Wrap(apperrors.CodeDeleteFailed, err.Error(), err)
	}
	if !info.IsDir() {
		return m.removeNode(target, false)
	}

	entries, err := afero.ReadDir(m.fs, target)
	if err != nil {
		return m.deleteError(msgDeleteFolder, target, err)
	}
	var deleted int
	stack := []*removeFrame{{dir: target, entries: entries}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next < len(top.entries) {
			entry := top.entries[top.next]
			top.next++
			p := filepath.Join(top.dir, entry.Name())
			if entry.IsDir() {
				children, err := afero.ReadDir(m.fs, p)
				if err != nil {
					return m.deleteError(msgDeleteFolder, p, err)
				}
				stack = append(stack, &removeFrame{dir: p, entries: children})
				continue
			}
			if err := m.removeNode(p, false); err != nil {
				return err
			}
			deleted++
			continue
		}
		if err := m.removeNode(top.dir, true); err != nil {
			return err
		}
		deleted++
		stack = stack[:len(stack)-1]
	}

	m.logger.Info("removed profile folder", zap.String("folder", folder), zap.Int("deleted", deleted))
	return nil
}

func (m *Manager) removeNode(p string, dir bool) error {
	if err := m.fs.Remove(p); err != nil {
		msg := msgDeleteFile
		if dir {
			msg = msgDeleteFolder
		}
		return m.deleteError(msg, p, err)
	}
	return nil
}

func (m *Manager) deleteError(msg, p string, err error) error {
	m.logger.Error("delete failed", zap.String("path", p), zap.Error(err))
	return apperrors.WrapWithMetadata(apperrors.CodeDeleteFailed, msg, map[string]string{"path": p}, err)
}
