package storage

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeMemFile(t *testing.T, fsys afero.Fs, name string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, name, data, 0o644))
}

func listTemps(t *testing.T, fsys afero.Fs, dir string) []string {
	t.Helper()
	entries, err := afero.ReadDir(fsys, dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-transfer-") {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestCopyFileAtomic(t *testing.T) {
	t.Run("copies full content", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, fsys.MkdirAll("/dst", 0o755))
		data := bytes.Repeat([]byte("recovery-kit "), 10_000)
		writeMemFile(t, fsys, "/src/kit.pdf", data)

		n, err := copyFileAtomic(fsys, "/src/kit.pdf", "/dst/kit.pdf", 4096, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)

		got, err := afero.ReadFile(fsys, "/dst/kit.pdf")
		require.NoError(t, err)
		assert.Equal(t, data, got)
		assert.Empty(t, listTemps(t, fsys, "/dst"))
	})

	t.Run("overwrites existing destination", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		writeMemFile(t, fsys, "/src/a", []byte("new"))
		writeMemFile(t, fsys, "/dst/a", []byte("old content that is longer"))

		_, err := copyFileAtomic(fsys, "/src/a", "/dst/a", 0, zap.NewNop())
		require.NoError(t, err)

		got, err := afero.ReadFile(fsys, "/dst/a")
		require.NoError(t, err)
		assert.Equal(t, "new", string(got))
	})

	t.Run("missing source", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, fsys.MkdirAll("/dst", 0o755))

		_, err := copyFileAtomic(fsys, "/src/missing", "/dst/x", 0, zap.NewNop())
		require.Error(t, err)
		assert.True(t, errors.Is(err, fs.ErrNotExist), "got %v", err)
		assert.Empty(t, listTemps(t, fsys, "/dst"))
	})

	t.Run("directory source", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, fsys.MkdirAll("/src/dir", 0o755))
		require.NoError(t, fsys.MkdirAll("/dst", 0o755))

		_, err := copyFileAtomic(fsys, "/src/dir", "/dst/x", 0, zap.NewNop())
		require.ErrorContains(t, err, "is a directory")
	})
}

func TestCopyFileAtomic_FailureBeforeRenameLeavesDestination(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeMemFile(t, fsys, "/src/a", []byte("replacement"))
	writeMemFile(t, fsys, "/dst/a", []byte("original"))

	injected := errors.New("power loss")
	testHookBeforeRename = func() error { return injected }
	t.Cleanup(func() { testHookBeforeRename = nil })

	_, err := copyFileAtomic(fsys, "/src/a", "/dst/a", 0, zap.NewNop())
	require.ErrorIs(t, err, injected)

	got, err := afero.ReadFile(fsys, "/dst/a")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
	assert.Empty(t, listTemps(t, fsys, "/dst"))
}

// truncatingFs reports the real size on Stat but serves at most limit bytes.
type truncatingFs struct {
	afero.Fs
	limit int64
}

type truncatedFile struct {
	afero.File
	remaining int64
}

func (f *truncatedFile) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.File.Read(p)
	f.remaining -= int64(n)
	return n, err
}

func (t truncatingFs) Open(name string) (afero.File, error) {
	f, err := t.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	return &truncatedFile{File: f, remaining: t.limit}, nil
}

func TestCopyFileAtomic_ShortRead(t *testing.T) {
	base := afero.NewMemMapFs()
	writeMemFile(t, base, "/src/a", []byte("0123456789"))
	require.NoError(t, base.MkdirAll("/dst", 0o755))
	fsys := truncatingFs{Fs: base, limit: 4}

	n, err := copyFileAtomic(fsys, "/src/a", "/dst/a", 0, zap.NewNop())
	var short *ShortCopyError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, int64(10), short.Want)
	assert.Equal(t, int64(4), short.Got)
	assert.Equal(t, int64(4), n)

	_, statErr := base.Stat("/dst/a")
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, listTemps(t, base, "/dst"))
}
