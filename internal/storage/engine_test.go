package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/joeycumines/secure-fs-access/internal/errors"
	"github.com/joeycumines/secure-fs-access/internal/platform"
	"github.com/joeycumines/secure-fs-access/internal/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, dev *testutil.FakeDevice, cfg Config) *Engine {
	t.Helper()
	return NewEngine(afero.NewOsFs(), dev, dev, cfg, zaptest.NewLogger(t))
}

func writeDownload(t *testing.T, dev *testutil.FakeDevice, rel, content string) string {
	t.Helper()
	p := filepath.Join(dev.PublicDirectory(platform.DirDownloads), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestEngine_Save_RequiresFields(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 28)
	e := newTestEngine(t, dev, Config{})

	for _, tc := range []struct{ from, dest string }{
		{"", "/x"},
		{"kit.pdf", ""},
		{"  ", "  "},
	} {
		_, err := e.Save(context.Background(), tc.from, tc.dest)
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
		assert.Equal(t, "selectedPath & fromRelativePath are required", err.Error())
	}
	assert.Empty(t, dev.BrokerCalls)
}

func TestEngine_Save_DirectCopy(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 28)
	writeDownload(t, dev, "kits/kit.pdf", "secret words")
	dest := filepath.Join(dev.Root, "picked", "kit.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))

	e := newTestEngine(t, dev, Config{LockDir: filepath.Join(dev.Root, "locks")})
	got, err := e.Save(context.Background(), "kits/kit.pdf", dest)
	require.NoError(t, err)
	assert.Equal(t, dest, got)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "secret words", string(data))
	assert.Empty(t, dev.BrokerCalls, "direct copy must not use the media broker")
}

func TestEngine_Save_DirectCopyFailure(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 28)
	e := newTestEngine(t, dev, Config{})

	_, err := e.Save(context.Background(), "missing.pdf", filepath.Join(dev.Root, "out.pdf"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCopyFailed, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, os.ErrNotExist)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, filepath.Join(dev.PublicDirectory(platform.DirDownloads), "missing.pdf"), appErr.Metadata["src"])
}

func TestEngine_Save_ReadOnlyDestination(t *testing.T) {
	testutil.RequirePermissionEnforcement(t, "unwritable destination is simulated with chmod")
	dev := testutil.NewFakeDevice(t, 28)
	writeDownload(t, dev, "kit.pdf", "secret words")
	dir := filepath.Join(dev.Root, "locked")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	e := newTestEngine(t, dev, Config{})
	_, err := e.Save(context.Background(), "kit.pdf", filepath.Join(dir, "kit.pdf"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCopyFailed, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.NoFileExists(t, filepath.Join(dir, "kit.pdf"))
}

func TestEngine_Save_MediaBroker(t *testing.T) {
	for _, version := range []int{29, 30, 34} {
		t.Run(fmt.Sprintf("sdk%d", version), func(t *testing.T) {
			dev := testutil.NewFakeDevice(t, version)
			staged := filepath.Join(dev.CacheDir(), "vault.bak")
			require.NoError(t, os.WriteFile(staged, []byte("backup"), 0o644))

			e := newTestEngine(t, dev, Config{})
			got, err := e.Save(context.Background(), "ignored.pdf", "file://"+staged)
			require.NoError(t, err)

			want := filepath.Join(dev.PublicDirectory(platform.DirDownloads), "vault.bak")
			assert.Equal(t, want, got)
			require.Len(t, dev.BrokerCalls, 1)
			assert.Equal(t, testutil.BrokerCall{DisplayName: "vault.bak", Path: staged}, dev.BrokerCalls[0])
		})
	}
}

func TestEngine_Save_MediaBrokerErrorVerbatim(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 30)
	dev.BrokerErr = errors.New("IllegalStateException: Failed to build unique file")

	e := newTestEngine(t, dev, Config{})
	_, err := e.Save(context.Background(), "kit.pdf", "/sdcard/Download/kit.pdf")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeMediaBroker, apperrors.CodeOf(err))
	assert.Equal(t, "IllegalStateException: Failed to build unique file", err.Error())
	assert.ErrorIs(t, err, dev.BrokerErr)
}

func TestEngine_Save_CancelledBeforeStart(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 28)
	writeDownload(t, dev, "kit.pdf", "x")
	e := newTestEngine(t, dev, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dest := filepath.Join(dev.Root, "kit.pdf")
	_, err := e.Save(ctx, "kit.pdf", dest)
	require.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEngine_Save_DestinationBusy(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 28)
	writeDownload(t, dev, "kit.pdf", "x")
	dest := filepath.Join(dev.Root, "kit.pdf")
	e := newTestEngine(t, dev, Config{})

	unlock, err := e.locks.tryLock(dest)
	require.NoError(t, err)

	_, err = e.Save(context.Background(), "kit.pdf", dest)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDestinationBusy, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, unlock())
	_, err = e.Save(context.Background(), "kit.pdf", dest)
	require.NoError(t, err)
}

func TestEngine_Save_WaitsForLockTimeout(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 28)
	writeDownload(t, dev, "kit.pdf", "x")
	dest := filepath.Join(dev.Root, "kit.pdf")
	e := newTestEngine(t, dev, Config{LockTimeout: 5 * time.Second})

	unlock, err := e.locks.tryLock(dest)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Save(context.Background(), "kit.pdf", dest)
		done <- err
	}()

	time.Sleep(5 * lockRetryInterval)
	require.NoError(t, unlock())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Save did not acquire the released lock")
	}
}

func TestEngine_SaveAll(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 28)
	outDir := filepath.Join(dev.Root, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))

	var transfers []Transfer
	for i := range 10 {
		name := fmt.Sprintf("part-%02d.bin", i)
		writeDownload(t, dev, name, name)
		transfers = append(transfers, Transfer{From: name, To: filepath.Join(outDir, name)})
	}

	e := newTestEngine(t, dev, Config{MaxParallel: 3})
	got, err := e.SaveAll(context.Background(), transfers)
	require.NoError(t, err)
	require.Len(t, got, len(transfers))

	for i, tr := range transfers {
		assert.Equal(t, tr.To, got[i])
		data, err := os.ReadFile(tr.To)
		require.NoError(t, err)
		assert.Equal(t, tr.From, string(data))
	}
}

func TestEngine_SaveAll_DuplicateDestination(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 28)
	e := newTestEngine(t, dev, Config{})

	_, err := e.SaveAll(context.Background(), []Transfer{
		{From: "a", To: "/out/x"},
		{From: "b", To: "/out/./x"},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDestinationBusy, apperrors.CodeOf(err))
}

func TestEngine_SaveAll_FirstFailureStopsPending(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 28)
	outDir := filepath.Join(dev.Root, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	writeDownload(t, dev, "ok.bin", "ok")

	transfers := []Transfer{{From: "missing.bin", To: filepath.Join(outDir, "missing.bin")}}
	for i := range 5 {
		transfers = append(transfers, Transfer{From: "ok.bin", To: filepath.Join(outDir, fmt.Sprintf("ok-%d.bin", i))})
	}

	e := newTestEngine(t, dev, Config{MaxParallel: 1})
	_, err := e.SaveAll(context.Background(), transfers)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCopyFailed, apperrors.CodeOf(err))

	for _, tr := range transfers[1:] {
		_, statErr := os.Stat(tr.To)
		assert.True(t, os.IsNotExist(statErr), "%s should not have been written", tr.To)
	}
}

func TestEngine_ConcurrentSavesSameDestination(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 28)
	writeDownload(t, dev, "kit.pdf", "content")
	dest := filepath.Join(dev.Root, "kit.pdf")
	e := newTestEngine(t, dev, Config{})

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	testHookBeforeRename = func() error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	t.Cleanup(func() { testHookBeforeRename = nil })

	first := make(chan error, 1)
	go func() {
		_, err := e.Save(context.Background(), "kit.pdf", dest)
		first <- err
	}()
	<-entered

	_, err := e.Save(context.Background(), "kit.pdf", dest)
	assert.Equal(t, apperrors.CodeDestinationBusy, apperrors.CodeOf(err))

	close(release)
	require.NoError(t, <-first)
}

func TestEngine_Publish(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 29)
	staged := filepath.Join(dev.CacheDir(), "vault.bak")
	require.NoError(t, os.WriteFile(staged, []byte("backup"), 0o644))

	e := newTestEngine(t, dev, Config{})
	got, err := e.Publish(context.Background(), "stronghold.bak", staged)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dev.PublicDirectory(platform.DirDownloads), "stronghold.bak"), got)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "backup", string(data))
}
