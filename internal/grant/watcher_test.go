package grant

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/secure-fs-access/internal/platform"
	"github.com/joeycumines/secure-fs-access/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcher_ForgetsRemovedTree(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := filepath.Join(t.TempDir(), "Backups")
	require.NoError(t, os.Mkdir(dir, 0o755))

	store := NewMemoryStore()
	g := Grant{TreeURI: "content://tree/backups", Kind: platform.KindFolder, Direction: platform.Write, ResolvedPath: dir}
	require.NoError(t, store.Record(ctx, g))

	w, err := NewWatcher(store, nil)
	require.NoError(t, err)
	require.NoError(t, w.Track(g))
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.Remove(dir))

	err = testutil.Poll(ctx, func() bool {
		_, ok, _ := store.Get(ctx, g.TreeURI)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, w.Tracked())
}

func TestWatcher_SyncPrunesMissingTargets(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	base := t.TempDir()
	present := filepath.Join(base, "present")
	require.NoError(t, os.Mkdir(present, 0o755))

	store := NewMemoryStore()
	require.NoError(t, store.Record(ctx, Grant{TreeURI: "a", Kind: platform.KindFolder, ResolvedPath: present}))
	require.NoError(t, store.Record(ctx, Grant{TreeURI: "b", Kind: platform.KindFolder, ResolvedPath: filepath.Join(base, "gone")}))
	require.NoError(t, store.Record(ctx, Grant{TreeURI: "c", Kind: platform.KindFile, ResolvedPath: "Download/x"}))

	w, err := NewWatcher(store, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Sync(ctx))
	assert.Equal(t, 1, w.Tracked())

	grants, err := store.List(ctx)
	require.NoError(t, err)
	var uris []string
	for _, g := range grants {
		uris = append(uris, g.TreeURI)
	}
	assert.Equal(t, []string{"a", "c"}, uris)
}

func TestWatcher_UntrackIgnoresLaterRemoval(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := filepath.Join(t.TempDir(), "kept")
	require.NoError(t, os.Mkdir(dir, 0o755))

	store := NewMemoryStore()
	g := Grant{TreeURI: "content://kept", Kind: platform.KindFolder, ResolvedPath: dir}
	require.NoError(t, store.Record(ctx, g))

	w, err := NewWatcher(store, nil)
	require.NoError(t, err)
	require.NoError(t, w.Track(g))
	w.Untrack(g.TreeURI)
	assert.Zero(t, w.Tracked())
	w.Stop()

	require.NoError(t, os.Remove(dir))
	_, ok, err := store.Get(ctx, g.TreeURI)
	require.NoError(t, err)
	assert.True(t, ok)
}
