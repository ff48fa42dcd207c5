package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keptTree = "content://com.android.externalstorage.documents/tree/primary%3ADownload%2Fkits"

// workspace is a config file and the device root it points at.
type workspace struct {
	dir    string
	config string
}

// newWorkspace writes a config whose device answers the storage permission
// dialog with permission, plus any extra top-level sections.
func newWorkspace(t *testing.T, permission, extra string) *workspace {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	base := "device:\n  root: device\n  permission: " + permission + "\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(cfg, []byte(base+extra), 0o644))
	return &workspace{dir: dir, config: cfg}
}

func (w *workspace) device(parts ...string) string {
	return filepath.Join(append([]string{w.dir, "device"}, parts...)...)
}

// run executes the root command and returns stdout.
func (w *workspace) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", w.config}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestVersion(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--config", filepath.Join(t.TempDir(), "broken.yaml")})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "sfa version "+version+"\n", out.String())
}

func TestInvalidConfig(t *testing.T) {
	w := newWorkspace(t, "grant", "transfer:\n  max_parallel: 0\n")
	_, err := w.run(t, "", "scheme")
	require.ErrorContains(t, err, "transfer.max_parallel")
}

func TestScheme(t *testing.T) {
	w := newWorkspace(t, "grant", "")
	for _, tc := range []struct {
		sdk, scheme string
		picker      bool
		broker      bool
	}{
		{"28", "legacy-direct", true, false},
		{"29", "media-store-redirect", false, true},
		{"30", "scoped-tree", true, true},
	} {
		t.Run(tc.scheme, func(t *testing.T) {
			out, err := w.run(t, "", "--sdk", tc.sdk, "scheme")
			require.NoError(t, err)
			got := decode(t, out)
			assert.Equal(t, tc.scheme, got["scheme"])
			assert.Equal(t, tc.picker, got["showsPicker"])
			assert.Equal(t, tc.broker, got["usesMediaBroker"])
		})
	}
}

func TestProfiles(t *testing.T) {
	w := newWorkspace(t, "grant", "")

	out, err := w.run(t, "", "profiles", "ensure", "alice")
	require.NoError(t, err)
	assert.Equal(t, w.device("data", "files", "__storage__", "alice"), decode(t, out)["path"])

	require.NoError(t, os.WriteFile(w.device("data", "files", "__storage__", "alice", "wallet.dat"), []byte("x"), 0o600))

	out, err = w.run(t, "", "profiles", "list", "alice")
	require.NoError(t, err)
	assert.Equal(t, []any{"wallet.dat"}, decode(t, out)["folderList"])

	out, err = w.run(t, "", "profiles", "rename", "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.DirExists(t, w.device("data", "files", "__storage__", "bob"))

	_, err = w.run(t, "", "profiles", "rm", "bob")
	require.NoError(t, err)
	assert.NoDirExists(t, w.device("data", "files", "__storage__", "bob"))

	_, err = w.run(t, "", "profiles", "list", "bob")
	require.ErrorContains(t, err, "FOLDER_NOT_FOUND")
}

func TestPick_FolderGrantPersists(t *testing.T) {
	w := newWorkspace(t, "grant", "grants:\n  backend: sqlite\n  database_path: grants.db\n")

	out, err := w.run(t, "", "--sdk", "30", "pick", "folder", "vault.bak", "--selection", keptTree)
	require.NoError(t, err)
	got := decode(t, out)
	assert.Equal(t, "resolved", got["state"])
	assert.Equal(t, w.device("sdcard", "Download", "kits", "vault.bak"), got["selected"])

	out, err = w.run(t, "", "grants", "list")
	require.NoError(t, err)
	grants := decode(t, out)["grants"].([]any)
	require.Len(t, grants, 1)
	assert.Equal(t, keptTree, grants[0].(map[string]any)["treeUri"])

	_, err = w.run(t, "", "grants", "release", keptTree)
	require.NoError(t, err)

	out, err = w.run(t, "", "grants", "list")
	require.NoError(t, err)
	assert.Empty(t, decode(t, out)["grants"])
}

func TestPick_PromptsForPermission(t *testing.T) {
	w := newWorkspace(t, "ask", "")

	out, err := w.run(t, "y\n", "--sdk", "30", "pick", "folder", "vault.bak", "--selection", keptTree)
	require.NoError(t, err)
	assert.Equal(t, "resolved", decode(t, out)["state"])

	out, err = w.run(t, "n\n", "--sdk", "30", "pick", "folder", "vault.bak", "--selection", keptTree)
	require.NoError(t, err)
	got := decode(t, out)
	assert.Equal(t, "denied", got["state"])
	assert.Equal(t, "", got["selected"])
}

func TestPick_Cancelled(t *testing.T) {
	w := newWorkspace(t, "grant", "")
	out, err := w.run(t, "", "--sdk", "28", "pick", "file", "kit.pdf")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", decode(t, out)["state"])
}

func TestPick_InvalidType(t *testing.T) {
	w := newWorkspace(t, "grant", "")
	_, err := w.run(t, "", "pick", "album", "kit.pdf")
	require.ErrorContains(t, err, "INVALID_ARGUMENT: Resource type and defaultPath are required")
}

func TestFinishBackup(t *testing.T) {
	w := newWorkspace(t, "grant", "")
	src := filepath.Join(w.dir, "vault.bak")
	require.NoError(t, os.WriteFile(src, []byte("sealed"), 0o600))

	out, err := w.run(t, "", "--sdk", "29", "finish-backup", "vault.bak", "--from", src)
	require.NoError(t, err)
	final := decode(t, out)["selected"].(string)
	assert.Equal(t, w.device("sdcard", "Download", "vault.bak"), final)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "sealed", string(data))
}

func TestFinishBackup_UnsupportedScheme(t *testing.T) {
	w := newWorkspace(t, "grant", "")
	_, err := w.run(t, "", "--sdk", "30", "finish-backup", "vault.bak")
	require.ErrorContains(t, err, "UNSUPPORTED_SCHEME")
}

func TestSaveKit(t *testing.T) {
	w := newWorkspace(t, "grant", "")
	// creates the device layout
	_, err := w.run(t, "", "profiles", "ensure", "alice")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(w.device("sdcard", "Download", "kits"), 0o755))
	require.NoError(t, os.WriteFile(w.device("sdcard", "Download", "kits", "kit.pdf"), []byte("%PDF"), 0o644))
	dest := filepath.Join(w.dir, "kit.pdf")

	out, err := w.run(t, "", "--sdk", "28", "save-kit", "kits/kit.pdf", dest)
	require.NoError(t, err)
	assert.Equal(t, dest, decode(t, out)["selected"])
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))

	_, err = w.run(t, "", "--sdk", "28", "save-kit", "kits/missing.pdf", dest)
	require.ErrorContains(t, err, "COPY_FAILED")
}

func TestServe(t *testing.T) {
	w := newWorkspace(t, "grant", "")
	in := strings.Join([]string{
		`{"id":"1","method":"ensureProfileFolder","data":{"folder":"alice"}}`,
		`{"id":"2","method":"nope"}`,
		`not json`,
	}, "\n") + "\n"

	out, err := w.run(t, in, "serve")
	require.NoError(t, err)

	byID := map[string]map[string]any{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		msg := decode(t, scanner.Text())
		byID[msg["id"].(string)] = msg
	}
	require.Len(t, byID, 3)

	assert.Equal(t, w.device("data", "files", "__storage__", "alice"),
		byID["1"]["data"].(map[string]any)["path"])
	assert.Equal(t, "INVALID_ARGUMENT", byID["2"]["error"].(map[string]any)["code"])
	assert.Equal(t, "INVALID_ARGUMENT", byID[""]["error"].(map[string]any)["code"])
}
