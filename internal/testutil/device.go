package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/joeycumines/secure-fs-access/internal/platform"
)

// PickOutcome is one scripted picker response.
type PickOutcome struct {
	Selection platform.RawSelection
	Err       error
}

// GrantCall records a call to the persistable URI permission primitive.
type GrantCall struct {
	URI       string
	Direction platform.Direction
}

// BrokerCall records a media broker save.
type BrokerCall struct {
	DisplayName string
	Path        string
}

// FakeDevice is a scripted platform.Device. Directories live under Root.
type FakeDevice struct {
	mu sync.Mutex

	Root    string
	Version int
	State   platform.StorageState

	Permission platform.PermissionState
	// Answer is what the permission dialog returns.
	Answer             platform.PermissionState
	AnswerErr          error
	PermissionRequests int

	// Picks is consumed in order; an exhausted queue cancels the picker.
	Picks   []PickOutcome
	Intents []platform.PickIntent
	// PickHook, when set, runs before a scripted pick is returned.
	PickHook func(ctx context.Context, intent platform.PickIntent) error

	Taken      []GrantCall
	Released   []GrantCall
	TakeErr    error
	ReleaseErr error

	BrokerCalls []BrokerCall
	BrokerErr   error
}

// NewFakeDevice returns a mounted, permission-granted device at version with
// its public and private directories created under t.TempDir().
func NewFakeDevice(t *testing.T, version int) *FakeDevice {
	t.Helper()
	d := &FakeDevice{
		Root:       t.TempDir(),
		Version:    version,
		State:      platform.StateMounted,
		Permission: platform.PermissionGranted,
		Answer:     platform.PermissionGranted,
	}
	for _, dir := range []string{
		d.PublicDirectory(platform.DirDownloads),
		d.PublicDirectory(platform.DirDocuments),
		d.CacheDir(),
		d.FilesDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}
	return d
}

// QueuePick appends a scripted selection with the given path component.
func (d *FakeDevice) QueuePick(path string, granted platform.Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Picks = append(d.Picks, PickOutcome{Selection: platform.RawSelection{Path: path, Granted: granted}})
}

func (d *FakeDevice) SDKVersion() int { return d.Version }

func (d *FakeDevice) ExternalStorageState() platform.StorageState { return d.State }

func (d *FakeDevice) PublicDirectory(name string) string {
	return filepath.Join(d.Root, "sdcard", name)
}

func (d *FakeDevice) CacheDir() string { return filepath.Join(d.Root, "data", "cache") }

func (d *FakeDevice) FilesDir() string { return filepath.Join(d.Root, "data", "files") }

func (d *FakeDevice) StoragePermission() platform.PermissionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Permission
}

func (d *FakeDevice) RequestStoragePermission(ctx context.Context) (platform.PermissionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PermissionRequests++
	if d.AnswerErr != nil {
		return "", d.AnswerErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.Permission = d.Answer
	return d.Answer, nil
}

func (d *FakeDevice) Pick(ctx context.Context, intent platform.PickIntent) (platform.RawSelection, error) {
	d.mu.Lock()
	d.Intents = append(d.Intents, intent)
	hook := d.PickHook
	var next *PickOutcome
	if len(d.Picks) > 0 {
		next = &d.Picks[0]
		d.Picks = d.Picks[1:]
	}
	d.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, intent); err != nil {
			return platform.RawSelection{}, err
		}
	}
	if next == nil {
		return platform.RawSelection{}, platform.ErrCancelled
	}
	return next.Selection, next.Err
}

// PickCount returns the number of pickers shown so far.
func (d *FakeDevice) PickCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Intents)
}

func (d *FakeDevice) TakePersistable(uri string, dir platform.Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.TakeErr != nil {
		return d.TakeErr
	}
	d.Taken = append(d.Taken, GrantCall{URI: uri, Direction: dir})
	return nil
}

func (d *FakeDevice) ReleasePersistable(uri string, dir platform.Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ReleaseErr != nil {
		return d.ReleaseErr
	}
	d.Released = append(d.Released, GrantCall{URI: uri, Direction: dir})
	return nil
}

// SaveToDownloads copies path into the public Downloads directory.
func (d *FakeDevice) SaveToDownloads(ctx context.Context, displayName, path string) (string, error) {
	d.mu.Lock()
	d.BrokerCalls = append(d.BrokerCalls, BrokerCall{DisplayName: displayName, Path: path})
	brokerErr := d.BrokerErr
	d.mu.Unlock()
	if brokerErr != nil {
		return "", brokerErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("media broker: %w", err)
	}
	final := filepath.Join(d.PublicDirectory(platform.DirDownloads), displayName)
	if err := os.WriteFile(final, data, 0o644); err != nil {
		return "", fmt.Errorf("media broker: %w", err)
	}
	return final, nil
}

var _ platform.Device = (*FakeDevice)(nil)
