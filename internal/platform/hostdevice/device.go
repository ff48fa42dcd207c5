// Package hostdevice implements platform.Device on top of an ordinary
// directory, for desktop use and CI. The root holds a shared volume
// (sdcard/Download, sdcard/Documents) and the app-private directories
// (data/cache, data/files).
package hostdevice

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joeycumines/secure-fs-access/internal/platform"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// PermissionMode decides how the storage permission dialog is answered.
type PermissionMode string

const (
	// PermissionAsk prompts on the terminal.
	PermissionAsk PermissionMode = "ask"
	// PermissionGrant answers every request with granted.
	PermissionGrant PermissionMode = "grant"
	// PermissionDeny answers every request with denied.
	PermissionDeny PermissionMode = "deny"
)

// ParsePermissionMode parses a configured mode.
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch m := PermissionMode(strings.ToLower(strings.TrimSpace(s))); m {
	case PermissionAsk, PermissionGrant, PermissionDeny:
		return m, nil
	case "":
		return PermissionAsk, nil
	}
	return "", fmt.Errorf("unknown permission mode %q", s)
}

// Options configures a Device.
type Options struct {
	Root       string
	SDKVersion int
	// StorageState overrides the probed state of the shared volume.
	StorageState platform.StorageState
	Permission   PermissionMode
	// Selections are answered by the picker in order, before it falls back
	// to prompting. An empty selection dismisses the picker.
	Selections []string
	// In and Out carry prompts; nil disables prompting.
	In  io.Reader
	Out io.Writer
}

// Device is a directory-backed platform.Device.
type Device struct {
	fs      afero.Fs
	root    string
	version int
	state   platform.StorageState
	mode    PermissionMode
	logger  *zap.Logger
	out     io.Writer
	in      *bufio.Reader
	inFd    int

	mu         sync.Mutex
	permission platform.PermissionState
	selections []string
	held       map[string]platform.Direction
}

// New creates the directory layout under opts.Root and returns a Device.
func New(opts Options, logger *zap.Logger) (*Device, error) {
	if opts.Root == "" {
		return nil, errors.New("device root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device root: %w", err)
	}
	mode := opts.Permission
	if mode == "" {
		mode = PermissionAsk
	}

	d := &Device{
		fs:         afero.NewOsFs(),
		root:       root,
		version:    opts.SDKVersion,
		state:      opts.StorageState,
		mode:       mode,
		logger:     logger,
		out:        opts.Out,
		inFd:       -1,
		selections: append([]string(nil), opts.Selections...),
		held:       make(map[string]platform.Direction),
	}
	if opts.In != nil {
		d.in = bufio.NewReader(opts.In)
		if f, ok := opts.In.(interface{ Fd() uintptr }); ok {
			d.inFd = int(f.Fd())
		}
	}

	switch mode {
	case PermissionGrant:
		d.permission = platform.PermissionGranted
	case PermissionDeny:
		d.permission = platform.PermissionDenied
	default:
		d.permission = platform.PermissionPrompt
	}

	for _, dir := range []string{
		d.PublicDirectory(platform.DirDownloads),
		d.PublicDirectory(platform.DirDocuments),
		d.CacheDir(),
		d.FilesDir(),
	} {
		if err := d.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return d, nil
}

// Root returns the absolute device root.
func (d *Device) Root() string { return d.root }

func (d *Device) SDKVersion() int { return d.version }

// ExternalStorageState returns the configured state, or probes the shared
// volume directory when none is configured.
func (d *Device) ExternalStorageState() platform.StorageState {
	if d.state != "" {
		return d.state
	}
	return probeState(d.volumeDir())
}

func (d *Device) volumeDir() string { return filepath.Join(d.root, "sdcard") }

func (d *Device) PublicDirectory(name string) string {
	return filepath.Join(d.volumeDir(), name)
}

func (d *Device) CacheDir() string { return filepath.Join(d.root, "data", "cache") }

func (d *Device) FilesDir() string { return filepath.Join(d.root, "data", "files") }

func (d *Device) StoragePermission() platform.PermissionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

// RequestStoragePermission answers according to the permission mode. In ask
// mode it prompts once; the answer sticks for the life of the Device.
func (d *Device) RequestStoragePermission(ctx context.Context) (platform.PermissionState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permission != platform.PermissionPrompt {
		return d.permission, nil
	}
	line, err := d.promptLocked("Allow access to shared storage? [y/N] ")
	if err != nil {
		return "", err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		d.permission = platform.PermissionGranted
	default:
		d.permission = platform.PermissionDenied
	}
	d.logger.Info("storage permission answered", zap.String("state", string(d.permission)))
	return d.permission, nil
}

// Pick answers from the scripted selections, then from the prompt. A line
// containing "://" is a URI; anything else is a path.
func (d *Device) Pick(ctx context.Context, intent platform.PickIntent) (platform.RawSelection, error) {
	if err := ctx.Err(); err != nil {
		return platform.RawSelection{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var answer string
	if len(d.selections) > 0 {
		answer = d.selections[0]
		d.selections = d.selections[1:]
	} else {
		prompt := fmt.Sprintf("Select a %s", intent.Kind)
		if intent.InitialLocation != "" {
			prompt += fmt.Sprintf(" (starting at %s)", intent.InitialLocation)
		}
		line, err := d.promptLocked(prompt + ", empty to cancel: ")
		if err != nil {
			return platform.RawSelection{}, err
		}
		answer = line
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return platform.RawSelection{}, platform.ErrCancelled
	}
	sel := platform.RawSelection{Granted: intent.Flags}
	if strings.Contains(answer, "://") {
		sel.URI = answer
	} else {
		sel.Path = answer
	}
	d.logger.Debug("picker answered", zap.String("token", intent.Token), zap.String("selection", answer))
	return sel, nil
}

// promptLocked writes prompt (only when input is a terminal) and reads one
// line. Without input the picker and dialog are dismissed.
func (d *Device) promptLocked(prompt string) (string, error) {
	if d.in == nil {
		return "", nil
	}
	if d.out != nil && d.inFd >= 0 && term.IsTerminal(d.inFd) {
		if _, err := io.WriteString(d.out, prompt); err != nil {
			return "", fmt.Errorf("failed to write prompt: %w", err)
		}
	}
	line, err := d.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// TakePersistable records a persistable permission for uri.
func (d *Device) TakePersistable(uri string, dir platform.Direction) error {
	if uri == "" {
		return errors.New("no uri to take a permission for")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[uri] |= dir
	return nil
}

// ReleasePersistable drops a permission taken with TakePersistable.
func (d *Device) ReleasePersistable(uri string, dir platform.Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	held, ok := d.held[uri]
	if !ok || !held.Has(dir) {
		return fmt.Errorf("no persistable %s permission held for %s", dir, uri)
	}
	if rest := held &^ dir; rest != 0 {
		d.held[uri] = rest
	} else {
		delete(d.held, uri)
	}
	return nil
}

// Held returns the permissions currently held for uri.
func (d *Device) Held(uri string) platform.Direction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held[uri]
}

// maxCollisionSuffix bounds the "name (n).ext" search.
const maxCollisionSuffix = 1000

// SaveToDownloads copies path into the Downloads collection as displayName.
// An existing entry is never replaced; the copy is renamed "name (n).ext"
// like the host's media collections do.
func (d *Device) SaveToDownloads(ctx context.Context, displayName, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if displayName == "" || strings.ContainsAny(displayName, `/\`) {
		return "", fmt.Errorf("invalid display name %q", displayName)
	}
	src, err := d.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()

	downloads := d.PublicDirectory(platform.DirDownloads)
	ext := filepath.Ext(displayName)
	stem := strings.TrimSuffix(displayName, ext)
	for n := 0; n < maxCollisionSuffix; n++ {
		name := displayName
		if n > 0 {
			name = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		final := filepath.Join(downloads, name)
		dst, err := d.fs.OpenFile(final, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", final, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			_ = d.fs.Remove(final)
			return "", fmt.Errorf("failed to write %s: %w", final, err)
		}
		if err := dst.Close(); err != nil {
			_ = d.fs.Remove(final)
			return "", fmt.Errorf("failed to close %s: %w", final, err)
		}
		d.logger.Info("saved to downloads", zap.String("path", final))
		return final, nil
	}
	return "", fmt.Errorf("failed to build unique file: %s", displayName)
}

var _ platform.Device = (*Device)(nil)
