package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/joeycumines/secure-fs-access/internal/bridge"
	"github.com/joeycumines/secure-fs-access/internal/config"
	"github.com/joeycumines/secure-fs-access/internal/grant"
	"github.com/joeycumines/secure-fs-access/internal/permission"
	"github.com/joeycumines/secure-fs-access/internal/platform"
	"github.com/joeycumines/secure-fs-access/internal/platform/hostdevice"
	"github.com/joeycumines/secure-fs-access/internal/profile"
	"github.com/joeycumines/secure-fs-access/internal/resolve"
	"github.com/joeycumines/secure-fs-access/internal/session"
	"github.com/joeycumines/secure-fs-access/internal/storage"
)

// lockDirName holds destination lock files, under the device root.
const lockDirName = ".locks"

// deviceIO carries the host device's prompt streams and scripted answers.
type deviceIO struct {
	In         io.Reader
	Out        io.Writer
	Selections []string
}

// app is one wired instance of the storage access core.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	device   *hostdevice.Device
	store    grant.Store
	keeper   *grant.Keeper
	watcher  *grant.Watcher
	engine   *storage.Engine
	profiles *profile.Manager
}

// newApp opens the grant store and builds every component over a
// directory-backed device. Relative paths in cfg resolve against the
// directory of configPath.
func newApp(ctx context.Context, cfg *config.Config, configPath string, logger *zap.Logger, dio deviceIO) (_ *app, err error) {
	perm, err := hostdevice.ParsePermissionMode(cfg.Device.Permission)
	if err != nil {
		return nil, err
	}
	device, err := hostdevice.New(hostdevice.Options{
		Root:         config.ResolvePath(configPath, cfg.Device.Root),
		SDKVersion:   cfg.Device.SDKVersion,
		StorageState: platform.StorageState(cfg.Device.StorageState),
		Permission:   perm,
		Selections:   dio.Selections,
		In:           dio.In,
		Out:          dio.Out,
	}, logger.Named("device"))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, device: device}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	switch cfg.Grants.Backend {
	case config.BackendSQLite:
		a.store, err = grant.OpenSQLite(config.ResolvePath(configPath, cfg.Grants.DatabasePath))
		if err != nil {
			return nil, fmt.Errorf("failed to open grant store: %w", err)
		}
	default:
		a.store = grant.NewMemoryStore()
	}
	a.keeper = grant.NewKeeper(a.store, device, logger.Named("grant"))

	if cfg.Grants.Watch {
		a.watcher, err = grant.NewWatcher(a.store, logger.Named("grant.watcher"))
		if err != nil {
			return nil, fmt.Errorf("failed to watch grants: %w", err)
		}
		if err := a.watcher.Sync(ctx); err != nil {
			logger.Warn("grant sync incomplete", zap.Error(err))
		}
		a.watcher.Start(ctx)
		a.keeper.SetTracker(a.watcher)
	}

	fsys := afero.NewOsFs()
	a.engine = storage.NewEngine(fsys, device, device, storage.Config{
		BufferSize:  cfg.GetBufferSize(),
		MaxParallel: cfg.Transfer.MaxParallel,
		LockDir:     filepath.Join(device.Root(), lockDirName),
		LockTimeout: cfg.GetLockTimeout(),
	}, logger.Named("storage"))
	a.profiles = profile.NewManager(fsys, device.FilesDir(), logger.Named("profile"))
	return a, nil
}

// dispatcher wires a Dispatcher whose pick requests go to picker. picks may
// be nil when picks are answered synchronously.
func (a *app) dispatcher(picker platform.Picker, picks *session.AsyncPicker) *bridge.Dispatcher {
	coord := session.NewCoordinator(session.Options{
		Env:       a.device,
		Picker:    picker,
		Gate:      permission.NewGate(a.device, a.logger.Named("permission")),
		Resolver:  resolve.New(a.device, a.logger.Named("resolve")),
		Keeper:    a.keeper,
		Publisher: a.engine,
		Logger:    a.logger.Named("session"),
	})
	return bridge.NewDispatcher(bridge.Options{
		Coordinator: coord,
		Engine:      a.engine,
		Profiles:    a.profiles,
		Keeper:      a.keeper,
		Picks:       picks,
		Logger:      a.logger.Named("bridge"),
	})
}

// Close stops the watcher and closes the grant store.
func (a *app) Close() error {
	var errs []error
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
