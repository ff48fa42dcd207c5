// Package storage copies files into user-selected locations, either by a
// direct byte-stream copy or through the host media broker, depending on the
// platform version.
package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/joeycumines/secure-fs-access/internal/errors"
	"github.com/joeycumines/secure-fs-access/internal/platform"
	"github.com/joeycumines/secure-fs-access/internal/policy"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBufferSize  = 128 * 1024
	defaultMaxParallel = 4

	// fileURIPrefix is stripped from destinations handed to the media broker.
	fileURIPrefix = "file://"
)

// Config tunes an Engine. Zero values select defaults.
type Config struct {
	// BufferSize is the copy buffer in bytes.
	BufferSize int
	// MaxParallel bounds SaveAll concurrency.
	MaxParallel int
	// LockDir holds cross-process destination lock files. Empty disables
	// them; in-process locking always applies.
	LockDir string
	// LockTimeout is how long to wait for a busy destination. Zero fails fast.
	LockTimeout time.Duration
}

// Transfer is one source/destination pair for SaveAll.
type Transfer struct {
	// From is relative to the public Downloads directory.
	From string
	To   string
}

// Engine performs transfers.
type Engine struct {
	fs     afero.Fs
	env    platform.Environment
	broker platform.MediaBroker
	locks  *destinationLocks
	cfg    Config
	logger *zap.Logger
}

// NewEngine returns an Engine doing direct I/O through fsys.
func NewEngine(fsys afero.Fs, env platform.Environment, broker platform.MediaBroker, cfg Config, logger *zap.Logger) *Engine {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		fs:     fsys,
		env:    env,
		broker: broker,
		locks:  newDestinationLocks(cfg.LockDir),
		cfg:    cfg,
		logger: logger,
	}
}

// Save copies <public Downloads>/fromRelative to dest and returns the
// absolute destination actually used. Once started, a transfer runs to
// completion; ctx is only checked before any I/O.
func (e *Engine) Save(ctx context.Context, fromRelative, dest string) (string, error) {
	if strings.TrimSpace(fromRelative) == "" || strings.TrimSpace(dest) == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "selectedPath & fromRelativePath are required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	version := e.env.SDKVersion()
	if policy.UsesMediaBroker(version) {
		return e.saveViaBroker(ctx, dest)
	}
	return e.saveDirect(ctx, fromRelative, dest)
}

func (e *Engine) saveDirect(ctx context.Context, fromRelative, dest string) (string, error) {
	src := filepath.Join(e.env.PublicDirectory(platform.DirDownloads), filepath.FromSlash(fromRelative))

	unlock, err := e.lock(ctx, dest)
	if err != nil {
		return "", err
	}
	defer e.unlock(dest, unlock)

	n, err := copyFileAtomic(e.fs, src, dest, e.cfg.BufferSize, e.logger)
	if err != nil {
		e.logger.Error("transfer failed",
			zap.String("src", src),
			zap.String("dest", dest),
			zap.Error(err),
		)
		return "", apperrors.WrapWithMetadata(apperrors.CodeCopyFailed, err.Error(),
			map[string]string{"src": src, "dest": dest}, err)
	}
	e.logger.Info("transfer complete",
		zap.String("src", src),
		zap.String("dest", dest),
		zap.Int64("bytes", n),
	)
	return dest, nil
}

func (e *Engine) saveViaBroker(ctx context.Context, dest string) (string, error) {
	path := strings.TrimPrefix(dest, fileURIPrefix)
	return e.Publish(ctx, filepath.Base(path), path)
}

// Publish hands the file at path to the media broker under displayName and
// returns the final accessible path. Broker failures are returned with the
// broker's message unchanged.
func (e *Engine) Publish(ctx context.Context, displayName, path string) (string, error) {
	unlock, err := e.lock(ctx, path)
	if err != nil {
		return "", err
	}
	defer e.unlock(path, unlock)

	final, err := e.broker.SaveToDownloads(ctx, displayName, path)
	if err != nil {
		e.logger.Error("media broker save failed",
			zap.String("path", path),
			zap.String("displayName", displayName),
			zap.Error(err),
		)
		return "", apperrors.Wrap(apperrors.CodeMediaBroker, err.Error(), err)
	}
	e.logger.Info("media broker save complete", zap.String("path", path), zap.String("final", final))
	return final, nil
}

// SaveAll runs transfers with bounded parallelism and returns the destination
// used by each, in order. The first failure stops transfers that have not
// started yet and is returned; transfers already running complete.
func (e *Engine) SaveAll(ctx context.Context, transfers []Transfer) ([]string, error) {
	seen := make(map[string]struct{}, len(transfers))
	for _, t := range transfers {
		key := filepath.Clean(strings.TrimPrefix(t.To, fileURIPrefix))
		if _, dup := seen[key]; dup {
			return nil, apperrors.WithMetadata(apperrors.CodeDestinationBusy,
				"destination appears more than once in batch", map[string]string{"dest": t.To})
		}
		seen[key] = struct{}{}
	}

	results := make([]string, len(transfers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)
	for i, t := range transfers {
		g.Go(func() error {
			out, err := e.Save(gctx, t.From, t.To)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// lockRetryInterval is the poll interval while waiting on a busy destination.
var lockRetryInterval = 10 * time.Millisecond

func (e *Engine) lock(ctx context.Context, dest string) (func() error, error) {
	deadline := time.Now().Add(e.cfg.LockTimeout)
	for {
		unlock, err := e.locks.tryLock(dest)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrWouldBlock) || !time.Now().Before(deadline) {
			return nil, e.lockError(dest, err)
		}
		select {
		case <-ctx.Done():
			return nil, e.lockError(dest, err)
		case <-time.After(lockRetryInterval):
		}
	}
}

func (e *Engine) lockError(dest string, err error) error {
	if errors.Is(err, ErrWouldBlock) {
		return apperrors.WrapWithMetadata(apperrors.CodeDestinationBusy,
			"destination is being written by another transfer", map[string]string{"dest": dest}, err)
	}
	return apperrors.Wrap(apperrors.CodeCopyFailed, err.Error(), err)
}

func (e *Engine) unlock(dest string, unlock func() error) {
	if err := unlock(); err != nil {
		e.logger.Warn("failed to release destination lock", zap.String("dest", dest), zap.Error(err))
	}
}
